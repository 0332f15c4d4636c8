package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var ErrNoPage = errors.New("probe: no page loaded")

// Browser opens independent sessions; one session backs one visual run.
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
}

// Session is a minimal page driver. Selectors are CSS selectors.
type Session interface {
	Navigate(ctx context.Context, rawURL string) error
	Reload(ctx context.Context) error
	URL() string
	Count(selector string) (int, error)
	Text(selector string) (string, error)
	Attr(selector, name string) (string, bool, error)
	// Snapshot returns the current page for artifact capture.
	Snapshot() (data []byte, contentType string, err error)
	Close() error
}

// HTTPBrowser renders pages by fetching them and parsing the returned
// markup. It does not execute scripts.
type HTTPBrowser struct {
	Client    *http.Client
	UserAgent string
}

func NewHTTPBrowser(client *http.Client) *HTTPBrowser {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBrowser{Client: client, UserAgent: "canarywatch/1.0"}
}

func (b *HTTPBrowser) NewSession(ctx context.Context) (Session, error) {
	return &httpSession{browser: b}, nil
}

type httpSession struct {
	browser *HTTPBrowser
	url     *url.URL
	raw     []byte
	doc     *goquery.Document
}

func (s *httpSession) Navigate(ctx context.Context, rawURL string) error {
	target, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("navigate %q: %w", rawURL, err)
	}
	if s.url != nil {
		target = s.url.ResolveReference(target)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return fmt.Errorf("navigate %q: unsupported scheme", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", s.browser.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.browser.Client.Do(req)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("navigate %s: read: %w", target, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("navigate %s: parse: %w", target, err)
	}
	s.url = resp.Request.URL
	s.raw = raw
	s.doc = doc
	if resp.StatusCode >= 400 {
		return fmt.Errorf("navigate %s: %s", target, resp.Status)
	}
	return nil
}

func (s *httpSession) Reload(ctx context.Context) error {
	if s.url == nil {
		return ErrNoPage
	}
	return s.Navigate(ctx, s.url.String())
}

func (s *httpSession) URL() string {
	if s.url == nil {
		return ""
	}
	return s.url.String()
}

func (s *httpSession) Count(selector string) (int, error) {
	if s.doc == nil {
		return 0, ErrNoPage
	}
	return s.doc.Find(selector).Length(), nil
}

func (s *httpSession) Text(selector string) (string, error) {
	if s.doc == nil {
		return "", ErrNoPage
	}
	return strings.TrimSpace(s.doc.Find(selector).Text()), nil
}

func (s *httpSession) Attr(selector, name string) (string, bool, error) {
	if s.doc == nil {
		return "", false, ErrNoPage
	}
	v, ok := s.doc.Find(selector).First().Attr(name)
	return v, ok, nil
}

func (s *httpSession) Snapshot() ([]byte, string, error) {
	if s.raw == nil {
		return nil, "", ErrNoPage
	}
	return s.raw, "text/html; charset=utf-8", nil
}

func (s *httpSession) Close() error {
	s.doc, s.raw = nil, nil
	return nil
}
