package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxBodyBytes = 1 << 20

var ErrInvalidTarget = errors.New("probe: invalid target")

// APITarget describes one read-only request and what counts as success.
type APITarget struct {
	URL            string
	Method         string // GET (default) or HEAD
	StatusMin      int    // default 200
	StatusMax      int    // default 299
	Headers        map[string]string
	BodyContains   string
	ExpectJSONKeys []string // top-level object keys that must be present
	MinItems       int      // minimum length when the body is a JSON array
}

func (t APITarget) withDefaults() APITarget {
	if t.Method == "" {
		t.Method = http.MethodGet
	}
	t.Method = strings.ToUpper(t.Method)
	if t.StatusMin == 0 && t.StatusMax == 0 {
		t.StatusMin, t.StatusMax = 200, 299
	}
	return t
}

func (t APITarget) Validate() error {
	t = t.withDefaults()
	if !isHTTPURL(t.URL) {
		return fmt.Errorf("%w: url %q", ErrInvalidTarget, t.URL)
	}
	if t.Method != http.MethodGet && t.Method != http.MethodHead {
		return fmt.Errorf("%w: method %s is not read-only", ErrInvalidTarget, t.Method)
	}
	if t.StatusMin < 100 || t.StatusMax > 599 || t.StatusMin > t.StatusMax {
		return fmt.Errorf("%w: expected status range %d-%d", ErrInvalidTarget, t.StatusMin, t.StatusMax)
	}
	if t.MinItems < 0 {
		return fmt.Errorf("%w: min items %d", ErrInvalidTarget, t.MinItems)
	}
	return nil
}

// APIProbe issues one request per run against its target.
type APIProbe struct {
	Target APITarget
	Client *http.Client
}

// NewAPIProbe validates t. The per-run deadline comes from the caller's
// context; timeout only bounds the client when no deadline is set.
func NewAPIProbe(t APITarget, timeout time.Duration) (*APIProbe, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIProbe{
		Target: t.withDefaults(),
		Client: &http.Client{Timeout: timeout},
	}, nil
}

func (p *APIProbe) Run(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, p.Target.Method, p.Target.URL, nil)
	if err != nil {
		return failed(start, 0, err.Error())
	}
	for k, v := range p.Target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		msg := err.Error()
		if ctx.Err() == nil {
			msg = fmt.Sprintf("%s (dns=%s)", msg, ClassifyHost(ctx, hostOf(p.Target.URL)))
		}
		return failed(start, 0, msg)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return failed(start, resp.StatusCode, "read body: "+err.Error())
	}

	if resp.StatusCode < p.Target.StatusMin || resp.StatusCode > p.Target.StatusMax {
		return failed(start, resp.StatusCode, fmt.Sprintf("%s: want status %d-%d",
			resp.Status, p.Target.StatusMin, p.Target.StatusMax))
	}
	if err := p.checkBody(body); err != nil {
		return failed(start, resp.StatusCode, err.Error())
	}

	return Result{
		Success:    true,
		DurationMS: sinceMS(start),
		StatusCode: resp.StatusCode,
	}
}

func (p *APIProbe) checkBody(body []byte) error {
	t := p.Target
	if t.BodyContains != "" && !bytes.Contains(body, []byte(t.BodyContains)) {
		return fmt.Errorf("body does not contain %q", t.BodyContains)
	}
	if len(t.ExpectJSONKeys) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return fmt.Errorf("body is not a JSON object: %v", err)
		}
		for _, k := range t.ExpectJSONKeys {
			if _, ok := obj[k]; !ok {
				return fmt.Errorf("body is missing key %q", k)
			}
		}
	}
	if t.MinItems > 0 {
		var arr []json.RawMessage
		if err := json.Unmarshal(body, &arr); err != nil {
			return fmt.Errorf("body is not a JSON array: %v", err)
		}
		if len(arr) < t.MinItems {
			return fmt.Errorf("body has %d items, want at least %d", len(arr), t.MinItems)
		}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}
