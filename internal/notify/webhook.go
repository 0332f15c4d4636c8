package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const SignatureHeader = "X-Canarywatch-Signature"

// Webhook POSTs the transition event as JSON. With a secret, the body is
// signed with HMAC-SHA256 and sent as "sha256=<hex>".
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhook(rawURL, secret string) (*Webhook, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("webhook: invalid url")
	}
	return &Webhook{
		URL:    rawURL,
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (w *Webhook) Kind() string    { return "webhook" }
func (w *Webhook) Address() string { return redactURL(w.URL) }

func (w *Webhook) Deliver(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Canarywatch-Topic", msg.Topic)
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.Secret, body))
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: %s", resp.Status)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header in constant time.
func Verify(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// redactURL keeps scheme and host so tokens in paths never reach logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid-url"
	}
	if u.Path == "" || u.Path == "/" {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + "/..."
}
