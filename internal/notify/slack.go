package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Slack posts a text message to an incoming webhook.
type Slack struct {
	Webhook string
	Client  *http.Client
}

func NewSlack(webhook string) (*Slack, error) {
	if webhook == "" {
		return nil, errors.New("slack: empty webhook")
	}
	return &Slack{
		Webhook: webhook,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type slackPayload struct {
	Text string `json:"text"`
}

func (s *Slack) Kind() string    { return "slack" }
func (s *Slack) Address() string { return redactURL(s.Webhook) }

func (s *Slack) Deliver(ctx context.Context, msg Message) error {
	body, _ := json.Marshal(slackPayload{Text: "*" + Title(msg.Event) + "*\n" + Text(msg)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("slack: %s", resp.Status)
	}
	return nil
}
