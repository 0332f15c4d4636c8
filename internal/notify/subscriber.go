package notify

import (
	"fmt"
	"strings"
)

// SubscriberConfig declares one subscriber of a topic.
type SubscriberConfig struct {
	Kind    string // email | webhook | slack
	Address string
	Secret  string // webhook signing key
}

func NewSubscriber(cfg SubscriberConfig, relay SMTPConfig) (Subscriber, error) {
	var (
		s   Subscriber
		err error
	)
	switch strings.ToLower(cfg.Kind) {
	case "email":
		s, err = NewEmail(cfg.Address, relay)
	case "webhook":
		s, err = NewWebhook(cfg.Address, cfg.Secret)
	case "slack":
		s, err = NewSlack(cfg.Address)
	default:
		return nil, fmt.Errorf("%w: unknown subscriber kind %q", ErrInvalidTopic, cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}
	return s, nil
}
