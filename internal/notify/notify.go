package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/canarywatch/internal/domain"
	"github.com/hamed0406/canarywatch/internal/telemetry"
)

var (
	ErrUnknownTopic = errors.New("notify: unknown topic")
	ErrDuplicate    = errors.New("notify: duplicate topic")
	ErrInvalidTopic = errors.New("notify: invalid topic")
)

// Message is what a subscriber receives for one transition.
type Message struct {
	Topic       string
	Description string
	Event       domain.TransitionEvent
}

// Subscriber delivers a message to one endpoint, one attempt per call.
type Subscriber interface {
	Kind() string
	Address() string
	Deliver(ctx context.Context, msg Message) error
}

// Failure is one subscriber that could not be reached.
type Failure struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Error   string `json:"error"`
}

type Report struct {
	Topic     string    `json:"topic"`
	Delivered int       `json:"delivered"`
	Failures  []Failure `json:"failures,omitempty"`
}

type TopicInfo struct {
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers"`
}

const DefaultDeliveryTimeout = 10 * time.Second

// Dispatcher fans transition events out to the subscribers of a topic.
// Topics are immutable once registered.
type Dispatcher struct {
	Logger  *zap.Logger
	Timeout time.Duration

	mu     sync.RWMutex
	topics map[string][]Subscriber
}

func NewDispatcher(logger *zap.Logger, timeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	return &Dispatcher{Logger: logger, Timeout: timeout, topics: make(map[string][]Subscriber)}
}

func (d *Dispatcher) RegisterTopic(name string, subs ...Subscriber) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTopic)
	}
	for i, s := range subs {
		if s == nil {
			return fmt.Errorf("%w: topic %s subscriber %d is nil", ErrInvalidTopic, name, i)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.topics[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	d.topics[name] = append([]Subscriber(nil), subs...)
	return nil
}

func (d *Dispatcher) HasTopic(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.topics[name]
	return ok
}

func (d *Dispatcher) Topics() []TopicInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]TopicInfo, 0, len(d.topics))
	for name, subs := range d.topics {
		ti := TopicInfo{Name: name, Subscribers: make([]string, 0, len(subs))}
		for _, s := range subs {
			ti.Subscribers = append(ti.Subscribers, s.Kind()+":"+s.Address())
		}
		out = append(out, ti)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Publish delivers ev to every subscriber of topic.
func (d *Dispatcher) Publish(ctx context.Context, topic string, ev domain.TransitionEvent) (Report, error) {
	return d.PublishMessage(ctx, Message{Topic: topic, Event: ev})
}

// PublishMessage delivers to all subscribers in parallel, each bounded by
// d.Timeout. One subscriber failing never stops the others; every failure
// is logged, counted and returned in the report and the combined error.
func (d *Dispatcher) PublishMessage(ctx context.Context, msg Message) (Report, error) {
	d.mu.RLock()
	subs, ok := d.topics[msg.Topic]
	d.mu.RUnlock()
	if !ok {
		return Report{Topic: msg.Topic}, fmt.Errorf("%w: %s", ErrUnknownTopic, msg.Topic)
	}

	ctx, span := telemetry.StartPublishSpan(ctx, msg.Topic, string(msg.Event.AlarmID))
	defer span.End()

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s Subscriber) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, d.Timeout)
			defer cancel()
			errs[i] = safeDeliver(dctx, s, msg)
		}(i, s)
	}
	wg.Wait()

	rep := Report{Topic: msg.Topic}
	var combined error
	for i, s := range subs {
		telemetry.RecordDelivery(msg.Topic, s.Kind(), errs[i])
		if errs[i] == nil {
			rep.Delivered++
			continue
		}
		rep.Failures = append(rep.Failures, Failure{Kind: s.Kind(), Address: s.Address(), Error: errs[i].Error()})
		combined = multierr.Append(combined, fmt.Errorf("%s %s: %w", s.Kind(), s.Address(), errs[i]))
		d.Logger.Warn("delivery_failed",
			zap.String("topic", msg.Topic),
			zap.String("alarm_id", string(msg.Event.AlarmID)),
			zap.String("kind", s.Kind()),
			zap.String("address", s.Address()),
			zap.Error(errs[i]),
		)
	}
	return rep, combined
}

func safeDeliver(ctx context.Context, s Subscriber, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return s.Deliver(ctx, msg)
}

// Title is the one-line summary used by human-facing subscribers.
func Title(ev domain.TransitionEvent) string {
	icon := "⚪"
	switch ev.NewState {
	case domain.StateAlarm:
		icon = "🔴"
	case domain.StateOK:
		icon = "🟢"
	}
	return fmt.Sprintf("%s %s: %s", icon, ev.NewState, ev.AlarmID)
}

// Text renders the event for email and chat.
func Text(msg Message) string {
	ev := msg.Event
	value := "n/a"
	if ev.MetricValue != nil {
		value = fmt.Sprintf("%.1f%%", *ev.MetricValue)
	}
	text := fmt.Sprintf(
		"Alarm: %s\nProbe: %s\nState: %s -> %s\nSuccess rate: %s\nAt: %s",
		ev.AlarmID, ev.ProbeID, ev.PreviousState, ev.NewState, value, ev.OccurredAt.UTC().Format(time.RFC3339),
	)
	if msg.Description != "" {
		text = msg.Description + "\n\n" + text
	}
	return text
}
