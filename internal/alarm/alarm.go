// Package alarm implements the threshold alarm state machine that sits on top
// of the aggregated success percentage of one probe.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/hamed0406/canarywatch/internal/aggregator"
	"github.com/hamed0406/canarywatch/internal/domain"
)

var ErrInvalidConfig = errors.New("alarm: invalid config")

// Source provides per-period success percentages, oldest first.
// *aggregator.Aggregator satisfies it.
type Source interface {
	SuccessPercent(probeID domain.ProbeID, period time.Duration, count int) ([]aggregator.Datapoint, error)
}

type Config struct {
	ID                domain.AlarmID
	Description       string
	ProbeID           domain.ProbeID
	Period            time.Duration
	EvaluationPeriods int
	// DatapointsToAlarm defaults to EvaluationPeriods when zero.
	DatapointsToAlarm int
	Operator          Operator
	Threshold         float64
	Topic             string
	// NotifyOn limits which new states are published; empty means all.
	NotifyOn []domain.AlarmState
}

// WithDefaults fills DatapointsToAlarm and rewrites a named operator
// ("LessThanThreshold") to its symbol.
func (c Config) WithDefaults() Config {
	if c.DatapointsToAlarm == 0 {
		c.DatapointsToAlarm = c.EvaluationPeriods
	}
	if op, err := ParseOperator(string(c.Operator)); err == nil {
		c.Operator = op
	}
	return c
}

// Validate reports every problem with the config, not just the first.
func (c Config) Validate() error {
	c = c.WithDefaults()
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	var errs error
	bad := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: %s: "+format, append([]any{ErrInvalidConfig, c.ID}, args...)...))
	}
	if c.ProbeID == "" {
		bad("probe id is required")
	}
	if c.Period <= 0 {
		bad("period must be positive")
	}
	if c.EvaluationPeriods < 1 {
		bad("evaluation periods must be >= 1")
	} else if c.DatapointsToAlarm < 1 || c.DatapointsToAlarm > c.EvaluationPeriods {
		bad("datapoints to alarm %d not in [1, %d]", c.DatapointsToAlarm, c.EvaluationPeriods)
	}
	if !c.Operator.Valid() {
		bad("comparison operator %q", c.Operator)
	}
	if math.IsNaN(c.Threshold) || c.Threshold < 0 || c.Threshold > 100 {
		bad("threshold %v not in [0, 100]", c.Threshold)
	}
	for _, s := range c.NotifyOn {
		if !s.Valid() {
			bad("unknown notify state %q", s)
		}
	}
	return errs
}

// Window is the total span an evaluation reads.
func (c Config) Window() time.Duration {
	return c.Period * time.Duration(c.EvaluationPeriods)
}

// Notifies reports whether a transition into s should be published.
func (c Config) Notifies(s domain.AlarmState) bool {
	if len(c.NotifyOn) == 0 {
		return true
	}
	for _, n := range c.NotifyOn {
		if n == s {
			return true
		}
	}
	return false
}

type verdict int

const (
	verdictOK verdict = iota
	verdictBreach
	verdictNoData
)

// Alarm owns its state; only Evaluate mutates it.
type Alarm struct {
	cfg    Config
	source Source

	mu               sync.RWMutex
	state            domain.AlarmState
	lastTransitionAt time.Time
	lastEvaluatedAt  time.Time
	lastValue        *float64
}

func New(cfg Config, source Source) (*Alarm, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: %s: nil metric source", ErrInvalidConfig, cfg.ID)
	}
	return &Alarm{
		cfg:    cfg,
		source: source,
		state:  domain.StateInsufficientData,
	}, nil
}

func (a *Alarm) Config() Config { return a.cfg }

func (a *Alarm) ID() domain.AlarmID { return a.cfg.ID }

func (a *Alarm) State() domain.AlarmState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Alarm) LastTransitionAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastTransitionAt
}

// Status is a read-only view for dashboards.
type Status struct {
	ID                domain.AlarmID    `json:"id"`
	Description       string            `json:"description,omitempty"`
	ProbeID           domain.ProbeID    `json:"probe_id"`
	State             domain.AlarmState `json:"state"`
	LastTransitionAt  *time.Time        `json:"last_transition_at,omitempty"`
	LastEvaluatedAt   *time.Time        `json:"last_evaluated_at,omitempty"`
	LastMetricValue   *float64          `json:"last_metric_value"`
	Threshold         float64           `json:"threshold"`
	Operator          Operator          `json:"comparison_operator"`
	EvaluationPeriods int               `json:"evaluation_periods"`
	DatapointsToAlarm int               `json:"datapoints_to_alarm"`
	PeriodSeconds     float64           `json:"period_seconds"`
	Topic             string            `json:"topic,omitempty"`
}

func (a *Alarm) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := Status{
		ID:                a.cfg.ID,
		Description:       a.cfg.Description,
		ProbeID:           a.cfg.ProbeID,
		State:             a.state,
		LastMetricValue:   a.lastValue,
		Threshold:         a.cfg.Threshold,
		Operator:          a.cfg.Operator,
		EvaluationPeriods: a.cfg.EvaluationPeriods,
		DatapointsToAlarm: a.cfg.DatapointsToAlarm,
		PeriodSeconds:     a.cfg.Period.Seconds(),
		Topic:             a.cfg.Topic,
	}
	if !a.lastTransitionAt.IsZero() {
		t := a.lastTransitionAt
		st.LastTransitionAt = &t
	}
	if !a.lastEvaluatedAt.IsZero() {
		t := a.lastEvaluatedAt
		st.LastEvaluatedAt = &t
	}
	return st
}

// Evaluate runs one evaluation at now. It returns an event only when the
// state actually changed. Source errors and malformed datapoints are treated
// as NO_DATA; Evaluate never fails.
func (a *Alarm) Evaluate(ctx context.Context, now time.Time) (domain.TransitionEvent, bool) {
	verdicts, latest := a.classify(ctx)
	next := decide(verdicts, a.cfg.DatapointsToAlarm)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastEvaluatedAt = now
	a.lastValue = latest
	if next == a.state {
		return domain.TransitionEvent{}, false
	}
	prev := a.state
	a.state = next
	a.lastTransitionAt = now
	return domain.TransitionEvent{
		AlarmID:       a.cfg.ID,
		PreviousState: prev,
		NewState:      next,
		OccurredAt:    now,
		MetricValue:   latest,
		ProbeID:       a.cfg.ProbeID,
	}, true
}

func (a *Alarm) classify(ctx context.Context) ([]verdict, *float64) {
	n := a.cfg.EvaluationPeriods
	verdicts := make([]verdict, n)
	for i := range verdicts {
		verdicts[i] = verdictNoData
	}
	if ctx.Err() != nil {
		return verdicts, nil
	}

	points, err := a.source.SuccessPercent(a.cfg.ProbeID, a.cfg.Period, n)
	if err != nil || len(points) != n {
		return verdicts, nil
	}

	var latest *float64
	for i, p := range points {
		v, ok := p.Percent()
		if !ok || math.IsNaN(v) || v < 0 || v > 100 {
			continue
		}
		if a.cfg.Operator.Breaches(v, a.cfg.Threshold) {
			verdicts[i] = verdictBreach
		} else {
			verdicts[i] = verdictOK
		}
		val := v
		latest = &val
	}
	return verdicts, latest
}

// decide maps the verdicts of the examined periods to a state. Too many
// missing periods without a confirmed breach run is INSUFFICIENT_DATA; that
// check runs before the ALARM one. datapointsToAlarm breaches is ALARM;
// anything else is OK.
func decide(verdicts []verdict, datapointsToAlarm int) domain.AlarmState {
	var breaches, noData int
	for _, v := range verdicts {
		switch v {
		case verdictBreach:
			breaches++
		case verdictNoData:
			noData++
		}
	}
	tolerated := len(verdicts) - datapointsToAlarm
	switch {
	case noData > tolerated && breaches < datapointsToAlarm:
		return domain.StateInsufficientData
	case breaches >= datapointsToAlarm:
		return domain.StateAlarm
	default:
		return domain.StateOK
	}
}
