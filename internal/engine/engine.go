// Package engine wires probes, the scheduler, the aggregator, alarms and the
// notification dispatcher into one monitoring pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/canarywatch/internal/aggregator"
	"github.com/hamed0406/canarywatch/internal/alarm"
	"github.com/hamed0406/canarywatch/internal/domain"
	"github.com/hamed0406/canarywatch/internal/notify"
	"github.com/hamed0406/canarywatch/internal/probe"
	"github.com/hamed0406/canarywatch/internal/repo"
	"github.com/hamed0406/canarywatch/internal/repo/memory"
	"github.com/hamed0406/canarywatch/internal/scheduler"
	"github.com/hamed0406/canarywatch/internal/telemetry"
)

var (
	ErrInvalidConfig = errors.New("engine: invalid config")
	ErrDuplicate     = errors.New("engine: duplicate id")
	ErrNotFound      = errors.New("engine: not found")
	ErrStarted       = errors.New("engine: already started")
)

var allStates = []string{
	string(domain.StateOK),
	string(domain.StateAlarm),
	string(domain.StateInsufficientData),
}

// Options are the collaborators an Engine is built from. Zero values get
// working defaults: a real clock, a nop logger and an in-memory store.
type Options struct {
	Logger          *zap.Logger
	Clock           clock.Clock
	Store           repo.Store
	Artifacts       probe.ArtifactSink
	Browser         probe.Browser
	SMTP            notify.SMTPConfig
	DeliveryTimeout time.Duration
	// FaultSeed seeds fault injectors built by Apply; zero uses the time.
	FaultSeed int64
}

// ProbeStatus is the read view of one registered probe.
type ProbeStatus struct {
	scheduler.JobInfo
	Kind          string `json:"kind,omitempty"`
	Retention     string `json:"retention"`
	WindowSamples int    `json:"window_samples"`
}

type Engine struct {
	log       *zap.Logger
	clock     clock.Clock
	store     repo.Store
	artifacts probe.ArtifactSink
	browser   probe.Browser
	smtp      notify.SMTPConfig
	faultSeed int64

	agg      *aggregator.Aggregator
	sched    *scheduler.Scheduler
	runner   *scheduler.AlarmRunner
	dispatch *notify.Dispatcher

	mu      sync.RWMutex
	kinds   map[domain.ProbeID]string
	alarms  map[domain.AlarmID]*alarm.Alarm
	started bool
}

func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	store := opts.Store
	if store == nil {
		store = memory.New()
	}
	browser := opts.Browser
	if browser == nil {
		browser = probe.NewHTTPBrowser(nil)
	}

	e := &Engine{
		log:       log,
		clock:     clk,
		store:     store,
		artifacts: opts.Artifacts,
		browser:   browser,
		smtp:      opts.SMTP,
		faultSeed: opts.FaultSeed,
		agg:       aggregator.New(clk),
		dispatch:  notify.NewDispatcher(log, opts.DeliveryTimeout),
		kinds:     make(map[domain.ProbeID]string),
		alarms:    make(map[domain.AlarmID]*alarm.Alarm),
	}
	e.sched = scheduler.New(log, clk, scheduler.RecorderFunc(e.record))
	e.runner = scheduler.NewAlarmRunner(log, clk, scheduler.TransitionFunc(e.handleTransition))
	return e
}

// RegisterProbe schedules p every interval. timeout bounds each run and
// defaults to the interval.
func (e *Engine) RegisterProbe(id domain.ProbeID, p probe.Probe, interval, timeout time.Duration) error {
	return e.registerProbe(id, "", p, interval, timeout)
}

func (e *Engine) registerProbe(id domain.ProbeID, kind string, p probe.Probe, interval, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrStarted
	}
	if _, ok := e.kinds[id]; ok {
		return fmt.Errorf("%w: probe %s", ErrDuplicate, id)
	}
	if err := e.sched.Register(id, p, interval, timeout); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	e.kinds[id] = kind
	return nil
}

// RegisterAlarm builds an alarm over the aggregated success rate of an
// already registered probe. Its topic, when set, must be registered too.
func (e *Engine) RegisterAlarm(cfg alarm.Config) (*alarm.Alarm, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil, ErrStarted
	}
	if _, ok := e.alarms[cfg.ID]; ok {
		return nil, fmt.Errorf("%w: alarm %s", ErrDuplicate, cfg.ID)
	}
	if _, ok := e.kinds[cfg.ProbeID]; !ok {
		return nil, fmt.Errorf("%w: alarm %s: probe %q is not registered", ErrInvalidConfig, cfg.ID, cfg.ProbeID)
	}
	if cfg.Topic != "" && !e.dispatch.HasTopic(cfg.Topic) {
		return nil, fmt.Errorf("%w: alarm %s: topic %q is not registered", ErrInvalidConfig, cfg.ID, cfg.Topic)
	}
	a, err := alarm.New(cfg, e.agg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := e.runner.Add(a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	e.agg.Retain(cfg.ProbeID, a.Config().Window())
	e.alarms[cfg.ID] = a
	telemetry.SetAlarmState(string(cfg.ID), string(a.State()), allStates...)
	return a, nil
}

// RegisterTopic adds a topic with a fixed subscriber list.
func (e *Engine) RegisterTopic(name string, subs ...notify.Subscriber) error {
	if err := e.dispatch.RegisterTopic(name, subs...); err != nil {
		if errors.Is(err, notify.ErrDuplicate) {
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Start launches every probe loop and alarm loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrStarted
	}
	e.started = true
	e.mu.Unlock()

	if err := e.sched.Start(ctx); err != nil {
		return err
	}
	if err := e.runner.Start(ctx); err != nil {
		e.sched.Stop()
		return err
	}
	e.log.Info("engine_started",
		zap.Int("probes", len(e.sched.Jobs())),
		zap.Int("alarms", len(e.Alarms())),
		zap.Int("topics", len(e.dispatch.Topics())),
	)
	return nil
}

// Stop waits for in-flight probe runs to be recorded, then stops the alarms.
func (e *Engine) Stop() {
	e.sched.Stop()
	e.runner.Stop()
	e.log.Info("engine_stopped")
}

// EvaluateAlarms runs one evaluation of every alarm at the current time.
func (e *Engine) EvaluateAlarms(ctx context.Context) {
	e.runner.EvaluateAll(ctx)
}

func (e *Engine) record(ctx context.Context, o domain.Outcome) error {
	var errs error
	if err := e.agg.Record(o); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := e.store.AppendOutcome(ctx, o); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("archive outcome: %w", err))
	}
	return errs
}

func (e *Engine) handleTransition(ctx context.Context, a *alarm.Alarm, ev domain.TransitionEvent) {
	cfg := a.Config()
	fields := []zap.Field{
		zap.String("alarm_id", string(ev.AlarmID)),
		zap.String("probe_id", string(ev.ProbeID)),
		zap.String("from", string(ev.PreviousState)),
		zap.String("to", string(ev.NewState)),
		zap.Time("occurred_at", ev.OccurredAt),
	}
	if ev.MetricValue != nil {
		fields = append(fields, zap.Float64("metric_value", *ev.MetricValue))
	}
	e.log.Info("alarm_transition", fields...)
	telemetry.SetAlarmState(string(ev.AlarmID), string(ev.NewState), allStates...)
	telemetry.RecordTransition(string(ev.AlarmID), string(ev.NewState))

	// state is already committed; a caller going away must not drop the page
	ctx = context.WithoutCancel(ctx)

	t := repo.Transition{ID: uuid.NewString(), TransitionEvent: ev, Topic: cfg.Topic}
	if cfg.Topic != "" && cfg.Notifies(ev.NewState) {
		rep, err := e.dispatch.PublishMessage(ctx, notify.Message{
			Topic:       cfg.Topic,
			Description: cfg.Description,
			Event:       ev,
		})
		t.Notified = true
		t.Delivered = rep.Delivered
		t.Failed = len(rep.Failures)
		switch {
		case errors.Is(err, notify.ErrUnknownTopic):
			e.log.Error("publish_failed", zap.String("alarm_id", string(ev.AlarmID)), zap.Error(err))
		default:
			// per-subscriber failures were already logged by the dispatcher
			e.log.Info("transition_published",
				zap.String("alarm_id", string(ev.AlarmID)),
				zap.String("topic", cfg.Topic),
				zap.Int("delivered", t.Delivered),
				zap.Int("failed", t.Failed),
			)
		}
	}
	if err := e.store.AppendTransition(ctx, t); err != nil {
		e.log.Warn("history_append_failed", zap.String("alarm_id", string(ev.AlarmID)), zap.Error(err))
	}
}

// Alarms lists every alarm's status ordered by id.
func (e *Engine) Alarms() []alarm.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]alarm.Status, 0, len(e.alarms))
	for _, a := range e.alarms {
		out = append(out, a.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Alarm(id domain.AlarmID) (alarm.Status, error) {
	e.mu.RLock()
	a, ok := e.alarms[id]
	e.mu.RUnlock()
	if !ok {
		return alarm.Status{}, fmt.Errorf("%w: alarm %s", ErrNotFound, id)
	}
	return a.Status(), nil
}

// History returns the newest transitions of one alarm first.
func (e *Engine) History(ctx context.Context, id domain.AlarmID, limit int) ([]repo.Transition, error) {
	if _, err := e.Alarm(id); err != nil {
		return nil, err
	}
	return e.store.Transitions(ctx, id, repo.ClampLimit(limit))
}

func (e *Engine) Probes() []ProbeStatus {
	jobs := e.sched.Jobs()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ProbeStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, ProbeStatus{
			JobInfo:       j,
			Kind:          e.kinds[j.ProbeID],
			Retention:     e.agg.Retention(j.ProbeID).String(),
			WindowSamples: len(e.agg.Snapshot(j.ProbeID)),
		})
	}
	return out
}

func (e *Engine) hasProbe(id domain.ProbeID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.kinds[id]
	return ok
}

// SuccessPercent returns count datapoints of period each, oldest first.
func (e *Engine) SuccessPercent(id domain.ProbeID, period time.Duration, count int) ([]aggregator.Datapoint, error) {
	if !e.hasProbe(id) {
		return nil, fmt.Errorf("%w: probe %s", ErrNotFound, id)
	}
	return e.agg.SuccessPercent(id, period, count)
}

// Outcomes returns archived outcomes of one probe, newest first.
func (e *Engine) Outcomes(ctx context.Context, id domain.ProbeID, limit int) ([]domain.Outcome, error) {
	if !e.hasProbe(id) {
		return nil, fmt.Errorf("%w: probe %s", ErrNotFound, id)
	}
	return e.store.RecentOutcomes(ctx, id, repo.ClampLimit(limit))
}

func (e *Engine) Topics() []notify.TopicInfo {
	return e.dispatch.Topics()
}

// Now is the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}
