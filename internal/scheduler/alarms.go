package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hamed0406/canarywatch/internal/alarm"
	"github.com/hamed0406/canarywatch/internal/domain"
)

// TransitionHandler is told about every real alarm state change.
type TransitionHandler interface {
	HandleTransition(ctx context.Context, a *alarm.Alarm, ev domain.TransitionEvent)
}

type TransitionFunc func(ctx context.Context, a *alarm.Alarm, ev domain.TransitionEvent)

func (f TransitionFunc) HandleTransition(ctx context.Context, a *alarm.Alarm, ev domain.TransitionEvent) {
	f(ctx, a, ev)
}

// AlarmRunner evaluates each alarm on its own ticker, once per period.
// The first evaluation happens one full period after Start.
type AlarmRunner struct {
	Logger *zap.Logger

	clock   clock.Clock
	handler TransitionHandler

	mu      sync.Mutex
	alarms  []*alarm.Alarm
	ids     map[domain.AlarmID]bool
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewAlarmRunner(logger *zap.Logger, clk clock.Clock, h TransitionHandler) *AlarmRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &AlarmRunner{
		Logger:  logger,
		clock:   clk,
		handler: h,
		ids:     make(map[domain.AlarmID]bool),
	}
}

func (r *AlarmRunner) Add(a *alarm.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrStarted
	}
	if r.ids[a.ID()] {
		return fmt.Errorf("%w: alarm %s", ErrDuplicate, a.ID())
	}
	r.ids[a.ID()] = true
	r.alarms = append(r.alarms, a)
	return nil
}

func (r *AlarmRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrStarted
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	for _, a := range r.alarms {
		t := r.clock.Ticker(a.Config().Period)
		r.wg.Add(1)
		go r.loop(ctx, a, t)
	}
	return nil
}

func (r *AlarmRunner) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

func (r *AlarmRunner) loop(ctx context.Context, a *alarm.Alarm, t *clock.Ticker) {
	defer r.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.evaluate(ctx, a)
		}
	}
}

// EvaluateAll runs one evaluation of every alarm at the current clock time.
func (r *AlarmRunner) EvaluateAll(ctx context.Context) {
	r.mu.Lock()
	alarms := append([]*alarm.Alarm(nil), r.alarms...)
	r.mu.Unlock()
	for _, a := range alarms {
		r.evaluate(ctx, a)
	}
}

func (r *AlarmRunner) evaluate(ctx context.Context, a *alarm.Alarm) {
	defer func() {
		if p := recover(); p != nil {
			r.Logger.Error("alarm_evaluate_panic",
				zap.String("alarm_id", string(a.ID())),
				zap.Any("panic", p),
			)
		}
	}()
	ev, changed := a.Evaluate(ctx, r.clock.Now())
	if !changed {
		r.Logger.Debug("alarm_evaluated",
			zap.String("alarm_id", string(a.ID())),
			zap.String("state", string(a.State())),
		)
		return
	}
	if r.handler != nil {
		r.handler.HandleTransition(ctx, a, ev)
	}
}
