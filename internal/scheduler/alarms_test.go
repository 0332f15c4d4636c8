package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/canarywatch/internal/aggregator"
	"github.com/hamed0406/canarywatch/internal/alarm"
	"github.com/hamed0406/canarywatch/internal/domain"
)

type memTransitions struct {
	mu     sync.Mutex
	events []domain.TransitionEvent
}

func (m *memTransitions) HandleTransition(ctx context.Context, a *alarm.Alarm, ev domain.TransitionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memTransitions) all() []domain.TransitionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TransitionEvent(nil), m.events...)
}

func newAlarmFixture(t *testing.T) (*AlarmRunner, *aggregator.Aggregator, *clock.Mock, *memTransitions) {
	t.Helper()
	mock := clock.NewMock()
	mock.Add(24 * time.Hour)
	agg := aggregator.New(mock)
	a, err := alarm.New(alarm.Config{
		ID:                "api-alarm",
		ProbeID:           "api",
		Period:            time.Minute,
		EvaluationPeriods: 1,
		Operator:          alarm.LessThan,
		Threshold:         90,
	}, agg)
	require.NoError(t, err)

	h := &memTransitions{}
	r := NewAlarmRunner(nil, mock, h)
	require.NoError(t, r.Add(a))
	t.Cleanup(r.Stop)
	return r, agg, mock, h
}

// record spreads runs over the coming minute; the last Add lands on the period end
func record(t *testing.T, agg *aggregator.Aggregator, mock *clock.Mock, runs, failures int) {
	t.Helper()
	step := time.Minute / time.Duration(runs+1)
	for i := 0; i < runs; i++ {
		mock.Add(step)
		require.NoError(t, agg.Record(domain.Outcome{ProbeID: "api", Timestamp: mock.Now(), Success: i >= failures}))
	}
	mock.Add(time.Minute - step*time.Duration(runs))
}

func TestAlarmRunner_TicksEveryPeriod(t *testing.T) {
	r, agg, mock, h := newAlarmFixture(t)
	require.NoError(t, r.Start(context.Background()))

	record(t, agg, mock, 10, 2)
	assert.Eventually(t, func() bool { return len(h.all()) == 1 }, waitFor, tick)
	assert.Equal(t, domain.StateAlarm, h.all()[0].NewState)

	record(t, agg, mock, 10, 0)
	assert.Eventually(t, func() bool { return len(h.all()) == 2 }, waitFor, tick)
	assert.Equal(t, domain.StateOK, h.all()[1].NewState)
}

func TestAlarmRunner_EvaluateAllIsEdgeTriggered(t *testing.T) {
	r, agg, mock, h := newAlarmFixture(t)
	record(t, agg, mock, 10, 2)

	r.EvaluateAll(context.Background())
	r.EvaluateAll(context.Background())
	require.Len(t, h.all(), 1)
	assert.Equal(t, domain.StateInsufficientData, h.all()[0].PreviousState)
}

func TestAlarmRunner_RejectsDuplicatesAndLateAdds(t *testing.T) {
	r, agg, _, _ := newAlarmFixture(t)
	dup, err := alarm.New(alarm.Config{
		ID: "api-alarm", ProbeID: "api", Period: time.Minute, EvaluationPeriods: 1,
		Operator: alarm.LessThan, Threshold: 90,
	}, agg)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Add(dup), ErrDuplicate)

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Add(dup), ErrStarted)
}
