package alarm

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/canarywatch/internal/aggregator"
	"github.com/hamed0406/canarywatch/internal/domain"
)

func recordPeriod(t *testing.T, agg *aggregator.Aggregator, mock *clock.Mock, runs, failures int) {
	t.Helper()
	step := time.Minute / time.Duration(runs+1)
	for i := 0; i < runs; i++ {
		mock.Add(step)
		o := domain.Outcome{ProbeID: "api", Timestamp: mock.Now(), Success: i >= failures}
		require.NoError(t, agg.Record(o))
	}
	mock.Add(time.Minute - step*time.Duration(runs))
}

func newFixture(t *testing.T, cfg Config) (*Alarm, *aggregator.Aggregator, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Add(24 * time.Hour)
	agg := aggregator.New(mock)
	a, err := New(cfg, agg)
	require.NoError(t, err)
	agg.Retain(cfg.ProbeID, cfg.Window())
	return a, agg, mock
}

func scenarioConfig() Config {
	return Config{
		ID:                "api-alarm",
		ProbeID:           "api",
		Period:            time.Minute,
		EvaluationPeriods: 1,
		DatapointsToAlarm: 1,
		Operator:          LessThan,
		Threshold:         90,
	}
}

func TestAlarm_InitialStateInsufficientData(t *testing.T) {
	a, _, _ := newFixture(t, scenarioConfig())
	assert.Equal(t, domain.StateInsufficientData, a.State())
	assert.True(t, a.LastTransitionAt().IsZero())
}

func TestAlarm_ScenarioA_BreachRaisesAlarm(t *testing.T) {
	a, agg, mock := newFixture(t, scenarioConfig())
	recordPeriod(t, agg, mock, 10, 2)

	ev, changed := a.Evaluate(context.Background(), mock.Now())
	require.True(t, changed)
	assert.Equal(t, domain.StateInsufficientData, ev.PreviousState)
	assert.Equal(t, domain.StateAlarm, ev.NewState)
	require.NotNil(t, ev.MetricValue)
	assert.InDelta(t, 80.0, *ev.MetricValue, 1e-9)
	assert.Equal(t, domain.ProbeID("api"), ev.ProbeID)
	assert.Equal(t, mock.Now(), ev.OccurredAt)
	assert.Equal(t, domain.StateAlarm, a.State())
}

func TestAlarm_ScenarioB_RecoveryReturnsToOK(t *testing.T) {
	a, agg, mock := newFixture(t, scenarioConfig())
	recordPeriod(t, agg, mock, 10, 2)
	_, changed := a.Evaluate(context.Background(), mock.Now())
	require.True(t, changed)

	recordPeriod(t, agg, mock, 10, 0)
	ev, changed := a.Evaluate(context.Background(), mock.Now())
	require.True(t, changed)
	assert.Equal(t, domain.StateAlarm, ev.PreviousState)
	assert.Equal(t, domain.StateOK, ev.NewState)
	assert.InDelta(t, 100.0, *ev.MetricValue, 1e-9)

	_, changed = a.Evaluate(context.Background(), mock.Now())
	assert.False(t, changed, "reconfirming OK must not emit")
}

func TestAlarm_ScenarioC_MissingPeriodIsInsufficient(t *testing.T) {
	cfg := scenarioConfig()
	cfg.EvaluationPeriods = 2
	cfg.DatapointsToAlarm = 2
	a, agg, mock := newFixture(t, cfg)

	recordPeriod(t, agg, mock, 10, 5) // breaching period
	mock.Add(time.Minute)             // empty period

	_, changed := a.Evaluate(context.Background(), mock.Now())
	assert.False(t, changed, "already INSUFFICIENT_DATA, no event expected")
	assert.Equal(t, domain.StateInsufficientData, a.State())
}

func TestAlarm_EvaluateIsIdempotent(t *testing.T) {
	a, agg, mock := newFixture(t, scenarioConfig())
	recordPeriod(t, agg, mock, 10, 2)

	now := mock.Now()
	_, first := a.Evaluate(context.Background(), now)
	_, second := a.Evaluate(context.Background(), now)
	assert.True(t, first)
	assert.False(t, second)
}

func TestAlarm_DatapointsToAlarmDefaultsToAllPeriods(t *testing.T) {
	cfg := scenarioConfig()
	cfg.EvaluationPeriods = 3
	cfg.DatapointsToAlarm = 0
	a, agg, mock := newFixture(t, cfg)
	assert.Equal(t, 3, a.Config().DatapointsToAlarm)

	recordPeriod(t, agg, mock, 4, 4)
	recordPeriod(t, agg, mock, 4, 0)
	recordPeriod(t, agg, mock, 4, 4)
	a.Evaluate(context.Background(), mock.Now())
	assert.Equal(t, domain.StateOK, a.State(), "2 of 3 breaches is not enough")
}

func TestAlarm_MOutOfN(t *testing.T) {
	cfg := scenarioConfig()
	cfg.EvaluationPeriods = 3
	cfg.DatapointsToAlarm = 2
	a, agg, mock := newFixture(t, cfg)

	recordPeriod(t, agg, mock, 4, 4)
	recordPeriod(t, agg, mock, 4, 0)
	recordPeriod(t, agg, mock, 4, 4)
	ev, changed := a.Evaluate(context.Background(), mock.Now())
	require.True(t, changed)
	assert.Equal(t, domain.StateAlarm, ev.NewState)
	assert.InDelta(t, 0.0, *ev.MetricValue, 1e-9)
}

type brokenSource struct {
	points []aggregator.Datapoint
	err    error
}

func (b brokenSource) SuccessPercent(domain.ProbeID, time.Duration, int) ([]aggregator.Datapoint, error) {
	return b.points, b.err
}

func TestAlarm_SourceErrorIsNoData(t *testing.T) {
	a, err := New(scenarioConfig(), brokenSource{err: errors.New("unreachable")})
	require.NoError(t, err)
	_, changed := a.Evaluate(context.Background(), time.Now())
	assert.False(t, changed)
	assert.Equal(t, domain.StateInsufficientData, a.State())
}

func TestAlarm_MalformedDatapointsAreNoData(t *testing.T) {
	src := brokenSource{points: []aggregator.Datapoint{{Samples: 3, Value: 140}}}
	a, err := New(scenarioConfig(), src)
	require.NoError(t, err)
	a.Evaluate(context.Background(), time.Now())
	assert.Equal(t, domain.StateInsufficientData, a.State())

	// wrong length
	src = brokenSource{points: []aggregator.Datapoint{{Samples: 1, Value: 0}, {Samples: 1, Value: 0}}}
	a, err = New(scenarioConfig(), src)
	require.NoError(t, err)
	a.Evaluate(context.Background(), time.Now())
	assert.Equal(t, domain.StateInsufficientData, a.State())
}

func TestAlarm_AlarmToInsufficientWhenDataStops(t *testing.T) {
	a, agg, mock := newFixture(t, scenarioConfig())
	recordPeriod(t, agg, mock, 10, 10)
	a.Evaluate(context.Background(), mock.Now())
	require.Equal(t, domain.StateAlarm, a.State())

	mock.Add(time.Minute)
	ev, changed := a.Evaluate(context.Background(), mock.Now())
	require.True(t, changed)
	assert.Equal(t, domain.StateInsufficientData, ev.NewState)
	assert.Nil(t, ev.MetricValue)
}

func TestDecide(t *testing.T) {
	B, O, N := verdictBreach, verdictOK, verdictNoData
	cases := []struct {
		name string
		in   []verdict
		d    int
		want domain.AlarmState
	}{
		{"all breach", []verdict{B, B}, 2, domain.StateAlarm},
		{"all ok", []verdict{O, O}, 2, domain.StateOK},
		{"all missing", []verdict{N, N}, 1, domain.StateInsufficientData},
		{"breach plus missing undetermined", []verdict{B, N}, 2, domain.StateInsufficientData},
		{"alarm reached despite missing", []verdict{B, N, B}, 2, domain.StateAlarm},
		{"alarm impossible", []verdict{O, O, N}, 2, domain.StateOK},
		{"one missing within tolerance", []verdict{O, N}, 1, domain.StateOK},
		{"missing beyond tolerance", []verdict{O, N, N}, 3, domain.StateInsufficientData},
		{"missing with breach run", []verdict{B, N, N}, 1, domain.StateAlarm},
		{"missing beyond tolerance 2 of 3", []verdict{B, N, N}, 2, domain.StateInsufficientData},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, decide(c.in, c.d))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	base := scenarioConfig()

	bad := []func(c *Config){
		func(c *Config) { c.ID = "" },
		func(c *Config) { c.ProbeID = "" },
		func(c *Config) { c.Period = 0 },
		func(c *Config) { c.EvaluationPeriods = 0 },
		func(c *Config) { c.DatapointsToAlarm = 2 },
		func(c *Config) { c.Operator = "!=" },
		func(c *Config) { c.Threshold = 101 },
		func(c *Config) { c.Threshold = math.NaN() },
		func(c *Config) { c.NotifyOn = []domain.AlarmState{"PAGED"} },
	}
	for i, mutate := range bad {
		c := base
		mutate(&c)
		err := c.Validate()
		assert.ErrorIs(t, err, ErrInvalidConfig, "case %d", i)
	}
	assert.NoError(t, base.Validate())
}

func TestConfig_ValidateReportsEveryProblem(t *testing.T) {
	c := scenarioConfig()
	c.Period = 0
	c.Threshold = 150
	err := c.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "period must be positive")
	assert.Contains(t, err.Error(), "threshold 150")
}

func TestAlarm_NamedOperatorBreaches(t *testing.T) {
	assert.False(t, Operator("LessThanThreshold").Valid())

	cfg := scenarioConfig()
	cfg.Operator = "LessThanThreshold"
	require.NoError(t, cfg.Validate())

	a, agg, mock := newFixture(t, cfg)
	assert.Equal(t, LessThan, a.Config().Operator)

	recordPeriod(t, agg, mock, 10, 5)
	ev, changed := a.Evaluate(context.Background(), mock.Now())
	require.True(t, changed)
	assert.Equal(t, domain.StateAlarm, ev.NewState)
}

func TestConfig_Notifies(t *testing.T) {
	c := scenarioConfig()
	assert.True(t, c.Notifies(domain.StateOK))
	c.NotifyOn = []domain.AlarmState{domain.StateAlarm}
	assert.True(t, c.Notifies(domain.StateAlarm))
	assert.False(t, c.Notifies(domain.StateOK))
}

func TestParseOperator(t *testing.T) {
	op, err := ParseOperator("LessThanThreshold")
	require.NoError(t, err)
	assert.Equal(t, LessThan, op)
	assert.True(t, op.Breaches(80, 90))
	assert.False(t, GreaterThanOrEqual.Breaches(80, 90))
	assert.True(t, Equal.Breaches(90, 90))

	_, err = ParseOperator("~")
	assert.Error(t, err)
}
