package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hamed0406/canarywatch/internal/domain"
	"github.com/hamed0406/canarywatch/internal/probe"
	"github.com/hamed0406/canarywatch/internal/telemetry"
)

const DefaultInterval = 60 * time.Second

var (
	ErrDuplicate       = errors.New("scheduler: duplicate id")
	ErrInvalidSchedule = errors.New("scheduler: invalid schedule")
	ErrStarted         = errors.New("scheduler: already started")
)

// Recorder receives every completed outcome, in completion order per probe.
type Recorder interface {
	Record(ctx context.Context, o domain.Outcome) error
}

type RecorderFunc func(ctx context.Context, o domain.Outcome) error

func (f RecorderFunc) Record(ctx context.Context, o domain.Outcome) error { return f(ctx, o) }

type job struct {
	id       domain.ProbeID
	probe    probe.Probe
	interval time.Duration
	timeout  time.Duration

	inFlight atomic.Bool
	skipped  atomic.Int64
	runs     atomic.Int64
}

// JobInfo is a read-only view of one registered probe.
type JobInfo struct {
	ProbeID  domain.ProbeID `json:"probe_id"`
	Interval string         `json:"interval"`
	Timeout  string         `json:"timeout"`
	InFlight bool           `json:"in_flight"`
	Runs     int64          `json:"runs"`
	Skipped  int64          `json:"skipped"`
}

// Scheduler runs every registered probe on its own ticker. A probe never
// overlaps itself: a tick that finds the previous run still in flight is
// skipped and no outcome is produced for it.
type Scheduler struct {
	Logger *zap.Logger

	clock clock.Clock
	rec   Recorder

	mu      sync.Mutex
	jobs    map[domain.ProbeID]*job
	started bool
	stopped bool
	cancel  context.CancelFunc

	loops sync.WaitGroup
	runs  sync.WaitGroup
}

func New(logger *zap.Logger, clk clock.Clock, rec Recorder) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		Logger: logger,
		clock:  clk,
		rec:    rec,
		jobs:   make(map[domain.ProbeID]*job),
	}
}

// Register adds a probe. timeout bounds each run; zero means interval.
func (s *Scheduler) Register(id domain.ProbeID, p probe.Probe, interval, timeout time.Duration) error {
	if id == "" {
		return fmt.Errorf("%w: empty probe id", ErrInvalidSchedule)
	}
	if p == nil {
		return fmt.Errorf("%w: probe %s is nil", ErrInvalidSchedule, id)
	}
	if interval <= 0 {
		return fmt.Errorf("%w: probe %s interval %s", ErrInvalidSchedule, id, interval)
	}
	if timeout < 0 {
		return fmt.Errorf("%w: probe %s timeout %s", ErrInvalidSchedule, id, timeout)
	}
	if timeout == 0 {
		timeout = interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, ok := s.jobs[id]; ok {
		return fmt.Errorf("%w: probe %s", ErrDuplicate, id)
	}
	s.jobs[id] = &job{id: id, probe: p, interval: interval, timeout: timeout}
	return nil
}

// Start runs every probe once immediately and then on each tick. Tickers
// exist by the time Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		t := s.clock.Ticker(j.interval)
		s.loops.Add(1)
		go s.loop(ctx, j, t)
	}
	s.Logger.Info("scheduler_started", zap.Int("probes", len(s.jobs)))
	return nil
}

// Stop cancels future ticks and waits for in-flight runs; their outcomes
// are still recorded. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.loops.Wait()
	s.runs.Wait()
	s.Logger.Info("scheduler_stopped")
}

func (s *Scheduler) loop(ctx context.Context, j *job, t *clock.Ticker) {
	defer s.loops.Done()
	defer t.Stop()

	// immediate pass
	s.fire(ctx, j)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.fire(ctx, j)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, j *job) {
	if !j.inFlight.CompareAndSwap(false, true) {
		n := j.skipped.Add(1)
		telemetry.RecordSkippedRun(string(j.id))
		s.Logger.Warn("probe_run_skipped",
			zap.String("probe_id", string(j.id)),
			zap.Duration("interval", j.interval),
			zap.Int64("skipped_total", n),
		)
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer j.inFlight.Store(false)
		s.runOnce(ctx, j)
	}()
}

func (s *Scheduler) runOnce(ctx context.Context, j *job) {
	// a run outlives Stop; only its own timeout ends it
	base := context.WithoutCancel(ctx)
	rctx, cancel := context.WithTimeout(base, j.timeout)
	defer cancel()

	corr := uuid.NewString()
	rctx, span := telemetry.StartProbeSpan(rctx, string(j.id), corr)
	started := s.clock.Now()
	res := safeRun(rctx, j.probe)
	elapsed := s.clock.Since(started)
	telemetry.EndProbeSpan(span, res.Success, res.StatusCode, res.Error)

	o := domain.Outcome{
		ProbeID:       j.id,
		Timestamp:     s.clock.Now().UTC(),
		Success:       res.Success,
		DurationMS:    res.DurationMS,
		StatusCode:    res.StatusCode,
		ArtifactURI:   res.ArtifactURI,
		CorrelationID: corr,
	}
	if !o.Success {
		o.Error = res.Error
		if o.Error == "" {
			o.Error = "probe failed"
		}
	}
	j.runs.Add(1)
	telemetry.RecordProbeRun(string(j.id), o.Success, elapsed)

	if res.ArtifactError != "" {
		s.Logger.Warn("artifact_store_failed",
			zap.String("probe_id", string(j.id)),
			zap.String("correlation_id", corr),
			zap.String("error", res.ArtifactError),
		)
	}

	s.Logger.Info("probe_outcome",
		zap.String("probe_id", string(j.id)),
		zap.String("correlation_id", corr),
		zap.Bool("success", o.Success),
		zap.Int("status", o.StatusCode),
		zap.Float64("duration_ms", o.DurationMS),
		zap.String("error", o.Error),
		zap.String("artifact_uri", o.ArtifactURI),
	)

	if s.rec == nil {
		return
	}
	if err := s.rec.Record(base, o); err != nil {
		s.Logger.Warn("scheduler_record_error",
			zap.String("probe_id", string(j.id)),
			zap.String("correlation_id", corr),
			zap.Error(err),
		)
	}
}

func safeRun(ctx context.Context, p probe.Probe) (res probe.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = probe.Result{Success: false, Error: fmt.Sprintf("probe panicked: %v", r)}
		}
	}()
	return p.Run(ctx)
}

// Skipped returns how many ticks of id were skipped for overlap.
func (s *Scheduler) Skipped(id domain.ProbeID) int64 {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return j.skipped.Load()
}

// Jobs lists registered probes ordered by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{
			ProbeID:  j.id,
			Interval: j.interval.String(),
			Timeout:  j.timeout.String(),
			InFlight: j.inFlight.Load(),
			Runs:     j.runs.Load(),
			Skipped:  j.skipped.Load(),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ProbeID < out[b].ProbeID })
	return out
}
