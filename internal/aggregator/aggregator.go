// Package aggregator keeps a rolling window of probe outcomes per probe and
// turns them into per-period success percentages.
package aggregator

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hamed0406/canarywatch/internal/domain"
)

var (
	ErrOutOfOrder    = errors.New("aggregator: outcome older than newest recorded outcome")
	ErrInvalidPeriod = errors.New("aggregator: period and count must be positive")
	ErrMissingProbe  = errors.New("aggregator: outcome has no probe id")
)

// DefaultRetention applies to probes no alarm has registered a window for.
const DefaultRetention = time.Hour

// Datapoint is the success percentage of one evaluation period.
// Value is NaN when the period has no samples; check NoData first.
type Datapoint struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Samples   int       `json:"samples"`
	Successes int       `json:"successes"`
	Value     float64   `json:"-"`
}

func (d Datapoint) NoData() bool { return d.Samples == 0 }

// Percent returns the value and false for a NO_DATA period.
func (d Datapoint) Percent() (float64, bool) {
	if d.NoData() {
		return math.NaN(), false
	}
	return d.Value, true
}

// window is replaced wholesale on every write so readers holding the old
// slice never observe a partial append or eviction.
type window struct {
	outcomes  []domain.Outcome
	retention time.Duration
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu      sync.RWMutex
	windows map[domain.ProbeID]*window
	clock   clock.Clock
}

func New(clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{
		windows: make(map[domain.ProbeID]*window),
		clock:   clk,
	}
}

// Retain raises the retention for probeID to at least d. Alarms call this
// with period*evaluationPeriods when they are registered.
func (a *Aggregator) Retain(probeID domain.ProbeID, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windowLocked(probeID)
	if d > w.retention {
		w.retention = d
	}
}

// Retention reports the current retention for probeID.
func (a *Aggregator) Retention(probeID domain.ProbeID) time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if w, ok := a.windows[probeID]; ok && w.retention > 0 {
		return w.retention
	}
	return DefaultRetention
}

func (a *Aggregator) windowLocked(probeID domain.ProbeID) *window {
	w, ok := a.windows[probeID]
	if !ok {
		w = &window{}
		a.windows[probeID] = w
	}
	return w
}

// Record appends o to its probe's window and evicts expired outcomes.
func (a *Aggregator) Record(o domain.Outcome) error {
	if o.ProbeID == "" {
		return ErrMissingProbe
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.windowLocked(o.ProbeID)
	if n := len(w.outcomes); n > 0 && o.Timestamp.Before(w.outcomes[n-1].Timestamp) {
		return fmt.Errorf("%w: probe %s got %s after %s", ErrOutOfOrder, o.ProbeID,
			o.Timestamp.Format(time.RFC3339Nano), w.outcomes[n-1].Timestamp.Format(time.RFC3339Nano))
	}

	retention := w.retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := a.clock.Now().Add(-retention)

	// drop oldest-first
	drop := 0
	for _, existing := range w.outcomes {
		if existing.Timestamp.After(cutoff) {
			break
		}
		drop++
	}

	next := make([]domain.Outcome, 0, len(w.outcomes)-drop+1)
	next = append(next, w.outcomes[drop:]...)
	if o.Timestamp.After(cutoff) {
		next = append(next, o)
	}
	w.outcomes = next
	return nil
}

// Snapshot returns a copy of the outcomes currently held for probeID.
func (a *Aggregator) Snapshot(probeID domain.ProbeID) []domain.Outcome {
	a.mu.RLock()
	w, ok := a.windows[probeID]
	var cur []domain.Outcome
	if ok {
		cur = w.outcomes
	}
	a.mu.RUnlock()

	out := make([]domain.Outcome, len(cur))
	copy(out, cur)
	return out
}

// SuccessPercent buckets the probe's outcomes into count consecutive periods
// ending now, oldest first. Period i covers (End-period, End].
func (a *Aggregator) SuccessPercent(probeID domain.ProbeID, period time.Duration, count int) ([]Datapoint, error) {
	if period <= 0 || count <= 0 {
		return nil, ErrInvalidPeriod
	}

	a.mu.RLock()
	var outcomes []domain.Outcome
	if w, ok := a.windows[probeID]; ok {
		outcomes = w.outcomes
	}
	a.mu.RUnlock()

	end := a.clock.Now()
	start := end.Add(-time.Duration(count) * period)

	points := make([]Datapoint, count)
	for i := range points {
		points[i].Start = start.Add(time.Duration(i) * period)
		points[i].End = points[i].Start.Add(period)
	}

	for _, o := range outcomes {
		if !o.Timestamp.After(start) || o.Timestamp.After(end) {
			continue
		}
		idx := int(o.Timestamp.Sub(start) / period)
		// (Start, End]: an outcome exactly on a boundary belongs to the earlier period.
		if o.Timestamp.Sub(start)%period == 0 {
			idx--
		}
		if idx < 0 || idx >= count {
			continue
		}
		points[idx].Samples++
		if o.Success {
			points[idx].Successes++
		}
	}

	for i := range points {
		if points[i].Samples == 0 {
			points[i].Value = math.NaN()
			continue
		}
		points[i].Value = 100 * float64(points[i].Successes) / float64(points[i].Samples)
	}
	return points, nil
}

// Probes lists the probes that currently have a window.
func (a *Aggregator) Probes() []domain.ProbeID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.ProbeID, 0, len(a.windows))
	for id := range a.windows {
		out = append(out, id)
	}
	return out
}
