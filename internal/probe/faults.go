package probe

import (
	"context"
	"math/rand"
	"sync"
)

// FaultInjector fails a fraction of runs without calling Inner. It lets a
// staging deployment watch alarms move without breaking the real target.
type FaultInjector struct {
	Inner Probe
	Rate  float64 // 0 disables, 1 fails every run

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewFaultInjector(inner Probe, rate float64, seed int64) *FaultInjector {
	return &FaultInjector{Inner: inner, Rate: rate, rnd: rand.New(rand.NewSource(seed))}
}

func (f *FaultInjector) Run(ctx context.Context) Result {
	if f.Rate > 0 {
		f.mu.Lock()
		roll := f.rnd.Float64()
		f.mu.Unlock()
		if roll < f.Rate {
			return Result{Success: false, Error: "injected fault"}
		}
	}
	return f.Inner.Run(ctx)
}
