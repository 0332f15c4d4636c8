package probe

import (
	"context"
	"time"
)

// Result is the outcome of a single probe run.
//
// Fields:
//   - Error: failure detail, set iff Success is false.
//   - StatusCode: HTTP status when one was received; 0 for transport/DNS errors.
//   - ArtifactURI: handle of the snapshot captured by visual probes.
//   - ArtifactError: why an artifact could not be stored; never affects Success.
type Result struct {
	Success       bool
	Error         string
	DurationMS    float64
	StatusCode    int
	ArtifactURI   string
	ArtifactError string
}

// Probe performs one pass/fail check. Implementations must respect ctx's
// deadline and must never panic; failures are reported through Result.
type Probe interface {
	Run(ctx context.Context) Result
}

// Func adapts a plain function to Probe.
type Func func(ctx context.Context) Result

func (f Func) Run(ctx context.Context) Result { return f(ctx) }

func failed(start time.Time, status int, msg string) Result {
	return Result{
		Success:    false,
		Error:      msg,
		DurationMS: sinceMS(start),
		StatusCode: status,
	}
}

func sinceMS(start time.Time) float64 {
	return time.Since(start).Seconds() * 1000
}
