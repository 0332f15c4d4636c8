package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryProbe re-runs Inner until it succeeds or Attempts runs are used.
// Waits grow exponentially from Backoff and never outlive the run context.
type RetryProbe struct {
	Inner    Probe
	Attempts int
	Backoff  time.Duration
}

var errAttemptFailed = errors.New("attempt failed")

func (r *RetryProbe) Run(ctx context.Context) Result {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var policy backoff.BackOff = &backoff.ZeroBackOff{}
	if r.Backoff > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = r.Backoff
		eb.MaxElapsedTime = 0
		policy = eb
	}
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)

	var last Result
	n := 0
	_ = backoff.Retry(func() error {
		n++
		last = r.Inner.Run(ctx)
		if last.Success {
			return nil
		}
		return errAttemptFailed
	}, policy)

	if !last.Success && n > 1 {
		last.Error = fmt.Sprintf("%s (after %d attempts)", last.Error, n)
	}
	return last
}
