package probe

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// scripted probe you can control
type scripted struct {
	results []Result
	calls   atomic.Int32
}

func (s *scripted) Run(ctx context.Context) Result {
	i := int(s.calls.Add(1)) - 1
	if i >= len(s.results) {
		return Result{Success: false, Error: "no more"}
	}
	return s.results[i]
}

func TestRetryProbe_SucceedsAfterRetry(t *testing.T) {
	s := &scripted{results: []Result{
		{Success: false, Error: "first fail"},
		{Success: true},
	}}
	r := &RetryProbe{Inner: s, Attempts: 3, Backoff: 5 * time.Millisecond}

	out := r.Run(context.Background())
	if !out.Success {
		t.Fatalf("expected success after retry, got %+v", out)
	}
	if got := s.calls.Load(); got != 2 {
		t.Fatalf("calls=%d, want 2", got)
	}
}

func TestRetryProbe_AllFailAnnotates(t *testing.T) {
	s := &scripted{results: []Result{
		{Success: false, Error: "fail1"},
		{Success: false, Error: "fail2"},
	}}
	r := &RetryProbe{Inner: s, Attempts: 2}

	out := r.Run(context.Background())
	if out.Success {
		t.Fatal("expected failure")
	}
	if !strings.HasPrefix(out.Error, "fail2") || !strings.Contains(out.Error, "after 2 attempts") {
		t.Fatalf("unexpected error %q", out.Error)
	}
}

func TestRetryProbe_SingleAttemptIsPassThrough(t *testing.T) {
	s := &scripted{results: []Result{{Success: false, Error: "down"}}}
	out := (&RetryProbe{Inner: s}).Run(context.Background())
	if out.Error != "down" || s.calls.Load() != 1 {
		t.Fatalf("unexpected %+v after %d calls", out, s.calls.Load())
	}
}

func TestRetryProbe_StopsWhenContextEnds(t *testing.T) {
	s := &scripted{results: []Result{
		{Success: false, Error: "a"},
		{Success: false, Error: "b"},
		{Success: false, Error: "c"},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := (&RetryProbe{Inner: s, Attempts: 3, Backoff: time.Hour}).Run(ctx)
	if out.Success {
		t.Fatal("expected failure")
	}
	if got := s.calls.Load(); got > 1 {
		t.Fatalf("retried after cancellation: %d calls", got)
	}
}

func TestFaultInjector(t *testing.T) {
	ok := Func(func(context.Context) Result { return Result{Success: true} })

	always := NewFaultInjector(ok, 1, 1)
	if res := always.Run(context.Background()); res.Success || res.Error != "injected fault" {
		t.Fatalf("rate 1 must always fail, got %+v", res)
	}

	never := NewFaultInjector(ok, 0, 1)
	for i := 0; i < 50; i++ {
		if !never.Run(context.Background()).Success {
			t.Fatal("rate 0 must never fail")
		}
	}

	half := NewFaultInjector(ok, 0.5, 42)
	fails := 0
	for i := 0; i < 1000; i++ {
		if !half.Run(context.Background()).Success {
			fails++
		}
	}
	if fails < 400 || fails > 600 {
		t.Fatalf("rate 0.5 produced %d/1000 failures", fails)
	}
}
