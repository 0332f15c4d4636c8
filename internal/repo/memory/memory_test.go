package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hamed0406/canarywatch/internal/domain"
	"github.com/hamed0406/canarywatch/internal/repo"
)

func TestMemoryStore_OutcomesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		o := domain.Outcome{ProbeID: "api", Timestamp: base.Add(time.Duration(i) * time.Minute), Success: i%2 == 0}
		if err := s.AppendOutcome(ctx, o); err != nil {
			t.Fatalf("AppendOutcome: %v", err)
		}
	}
	_ = s.AppendOutcome(ctx, domain.Outcome{ProbeID: "other", Timestamp: base})

	got, err := s.RecentOutcomes(ctx, "api", 3)
	if err != nil {
		t.Fatalf("RecentOutcomes: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d, want 3", len(got))
	}
	if !got[0].Timestamp.Equal(base.Add(4*time.Minute)) || !got[2].Timestamp.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("not newest first: %+v", got)
	}

	none, _ := s.RecentOutcomes(ctx, "missing", 10)
	if len(none) != 0 {
		t.Fatalf("expected no outcomes, got %d", len(none))
	}
}

func TestMemoryStore_CapsPerProbe(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < MaxPerKey+10; i++ {
		_ = s.AppendOutcome(ctx, domain.Outcome{ProbeID: "api", CorrelationID: fmt.Sprint(i)})
	}
	got, _ := s.RecentOutcomes(ctx, "api", 5000)
	if len(got) != MaxPerKey {
		t.Fatalf("len=%d, want %d", len(got), MaxPerKey)
	}
	if got[len(got)-1].CorrelationID != "10" {
		t.Fatalf("oldest kept should be #10, got %s", got[len(got)-1].CorrelationID)
	}
}

func TestMemoryStore_Transitions(t *testing.T) {
	ctx := context.Background()
	s := New()
	states := []domain.AlarmState{domain.StateAlarm, domain.StateOK, domain.StateAlarm}
	prev := domain.StateInsufficientData
	for i, st := range states {
		tr := repo.Transition{
			ID: fmt.Sprintf("t%d", i),
			TransitionEvent: domain.TransitionEvent{
				AlarmID: "a", PreviousState: prev, NewState: st,
				OccurredAt: time.Unix(int64(i*60), 0).UTC(),
			},
			Topic: "ops", Notified: true, Delivered: 1,
		}
		prev = st
		if err := s.AppendTransition(ctx, tr); err != nil {
			t.Fatalf("AppendTransition: %v", err)
		}
	}

	got, err := s.Transitions(ctx, "a", 0)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(got) != 3 || got[0].ID != "t2" || got[2].PreviousState != domain.StateInsufficientData {
		t.Fatalf("unexpected history %+v", got)
	}
}
