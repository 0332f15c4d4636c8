package repo

import (
	"context"

	"github.com/hamed0406/canarywatch/internal/domain"
)

// Ports (interfaces); swap in any DB adapter later.

// OutcomeArchive keeps recorded outcomes past the aggregator's window.
type OutcomeArchive interface {
	AppendOutcome(ctx context.Context, o domain.Outcome) error
	// RecentOutcomes returns up to limit outcomes, newest first.
	RecentOutcomes(ctx context.Context, probeID domain.ProbeID, limit int) ([]domain.Outcome, error)
}

// AlarmHistory records every alarm transition and how its delivery went.
type AlarmHistory interface {
	AppendTransition(ctx context.Context, t Transition) error
	// Transitions returns up to limit transitions of one alarm, newest first.
	Transitions(ctx context.Context, alarmID domain.AlarmID, limit int) ([]Transition, error)
}

// Store is what a backend provides.
type Store interface {
	OutcomeArchive
	AlarmHistory
	Close()
}

const DefaultLimit = 100

// ClampLimit keeps list sizes within [1, 1000].
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > 1000:
		return 1000
	}
	return n
}
