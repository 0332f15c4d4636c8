package memory

import (
	"context"
	"sync"

	"github.com/hamed0406/canarywatch/internal/domain"
	"github.com/hamed0406/canarywatch/internal/repo"
)

// MaxPerKey bounds how many outcomes or transitions are kept per probe/alarm.
const MaxPerKey = 1000

type Store struct {
	mu          sync.RWMutex
	outcomes    map[domain.ProbeID][]domain.Outcome
	transitions map[domain.AlarmID][]repo.Transition
}

func New() *Store {
	return &Store{
		outcomes:    make(map[domain.ProbeID][]domain.Outcome),
		transitions: make(map[domain.AlarmID][]repo.Transition),
	}
}

func (m *Store) Close() {}

func (m *Store) AppendOutcome(ctx context.Context, o domain.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[o.ProbeID] = capped(append(m.outcomes[o.ProbeID], o))
	return nil
}

func (m *Store) RecentOutcomes(ctx context.Context, probeID domain.ProbeID, limit int) ([]domain.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.outcomes[probeID], repo.ClampLimit(limit)), nil
}

func (m *Store) AppendTransition(ctx context.Context, t repo.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[t.AlarmID] = capped(append(m.transitions[t.AlarmID], t))
	return nil
}

func (m *Store) Transitions(ctx context.Context, alarmID domain.AlarmID, limit int) ([]repo.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.transitions[alarmID], repo.ClampLimit(limit)), nil
}

func capped[T any](s []T) []T {
	if len(s) <= MaxPerKey {
		return s
	}
	return append([]T(nil), s[len(s)-MaxPerKey:]...)
}

func newestFirst[T any](s []T, limit int) []T {
	n := len(s)
	if limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(s) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s[i])
	}
	return out
}

var _ repo.Store = (*Store)(nil)
