package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-memory document. Used in tests
// and single-host paper deployments.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore seeds an empty state document dated at now's UTC day.
func NewMemoryStore(now time.Time) *MemoryStore {
	s := newState(now.UTC().Format("2006-01-02"))
	s.UpdatedAt = now.UTC()
	return &MemoryStore{state: s}
}

func (m *MemoryStore) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, expect int64, next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Version != expect {
		return ErrContended
	}
	next.Version = expect + 1
	m.state = next.Clone()
	return nil
}
