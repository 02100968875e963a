package webhooks

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu        sync.RWMutex
	processed map[string]*ProcessedEvent
	failures  []*Failure
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{processed: make(map[string]*ProcessedEvent)}
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, ev *ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[ev.Key]; ok {
		return ErrAlreadyProcessed
	}
	cp := *ev
	m.processed[ev.Key] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.processed, ev.Key)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[key]
	return ok, nil
}

// Processed returns a logged event, for tests.
func (m *MemoryStore) Processed(key string) (*ProcessedEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.processed[key]
	if !ok {
		return nil, false
	}
	cp := *ev
	return &cp, true
}

func (m *MemoryStore) RecordFailure(_ context.Context, f *Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.failures = append(m.failures, &cp)
	return nil
}

func (m *MemoryStore) ListFailures(_ context.Context, limit int) ([]*Failure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Failure, 0, len(m.failures))
	for _, f := range m.failures {
		cp := *f
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
