package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// MemoryStore is an in-memory service request store for development and
// tests.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*ServiceRequest
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*ServiceRequest)}
}

func (m *MemoryStore) Create(ctx context.Context, sr *ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[sr.ID]; ok {
		return ErrConcurrencyConflict
	}
	m.byID[sr.ID] = clone(sr)
	sr.loadedVersion = sr.Version
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.byID, sr.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sr, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sr), nil
}

func (m *MemoryStore) Save(ctx context.Context, sr *ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.byID[sr.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.Version != sr.loadedVersion {
		return ErrConcurrencyConflict
	}
	m.byID[sr.ID] = clone(sr)
	sr.loadedVersion = sr.Version
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		m.byID[prev.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) ListOfferTimedOut(_ context.Context, now time.Time, limit int) ([]*ServiceRequest, error) {
	return m.list(limit, func(sr *ServiceRequest) bool {
		return sr.OfferTimedOut(now)
	}), nil
}

// ListPayoutDue orders by the time each payout became due, so deferred
// payouts queue behind ones that never failed.
func (m *MemoryStore) ListPayoutDue(_ context.Context, now time.Time, limit int) ([]*ServiceRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	var out []*ServiceRequest
	for _, sr := range m.byID {
		if sr.Status == StatusCompleted && sr.PayoutReleasedAt == nil && sr.DisputeDeadlineAt != nil &&
			!now.Before(sr.PayoutDueAt()) {
			out = append(out, clone(sr))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].PayoutDueAt(), out[j].PayoutDueAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, q ListQuery) ([]*ServiceRequest, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ServiceRequest
	for _, sr := range m.byID {
		if q.ClientID != "" && sr.ClientID != q.ClientID {
			continue
		}
		if q.WorkerID != "" && sr.WorkerID != q.WorkerID {
			continue
		}
		if !q.After.Admits(sr.CreatedAt, sr.ID) {
			continue
		}
		out = append(out, clone(sr))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(sr *ServiceRequest) *ServiceRequest {
	cp := *sr
	cp.events = nil
	cp.loadedVersion = sr.Version
	cp.TriedWorkers = append([]string(nil), sr.TriedWorkers...)
	if sr.Estimation != nil {
		est := *sr.Estimation
		est.Obstacles = append([]string(nil), sr.Estimation.Obstacles...)
		cp.Estimation = &est
	}
	if sr.Penalty != nil {
		p := *sr.Penalty
		cp.Penalty = &p
	}
	cp.WorkerTimeoutAt = cloneTime(sr.WorkerTimeoutAt)
	cp.AcceptedAt = cloneTime(sr.AcceptedAt)
	cp.StartedAt = cloneTime(sr.StartedAt)
	cp.CompletedAt = cloneTime(sr.CompletedAt)
	cp.DisputeDeadlineAt = cloneTime(sr.DisputeDeadlineAt)
	cp.PayoutReleasedAt = cloneTime(sr.PayoutReleasedAt)
	cp.PayoutRetryAt = cloneTime(sr.PayoutRetryAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*MemoryStore)(nil)

// list returns matching requests oldest first, the order sweeps work in.
func (m *MemoryStore) list(limit int, match func(*ServiceRequest) bool) []*ServiceRequest {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ServiceRequest
	for _, sr := range m.byID {
		if match(sr) {
			out = append(out, clone(sr))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
