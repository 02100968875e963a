package payment

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// MemoryStore is an in-memory payment store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Transaction
	byRef map[string]string
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Transaction),
		byRef: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[tx.Reference]; ok {
		return ErrDuplicatePayment
	}
	if tx.Purpose == PurposeService && tx.ServiceRequestID != "" && tx.Status.IsActive() {
		if m.activeFor(tx.ServiceRequestID) != nil {
			return ErrActivePaymentExists
		}
	}
	m.byID[tx.ID] = clone(tx)
	m.byRef[tx.Reference] = tx.ID
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.byID, tx.ID)
		delete(m.byRef, tx.Reference)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(tx), nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Transaction, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetByReference(_ context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRef[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.byID[id]), nil
}

func (m *MemoryStore) ActiveForServiceRequest(_ context.Context, serviceRequestID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tx := m.activeFor(serviceRequestID); tx != nil {
		return clone(tx), nil
	}
	return nil, ErrNotFound
}

// Caller must hold m.mu.
func (m *MemoryStore) activeFor(serviceRequestID string) *Transaction {
	for _, tx := range m.byID {
		if tx.Purpose == PurposeService && tx.ServiceRequestID == serviceRequestID && tx.Status.IsActive() {
			return tx
		}
	}
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.byID[tx.ID]
	if !ok {
		return ErrNotFound
	}
	m.byID[tx.ID] = clone(tx)
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		m.byID[tx.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, tx := range m.byID {
		if tx.UserID == userID || tx.ProfessionalID == userID {
			out = append(out, clone(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(tx *Transaction) *Transaction {
	cp := *tx
	if tx.Snapshot.Metadata != nil {
		cp.Snapshot.Metadata = make(map[string]string, len(tx.Snapshot.Metadata))
		for k, v := range tx.Snapshot.Metadata {
			cp.Snapshot.Metadata[k] = v
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
