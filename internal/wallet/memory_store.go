package wallet

import (
	"context"
	"sync"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// MemoryStore is an in-memory wallet store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

func (m *MemoryStore) Create(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[w.UserID]; ok {
		return ErrWalletExists
	}
	cp := *w
	m.wallets[w.UserID] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.wallets, w.UserID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	return m.Get(ctx, userID)
}

func (m *MemoryStore) Update(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.wallets[w.UserID]
	if !ok {
		return ErrWalletNotFound
	}
	cp := *w
	m.wallets[w.UserID] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		m.wallets[w.UserID] = prev
		m.mu.Unlock()
	})
	return nil
}

var _ Store = (*MemoryStore)(nil)
