package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// MemoryStore keeps entries in process. Use it with dbtx.MemoryRunner, which
// serializes units of work, so LockAccounts has nothing to do.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []*Entry
	byAccount map[string][]int
	byTx      map[string][]int
	seq       int64
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAccount: make(map[string][]int),
		byTx:      make(map[string][]int),
	}
}

func (m *MemoryStore) LockAccounts(context.Context, []string) error { return nil }

func (m *MemoryStore) LastBalance(_ context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byAccount[accountID]
	if len(idx) == 0 {
		return decimal.Zero, nil
	}
	return m.entries[idx[len(idx)-1]].BalanceAfter, nil
}

func (m *MemoryStore) Insert(ctx context.Context, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := len(m.entries)
	for _, e := range entries {
		m.seq++
		e.Seq = m.seq
		cp := *e
		pos := len(m.entries)
		m.entries = append(m.entries, &cp)
		m.byAccount[e.AccountID] = append(m.byAccount[e.AccountID], pos)
		if e.TransactionID != "" {
			m.byTx[e.TransactionID] = append(m.byTx[e.TransactionID], pos)
		}
	}

	n := len(entries)
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for pos := start + n - 1; pos >= start; pos-- {
			e := m.entries[pos]
			m.byAccount[e.AccountID] = m.byAccount[e.AccountID][:len(m.byAccount[e.AccountID])-1]
			if e.TransactionID != "" {
				m.byTx[e.TransactionID] = m.byTx[e.TransactionID][:len(m.byTx[e.TransactionID])-1]
			}
		}
		m.entries = m.entries[:start]
		m.seq -= int64(n)
	})
	return nil
}

func (m *MemoryStore) SumBalance(_ context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := decimal.Zero
	for _, pos := range m.byAccount[accountID] {
		sum = sum.Add(m.entries[pos].Delta())
	}
	return sum, nil
}

func (m *MemoryStore) ListByAccount(_ context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byAccount[accountID]
	out := make([]*Entry, 0, min(limit, len(idx)))
	for i := len(idx) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.entries[idx[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListByTransaction(_ context.Context, transactionID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byTx[transactionID]
	out := make([]*Entry, 0, len(idx))
	for _, pos := range idx {
		cp := *m.entries[pos]
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
