package pricing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory RuleStore.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewMemoryStore creates a store seeded with rules.
func NewMemoryStore(seed ...*Rule) *MemoryStore {
	m := &MemoryStore{rules: make(map[string]*Rule)}
	for _, r := range seed {
		cp := cloneRule(r)
		cp.Category = strings.ToLower(cp.Category)
		m.rules[cp.Category] = cp
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, category string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[strings.ToLower(category)]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return cloneRule(r), nil
}

func (m *MemoryStore) List(context.Context) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	cp := cloneRule(r)
	cp.Category = strings.ToLower(cp.Category)
	cp.UpdatedAt = time.Now()
	m.mu.Lock()
	m.rules[cp.Category] = cp
	m.mu.Unlock()
	return nil
}

func cloneRule(r *Rule) *Rule {
	cp := *r
	if r.Obstacles != nil {
		cp.Obstacles = make(map[string]float64, len(r.Obstacles))
		for k, v := range r.Obstacles {
			cp.Obstacles[k] = v
		}
	}
	return &cp
}

var _ RuleStore = (*MemoryStore)(nil)
