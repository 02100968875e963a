package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// MemoryStore is an in-memory outbox for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	seq      int64
	messages map[string]*Message
	claims   map[string]time.Time
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		claims:   make(map[string]time.Time),
	}
}

func (m *MemoryStore) Append(ctx context.Context, msgs ...*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Topic == "" {
			return ErrEmptyTopic
		}
		m.seq++
		msg.Seq = m.seq
		cp := *msg
		m.messages[msg.ID] = &cp
		ids = append(ids, msg.ID)
	}
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		for _, id := range ids {
			delete(m.messages, id)
		}
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) FetchPending(_ context.Context, limit int, now time.Time, lease time.Duration) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Message
	for _, msg := range m.messages {
		if msg.PublishedAt != nil || msg.DeadAt != nil || msg.NextAttemptAt.After(now) {
			continue
		}
		if until, ok := m.claims[msg.ID]; ok && until.After(now) {
			continue
		}
		due = append(due, msg)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Message, len(due))
	for i, msg := range due {
		m.claims[msg.ID] = now.Add(lease)
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(msg *Message) {
		msg.Attempts++
		msg.PublishedAt = &at
		msg.LastError = ""
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, errMsg string, next time.Time) error {
	return m.update(id, func(msg *Message) {
		msg.Attempts++
		msg.LastError = errMsg
		msg.NextAttemptAt = next
	})
}

func (m *MemoryStore) MarkDead(_ context.Context, id, errMsg string, at time.Time) error {
	return m.update(id, func(msg *Message) {
		msg.Attempts++
		msg.LastError = errMsg
		msg.DeadAt = &at
	})
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

// All returns every message in append order.
func (m *MemoryStore) All() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, 0, len(m.messages))
	for _, msg := range m.messages {
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *MemoryStore) update(id string, fn func(msg *Message)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	fn(msg)
	delete(m.claims, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
