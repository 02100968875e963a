// Package outbox implements the transactional outbox.
//
// Producers append messages through Store.Append inside the same unit of
// work as the state change that caused them. A Relay later claims pending
// messages and hands them to a Publisher. Delivery is at-least-once;
// consumers deduplicate on Message.ID.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/homeserv/internal/idgen"
)

var (
	ErrMessageNotFound = errors.New("outbox message not found")
	ErrEmptyTopic      = errors.New("outbox message topic is required")
)

// Message is one pending or delivered event.
type Message struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Topic         string          `json:"topic"`
	AggregateID   string          `json:"aggregateId"`
	Subjects      []string        `json:"subjects,omitempty"` // users the event concerns
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	PublishedAt   *time.Time      `json:"publishedAt,omitempty"`
	DeadAt        *time.Time      `json:"deadAt,omitempty"`
}

// NewMessage marshals payload into a new message.
func NewMessage(topic, aggregateID string, payload any, subjects ...string) (*Message, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	now := time.Now().UTC()
	return &Message{
		ID:            idgen.WithPrefix("evt_"),
		Topic:         topic,
		AggregateID:   aggregateID,
		Subjects:      compact(subjects),
		Payload:       raw,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

func compact(ss []string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Store persists outbox messages.
type Store interface {
	// Append writes messages in the caller's unit of work.
	Append(ctx context.Context, msgs ...*Message) error
	// FetchPending claims up to limit due messages for lease. A claimed
	// message is not returned again until the lease expires.
	FetchPending(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]*Message, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt and schedules the next one.
	MarkFailed(ctx context.Context, id, errMsg string, next time.Time) error
	// MarkDead stops delivery of a message.
	MarkDead(ctx context.Context, id, errMsg string, at time.Time) error
	Get(ctx context.Context, id string) (*Message, error)
}

// Publisher delivers a message downstream.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg *Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg *Message) error { return f(ctx, msg) }
