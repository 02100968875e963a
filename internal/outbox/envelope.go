package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire form of a delivered message.
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Subjects    []string        `json:"subjects,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Data        json.RawMessage `json:"data"`
}

// EnvelopeOf builds the wire form of msg.
func EnvelopeOf(msg *Message) Envelope {
	return Envelope{
		ID:          msg.ID,
		Topic:       msg.Topic,
		AggregateID: msg.AggregateID,
		Subjects:    msg.Subjects,
		OccurredAt:  msg.CreatedAt,
		Data:        msg.Payload,
	}
}

func marshalEnvelope(msg *Message) ([]byte, error) {
	b, err := json.Marshal(EnvelopeOf(msg))
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", msg.ID, err)
	}
	return b, nil
}
