package jobs

import (
	"time"

	"github.com/mbd888/homeserv/internal/outbox"
)

// Outbox topics.
const (
	TopicCreated         = "job.created"
	TopicAnalyzed        = "job.analyzed"
	TopicOffered         = "job.offered"
	TopicAccepted        = "job.accepted"
	TopicStarted         = "job.started"
	TopicCompleted       = "job.completed"
	TopicCancelled       = "job.cancelled"
	TopicExpired         = "job.expired"
	TopicPayoutReleased  = "job.payout_released"
	TopicPayoutDeferred  = "job.payout_deferred"
	TopicOfferTimedOut   = "job.offer_timed_out"
	TopicOfferDeclined   = "job.offer_declined"
	TopicDisputed        = "job.disputed"
	TopicDisputeResolved = "job.dispute_resolved"
	TopicApproved        = "job.approved"
)

// Event is a domain event recorded by a transition.
type Event struct {
	Topic            string            `json:"topic"`
	ServiceRequestID string            `json:"serviceRequestId"`
	ClientID         string            `json:"clientId"`
	WorkerID         string            `json:"workerId,omitempty"`
	Status           Status            `json:"status"`
	Version          int64             `json:"version"`
	Data             map[string]string `json:"data,omitempty"`
	OccurredAt       time.Time         `json:"occurredAt"`
}

func (sr *ServiceRequest) record(topic string, now time.Time, data map[string]string) {
	sr.events = append(sr.events, Event{
		Topic:            topic,
		ServiceRequestID: sr.ID,
		ClientID:         sr.ClientID,
		WorkerID:         sr.WorkerID,
		Status:           sr.Status,
		Version:          sr.Version,
		Data:             data,
		OccurredAt:       now,
	})
}

// messages converts the pending events to outbox messages addressed to the
// client and every worker named by an event.
func (sr *ServiceRequest) messages() ([]*outbox.Message, error) {
	out := make([]*outbox.Message, 0, len(sr.events))
	for _, ev := range sr.events {
		subjects := []string{ev.ClientID, ev.WorkerID}
		if w := ev.Data["workerId"]; w != "" && w != ev.WorkerID {
			subjects = append(subjects, w)
		}
		msg, err := outbox.NewMessage(ev.Topic, sr.ID, ev, subjects...)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
