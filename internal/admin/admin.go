// Package admin provides operator endpoints for running background work on
// demand, outside its regular schedule.
package admin

import "context"

// SweepRunner runs one pass of a named scheduler sweep.
type SweepRunner interface {
	Name() string
	RunOnce(ctx context.Context) string
}

// OutboxDrainer publishes every due outbox message once.
type OutboxDrainer interface {
	Drain(ctx context.Context) (int, error)
}

// RealtimeStats reports websocket hub counters.
type RealtimeStats interface {
	Stats() map[string]interface{}
}

// SweepRun is the outcome of a manual sweep run.
type SweepRun struct {
	Sweep  string `json:"sweep"`
	Result string `json:"result"`
}
