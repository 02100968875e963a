package webhooks

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// PostgresStore persists the processed-event and failure logs.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, ev *ProcessedEvent) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO processed_webhook_events (event_key, provider, payment_id, status, reference, outcome, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.Key, ev.Provider, ev.PaymentID, ev.Status, ev.Reference, string(ev.Outcome), ev.ProcessedAt)
	if dbtx.IsUniqueViolation(err) {
		return ErrAlreadyProcessed
	}
	return err
}

func (p *PostgresStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_webhook_events WHERE event_key = $1)`, key,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) RecordFailure(ctx context.Context, f *Failure) error {
	payload := f.Payload
	if len(payload) == 0 {
		payload = nil
	}
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO webhook_failures (id, event_key, provider, payment_id, status, reference, error, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, f.ID, f.EventKey, f.Provider, f.PaymentID, f.Status, f.Reference, f.Error, payload, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook failure: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListFailures(ctx context.Context, limit int) ([]*Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT id, event_key, provider, payment_id, status, reference, error, payload, created_at
		FROM webhook_failures
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Failure
	for rows.Next() {
		f := &Failure{}
		if err := rows.Scan(&f.ID, &f.EventKey, &f.Provider, &f.PaymentID, &f.Status,
			&f.Reference, &f.Error, &f.Payload, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
