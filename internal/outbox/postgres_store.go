package outbox

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// PostgresStore persists the outbox in PostgreSQL. Relays running in several
// processes claim disjoint batches through FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed outbox.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, msgs ...*Message) error {
	conn := dbtx.Conn(ctx, p.db)
	for _, msg := range msgs {
		if msg.Topic == "" {
			return ErrEmptyTopic
		}
		err := conn.QueryRowContext(ctx, `
			INSERT INTO outbox_messages (
				id, topic, aggregate_id, subjects, payload, created_at, next_attempt_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING seq`,
			msg.ID, msg.Topic, msg.AggregateID, pq.Array(msg.Subjects), []byte(msg.Payload),
			msg.CreatedAt, msg.NextAttemptAt,
		).Scan(&msg.Seq)
		if err != nil {
			return err
		}
	}
	return nil
}

const messageColumns = `seq, id, topic, aggregate_id, subjects, payload, attempts, COALESCE(last_error, ''),
	created_at, next_attempt_at, published_at, dead_at`

func (p *PostgresStore) FetchPending(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		UPDATE outbox_messages SET claimed_until = $2
		WHERE seq IN (
			SELECT seq FROM outbox_messages
			WHERE published_at IS NULL AND dead_at IS NULL
			  AND next_attempt_at <= $1
			  AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (p *PostgresStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return p.exec(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1, published_at = $2, last_error = NULL, claimed_until = NULL
		WHERE id = $1`, id, at)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id, errMsg string, next time.Time) error {
	return p.exec(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3, claimed_until = NULL
		WHERE id = $1`, id, errMsg, next)
}

func (p *PostgresStore) MarkDead(ctx context.Context, id, errMsg string, at time.Time) error {
	return p.exec(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1, last_error = $2, dead_at = $3, claimed_until = NULL
		WHERE id = $1`, id, errMsg, at)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Message, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM outbox_messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		msg       Message
		subjects  pq.StringArray
		payload   []byte
		published sql.NullTime
		dead      sql.NullTime
	)
	err := s.Scan(&msg.Seq, &msg.ID, &msg.Topic, &msg.AggregateID, &subjects, &payload,
		&msg.Attempts, &msg.LastError, &msg.CreatedAt, &msg.NextAttemptAt, &published, &dead)
	if err != nil {
		return nil, err
	}
	msg.Subjects = []string(subjects)
	msg.Payload = payload
	if published.Valid {
		msg.PublishedAt = &published.Time
	}
	if dead.Valid {
		msg.DeadAt = &dead.Time
	}
	return &msg, nil
}


var _ Store = (*PostgresStore)(nil)
