package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/commission"
	"github.com/mbd888/homeserv/internal/dbtx"
	"github.com/mbd888/homeserv/internal/pricing"
)

// PostgresStore persists service requests in PostgreSQL. Save is the
// conditional update UPDATE ... WHERE id = ? AND version = ?; zero rows
// affected is the conflict signal.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `
	id, status, client_id, worker_id, category, description, lat, lng, area_m2, image_url,
	currency, total, worker_net, platform_commission, taxes, estimation, verification_code,
	version, assignment_attempts, tried_workers, worker_timeout_at, accepted_at, started_at,
	completed_at, dispute_deadline_at, payout_released_at, cancelled_by, cancel_reason, penalty,
	dispute_reason, disputed_from, resolution, created_at, updated_at, payout_retry_at`

func (p *PostgresStore) Create(ctx context.Context, sr *ServiceRequest) error {
	est, penalty, err := encodeDocs(sr)
	if err != nil {
		return err
	}
	_, err = dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO service_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35)`,
		sr.ID, string(sr.Status), sr.ClientID, sr.WorkerID, sr.Category, sr.Description,
		sr.Location.Lat, sr.Location.Lng, sr.AreaM2.String(), sr.ImageURL,
		sr.Pricing.Currency, sr.Pricing.Total.StringFixed(2), sr.Pricing.WorkerNet.StringFixed(2),
		sr.Pricing.PlatformCommission.StringFixed(2), sr.Pricing.Taxes.StringFixed(2), est,
		sr.VerificationCode, sr.Version, sr.AssignmentAttempts, pq.Array(triedWorkers(sr)),
		sr.WorkerTimeoutAt, sr.AcceptedAt, sr.StartedAt, sr.CompletedAt, sr.DisputeDeadlineAt,
		sr.PayoutReleasedAt, string(sr.CancelledBy), sr.CancelReason, penalty, sr.DisputeReason,
		string(sr.DisputedFrom), string(sr.Resolution), sr.CreatedAt, sr.UpdatedAt, sr.PayoutRetryAt,
	)
	if dbtx.IsUniqueViolation(err) {
		return ErrConcurrencyConflict
	}
	if err != nil {
		return err
	}
	sr.loadedVersion = sr.Version
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*ServiceRequest, error) {
	sr, err := scanRequest(dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sr, err
}

func (p *PostgresStore) Save(ctx context.Context, sr *ServiceRequest) error {
	est, penalty, err := encodeDocs(sr)
	if err != nil {
		return err
	}
	res, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE service_requests SET
			status = $1, worker_id = $2, currency = $3, total = $4, worker_net = $5,
			platform_commission = $6, taxes = $7, estimation = $8, verification_code = $9,
			version = $10, assignment_attempts = $11, tried_workers = $12, worker_timeout_at = $13,
			accepted_at = $14, started_at = $15, completed_at = $16, dispute_deadline_at = $17,
			payout_released_at = $18, cancelled_by = $19, cancel_reason = $20, penalty = $21,
			dispute_reason = $22, disputed_from = $23, resolution = $24, updated_at = $25,
			payout_retry_at = $26
		WHERE id = $27 AND version = $28`,
		string(sr.Status), sr.WorkerID, sr.Pricing.Currency, sr.Pricing.Total.StringFixed(2),
		sr.Pricing.WorkerNet.StringFixed(2), sr.Pricing.PlatformCommission.StringFixed(2),
		sr.Pricing.Taxes.StringFixed(2), est, sr.VerificationCode, sr.Version, sr.AssignmentAttempts,
		pq.Array(triedWorkers(sr)), sr.WorkerTimeoutAt, sr.AcceptedAt, sr.StartedAt, sr.CompletedAt,
		sr.DisputeDeadlineAt, sr.PayoutReleasedAt, string(sr.CancelledBy), sr.CancelReason, penalty,
		sr.DisputeReason, string(sr.DisputedFrom), string(sr.Resolution), sr.UpdatedAt,
		sr.PayoutRetryAt, sr.ID, sr.loadedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrencyConflict
	}
	sr.loadedVersion = sr.Version
	return nil
}

func (p *PostgresStore) ListOfferTimedOut(ctx context.Context, now time.Time, limit int) ([]*ServiceRequest, error) {
	return p.list(ctx, `status = 'OFFERING' AND worker_timeout_at < $1 ORDER BY worker_timeout_at`, limit, now)
}

func (p *PostgresStore) ListPayoutDue(ctx context.Context, now time.Time, limit int) ([]*ServiceRequest, error) {
	return p.list(ctx, `status = 'COMPLETED' AND payout_released_at IS NULL
		AND COALESCE(payout_retry_at, dispute_deadline_at) <= $1
		ORDER BY COALESCE(payout_retry_at, dispute_deadline_at), id`, limit, now)
}

// List pages a client's or worker's jobs newest first, keyed on
// (created_at, id) so pages stay stable while new jobs arrive.
func (p *PostgresStore) List(ctx context.Context, q ListQuery) ([]*ServiceRequest, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if q.ClientID != "" {
		conds = append(conds, "client_id = "+arg(q.ClientID))
	}
	if q.WorkerID != "" {
		conds = append(conds, "worker_id = "+arg(q.WorkerID))
	}
	if q.After != nil {
		conds = append(conds, "(created_at, id) < ("+arg(q.After.CreatedAt)+", "+arg(q.After.ID)+")")
	}
	if len(conds) == 0 {
		conds = append(conds, "TRUE")
	}
	return p.list(ctx, strings.Join(conds, " AND ")+` ORDER BY created_at DESC, id DESC`, q.Limit, args...)
}

// list runs a filtered query. where numbers its placeholders from $1; the
// limit takes the next one.
func (p *PostgresStore) list(ctx context.Context, where string, limit int, args ...any) ([]*ServiceRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+requestColumns+` FROM service_requests WHERE `+where+` LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ServiceRequest
	for rows.Next() {
		sr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func triedWorkers(sr *ServiceRequest) []string {
	if sr.TriedWorkers == nil {
		return []string{}
	}
	return sr.TriedWorkers
}

func encodeDocs(sr *ServiceRequest) (est, penalty []byte, err error) {
	if sr.Estimation != nil {
		if est, err = json.Marshal(sr.Estimation); err != nil {
			return nil, nil, fmt.Errorf("marshal estimation: %w", err)
		}
	}
	if sr.Penalty != nil {
		if penalty, err = json.Marshal(sr.Penalty); err != nil {
			return nil, nil, fmt.Errorf("marshal penalty: %w", err)
		}
	}
	return est, penalty, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*ServiceRequest, error) {
	var (
		sr                                     ServiceRequest
		status, cancelledBy, from, resolution  string
		area, currency, total, net, fee, taxes string
		est, penalty                           []byte
		tried                                  pq.StringArray
		timeoutAt, acceptedAt, startedAt       sql.NullTime
		completedAt, deadlineAt, releasedAt    sql.NullTime
		retryAt                                sql.NullTime
	)
	err := s.Scan(
		&sr.ID, &status, &sr.ClientID, &sr.WorkerID, &sr.Category, &sr.Description,
		&sr.Location.Lat, &sr.Location.Lng, &area, &sr.ImageURL,
		&currency, &total, &net, &fee, &taxes, &est, &sr.VerificationCode,
		&sr.Version, &sr.AssignmentAttempts, &tried, &timeoutAt, &acceptedAt, &startedAt,
		&completedAt, &deadlineAt, &releasedAt, &cancelledBy, &sr.CancelReason, &penalty,
		&sr.DisputeReason, &from, &resolution, &sr.CreatedAt, &sr.UpdatedAt, &retryAt,
	)
	if err != nil {
		return nil, err
	}
	sr.Status = Status(status)
	sr.CancelledBy = Party(cancelledBy)
	sr.DisputedFrom = Status(from)
	sr.Resolution = Resolution(resolution)
	sr.AreaM2 = decimal.RequireFromString(area)
	if len(tried) > 0 {
		sr.TriedWorkers = []string(tried)
	}
	sr.Pricing, err = commission.NewBreakdown(currency,
		decimal.RequireFromString(total), decimal.RequireFromString(net),
		decimal.RequireFromString(fee), decimal.RequireFromString(taxes))
	if err != nil {
		return nil, fmt.Errorf("service request %s pricing: %w", sr.ID, err)
	}
	if len(est) > 0 {
		sr.Estimation = &pricing.Estimate{}
		if err := json.Unmarshal(est, sr.Estimation); err != nil {
			return nil, fmt.Errorf("decode estimation: %w", err)
		}
	}
	if len(penalty) > 0 {
		sr.Penalty = &Penalty{}
		if err := json.Unmarshal(penalty, sr.Penalty); err != nil {
			return nil, fmt.Errorf("decode penalty: %w", err)
		}
	}
	sr.WorkerTimeoutAt = timePtr(timeoutAt)
	sr.AcceptedAt = timePtr(acceptedAt)
	sr.StartedAt = timePtr(startedAt)
	sr.CompletedAt = timePtr(completedAt)
	sr.DisputeDeadlineAt = timePtr(deadlineAt)
	sr.PayoutReleasedAt = timePtr(releasedAt)
	sr.PayoutRetryAt = timePtr(retryAt)
	sr.loadedVersion = sr.Version
	return &sr, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
