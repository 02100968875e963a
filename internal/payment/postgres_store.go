package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// PostgresStore persists payments and their snapshots in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	meta, err := json.Marshal(tx.Snapshot.Metadata)
	if err != nil {
		return fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	conn := dbtx.Conn(ctx, p.db)
	_, err = conn.ExecContext(ctx, `
		INSERT INTO payment_transactions (
			id, user_id, professional_id, service_request_id, method, purpose, amount_total, currency,
			reference, status, preference_id, redirect_url, gateway_payment_id, failure_reason,
			paid_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,2), $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		tx.ID, tx.UserID, tx.ProfessionalID, tx.ServiceRequestID, string(tx.Method), string(tx.Purpose),
		tx.Amount.StringFixed(2), tx.Currency, tx.Reference, string(tx.Status), tx.PreferenceID,
		tx.RedirectURL, tx.GatewayPaymentID, tx.FailureReason, tx.PaidAt, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return mapCreateError(err)
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO payment_snapshots (
			transaction_id, platform_fee_percent, service_tax_percent, platform_amount,
			professional_amount, tax_amount, metadata, captured_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6::NUMERIC(20,2), $7, $8)`,
		tx.ID, tx.Snapshot.PlatformFeePercent.String(), tx.Snapshot.ServiceTaxPercent.String(),
		tx.Snapshot.PlatformAmount.StringFixed(2), tx.Snapshot.ProfessionalAmount.StringFixed(2),
		tx.Snapshot.TaxAmount.StringFixed(2), meta, tx.Snapshot.CapturedAt,
	)
	return err
}

func mapCreateError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch pqErr.Constraint {
		case "uq_payment_active_service_request":
			return ErrActivePaymentExists
		default:
			return ErrDuplicatePayment
		}
	}
	return err
}

const selectTransaction = `
	SELECT t.id, t.user_id, t.professional_id, t.service_request_id, t.method, t.purpose, t.amount_total,
	       t.currency, t.reference, t.status, t.preference_id, t.redirect_url, t.gateway_payment_id,
	       t.failure_reason, t.paid_at, t.released_at, t.refunded_at, t.created_at, t.updated_at,
	       s.platform_fee_percent, s.service_tax_percent, s.platform_amount, s.professional_amount,
	       s.tax_amount, s.metadata, s.captured_at
	FROM payment_transactions t
	JOIN payment_snapshots s ON s.transaction_id = t.id`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return p.queryOne(ctx, selectTransaction+` WHERE t.id = $1`, id)
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*Transaction, error) {
	return p.queryOne(ctx, selectTransaction+` WHERE t.id = $1 FOR UPDATE OF t`, id)
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Transaction, error) {
	return p.queryOne(ctx, selectTransaction+` WHERE t.reference = $1`, reference)
}

func (p *PostgresStore) ActiveForServiceRequest(ctx context.Context, serviceRequestID string) (*Transaction, error) {
	return p.queryOne(ctx, selectTransaction+`
		WHERE t.service_request_id = $1 AND t.purpose = 'SERVICE'
		  AND t.status IN ('PENDING', 'AUTHORIZED', 'PAID')`, serviceRequestID)
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	res, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE payment_transactions SET
			status = $1, preference_id = $2, redirect_url = $3, gateway_payment_id = $4,
			failure_reason = $5, paid_at = $6, released_at = $7, refunded_at = $8, updated_at = $9
		WHERE id = $10`,
		string(tx.Status), tx.PreferenceID, tx.RedirectURL, tx.GatewayPaymentID, tx.FailureReason,
		tx.PaidAt, tx.ReleasedAt, tx.RefundedAt, tx.UpdatedAt, tx.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, selectTransaction+`
		WHERE t.user_id = $1 OR t.professional_id = $1
		ORDER BY t.created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*Transaction, error) {
	tx, err := scanTransaction(dbtx.Conn(ctx, p.db).QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return tx, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	var (
		tx                                   Transaction
		method, purpose, status              string
		amount, feePct, taxPct               string
		platformAmt, professionalAmt, taxAmt string
		meta                                 []byte
		paidAt, releasedAt, refundedAt       sql.NullTime
	)
	err := s.Scan(
		&tx.ID, &tx.UserID, &tx.ProfessionalID, &tx.ServiceRequestID, &method, &purpose, &amount,
		&tx.Currency, &tx.Reference, &status, &tx.PreferenceID, &tx.RedirectURL, &tx.GatewayPaymentID,
		&tx.FailureReason, &paidAt, &releasedAt, &refundedAt, &tx.CreatedAt, &tx.UpdatedAt,
		&feePct, &taxPct, &platformAmt, &professionalAmt, &taxAmt, &meta, &tx.Snapshot.CapturedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Method = Method(method)
	tx.Purpose = Purpose(purpose)
	tx.Status = Status(status)
	tx.Amount = decimal.RequireFromString(amount)
	tx.Snapshot.PlatformFeePercent = decimal.RequireFromString(feePct)
	tx.Snapshot.ServiceTaxPercent = decimal.RequireFromString(taxPct)
	tx.Snapshot.PlatformAmount = decimal.RequireFromString(platformAmt)
	tx.Snapshot.ProfessionalAmount = decimal.RequireFromString(professionalAmt)
	tx.Snapshot.TaxAmount = decimal.RequireFromString(taxAmt)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Snapshot.Metadata); err != nil {
			return nil, fmt.Errorf("decode snapshot metadata: %w", err)
		}
	}
	if paidAt.Valid {
		tx.PaidAt = &paidAt.Time
	}
	if releasedAt.Valid {
		tx.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		tx.RefundedAt = &refundedAt.Time
	}
	return &tx, nil
}

var _ Store = (*PostgresStore)(nil)
