package wallet

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// PostgresStore persists wallets in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	res, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO wallets (
			user_id, currency, balance_pending, balance_available, debt_limit, status, created_at, updated_at
		) VALUES ($1, $2, $3::NUMERIC(20,2), $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6, $7, $8)
		ON CONFLICT (user_id) DO NOTHING`,
		w.UserID, w.Currency, w.BalancePending.StringFixed(2), w.BalanceAvailable.StringFixed(2),
		w.DebtLimit.StringFixed(2), string(w.Status), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWalletExists
	}
	return nil
}

const walletColumns = `user_id, currency, balance_pending, balance_available, debt_limit, status, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Wallet, error) {
	return scanWallet(dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	return scanWallet(dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
}

func (p *PostgresStore) Update(ctx context.Context, w *Wallet) error {
	res, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE wallets SET
			balance_pending = $1::NUMERIC(20,2), balance_available = $2::NUMERIC(20,2),
			debt_limit = $3::NUMERIC(20,2), status = $4, updated_at = $5
		WHERE user_id = $6`,
		w.BalancePending.StringFixed(2), w.BalanceAvailable.StringFixed(2),
		w.DebtLimit.StringFixed(2), string(w.Status), w.UpdatedAt, w.UserID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func scanWallet(row *sql.Row) (*Wallet, error) {
	var (
		w                           Wallet
		pending, available, debtLim string
		status                      string
	)
	err := row.Scan(&w.UserID, &w.Currency, &pending, &available, &debtLim, &status, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Status = Status(status)
	w.BalancePending = decimal.RequireFromString(pending)
	w.BalanceAvailable = decimal.RequireFromString(available)
	w.DebtLimit = decimal.RequireFromString(debtLim)
	return &w, nil
}

var _ Store = (*PostgresStore)(nil)
