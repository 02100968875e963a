package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// PostgresStore persists entries in PostgreSQL. Account rows are locked with
// SELECT ... FOR UPDATE in id order so concurrent batches touching the same
// accounts queue instead of deadlocking.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) LockAccounts(ctx context.Context, accountIDs []string) error {
	if len(accountIDs) == 0 {
		return nil
	}
	conn := dbtx.Conn(ctx, p.db)
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id)
		SELECT unnest($1::text[])
		ON CONFLICT (id) DO NOTHING`, pq.Array(accountIDs)); err != nil {
		return err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT id FROM ledger_accounts
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, pq.Array(accountIDs))
	if err != nil {
		return err
	}
	return rows.Close()
}

func (p *PostgresStore) LastBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var bal string
	err := dbtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT balance_after FROM ledger_entries
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT 1`, accountID).Scan(&bal)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(bal)
}

func (p *PostgresStore) Insert(ctx context.Context, entries []*Entry) error {
	conn := dbtx.Conn(ctx, p.db)
	for _, e := range entries {
		err := conn.QueryRowContext(ctx, `
			INSERT INTO ledger_entries (
				id, account_id, transaction_id, debit, credit, balance_after, description, created_at
			) VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6::NUMERIC(20,2), $7, $8)
			RETURNING seq`,
			e.ID, e.AccountID, nullString(e.TransactionID),
			e.Debit.StringFixed(2), e.Credit.StringFixed(2), e.BalanceAfter.StringFixed(2),
			e.Description, e.CreatedAt,
		).Scan(&e.Seq)
		if err != nil {
			return fmt.Errorf("insert entry for %s: %w", e.AccountID, err)
		}
	}
	return nil
}

func (p *PostgresStore) SumBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var sum string
	err := dbtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(credit - debit), 0)::TEXT
		FROM ledger_entries
		WHERE account_id = $1`, accountID).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sum)
}

const entryColumns = `seq, id, account_id, transaction_id, debit, credit, balance_after, description, created_at`

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Entry, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY seq ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		var (
			e                       Entry
			txID                    sql.NullString
			debit, credit, balAfter string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.AccountID, &txID,
			&debit, &credit, &balAfter, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TransactionID = txID.String
		e.Debit = decimal.RequireFromString(debit)
		e.Credit = decimal.RequireFromString(credit)
		e.BalanceAfter = decimal.RequireFromString(balAfter)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
