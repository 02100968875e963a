// Package ledger is the append-only double-entry ledger.
//
// Every mutation is a balanced batch of entries (sum of debits equals sum of
// credits) appended inside the caller's unit of work. Each entry carries the
// account's running balance after it is applied, so the current balance of an
// account is the balanceAfter of its latest entry. Entries are never updated
// or deleted; corrections are reversal batches.
//
// Balance convention: credits increase an account, debits decrease it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/dbtx"
	"github.com/mbd888/homeserv/internal/idgen"
	"github.com/mbd888/homeserv/internal/traces"
)

var (
	ErrImbalance     = errors.New("ledger: batch debits and credits do not balance")
	ErrEmptyBatch    = errors.New("ledger: batch has no lines")
	ErrInvalidLine   = errors.New("ledger: line must have exactly one positive side")
	ErrMissingAcct   = errors.New("ledger: line has no account")
	ErrNoEntries     = errors.New("ledger: no entries for transaction")
	ErrAlreadyExists = errors.New("ledger: entries already recorded for transaction")
)

// Entry is an immutable ledger line.
type Entry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	AccountID     string          `json:"accountId"`
	TransactionID string          `json:"transactionId,omitempty"`
	Debit         decimal.Decimal `json:"debit"`
	Credit        decimal.Decimal `json:"credit"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Delta is the signed effect of the entry on its account.
func (e *Entry) Delta() decimal.Decimal {
	return e.Credit.Sub(e.Debit)
}

// Store persists ledger entries. Writes happen inside a dbtx unit of work.
type Store interface {
	// LockAccounts serializes writers of the given accounts until the
	// enclosing unit of work ends. Callers pass ids in sorted order.
	LockAccounts(ctx context.Context, accountIDs []string) error
	// LastBalance returns the balanceAfter of the newest entry, or zero.
	LastBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	Insert(ctx context.Context, entries []*Entry) error
	// SumBalance recomputes the balance from the full history.
	SumBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	// ListByAccount returns entries newest first.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Entry, error)
	// ListByTransaction returns entries in append order.
	ListByTransaction(ctx context.Context, transactionID string) ([]*Entry, error)
}

// Ledger appends balanced batches and answers balance queries.
type Ledger struct {
	store  Store
	runner dbtx.Runner
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger over store, opening units of work with runner when
// the caller has not already.
func New(store Store, runner dbtx.Runner) *Ledger {
	return &Ledger{
		store:  store,
		runner: runner,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// WithClock overrides the entry timestamp source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// AppendBatch validates and appends a batch atomically, computing each
// entry's balanceAfter from the account's previous balance. When the same
// account appears more than once in a batch the running balance is applied
// line by line.
func (l *Ledger) AppendBatch(ctx context.Context, b Batch) ([]*Entry, error) {
	defer observeOp("append_batch")()
	ctx, span := traces.StartSpan(ctx, "ledger.AppendBatch")
	defer span.End()

	if err := b.Validate(); err != nil {
		LedgerRejectedTotal.Inc()
		return nil, err
	}

	var entries []*Entry
	err := l.runner.Run(ctx, func(ctx context.Context) error {
		accounts := b.Accounts()
		if err := l.store.LockAccounts(ctx, accounts); err != nil {
			return fmt.Errorf("lock accounts: %w", err)
		}

		running := make(map[string]decimal.Decimal, len(accounts))
		for _, id := range accounts {
			bal, err := l.store.LastBalance(ctx, id)
			if err != nil {
				return fmt.Errorf("read balance of %s: %w", id, err)
			}
			running[id] = bal
		}

		now := l.now()
		entries = make([]*Entry, 0, len(b.Lines))
		for _, line := range b.Lines {
			bal := running[line.AccountID].Add(line.Credit).Sub(line.Debit)
			running[line.AccountID] = bal
			entries = append(entries, &Entry{
				ID:            idgen.WithPrefix("le_"),
				AccountID:     line.AccountID,
				TransactionID: b.TransactionID,
				Debit:         line.Debit,
				Credit:        line.Credit,
				BalanceAfter:  bal,
				Description:   line.Description,
				CreatedAt:     now,
			})
		}
		return l.store.Insert(ctx, entries)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("ledger batch appended",
		"transaction_id", b.TransactionID, "lines", len(entries), "total", b.Total().StringFixed(2))
	return entries, nil
}

// BalanceOf returns the account's current balance from its latest entry.
func (l *Ledger) BalanceOf(ctx context.Context, accountID string) (decimal.Decimal, error) {
	defer observeOp("balance_of")()
	return l.store.LastBalance(ctx, accountID)
}

// Replay recomputes the balance by summing every entry of the account.
func (l *Ledger) Replay(ctx context.Context, accountID string) (decimal.Decimal, error) {
	defer observeOp("replay")()
	return l.store.SumBalance(ctx, accountID)
}

// VerifyResult compares the cached running balance with a full replay.
type VerifyResult struct {
	AccountID  string          `json:"accountId"`
	Cached     decimal.Decimal `json:"cached"`
	Replayed   decimal.Decimal `json:"replayed"`
	Consistent bool            `json:"consistent"`
}

// Verify replays the account's history and checks it against balanceAfter.
func (l *Ledger) Verify(ctx context.Context, accountID string) (*VerifyResult, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Verify", traces.AccountID(accountID))
	defer span.End()

	cached, err := l.BalanceOf(ctx, accountID)
	if err != nil {
		return nil, err
	}
	replayed, err := l.Replay(ctx, accountID)
	if err != nil {
		return nil, err
	}
	res := &VerifyResult{
		AccountID:  accountID,
		Cached:     cached,
		Replayed:   replayed,
		Consistent: cached.Equal(replayed),
	}
	if !res.Consistent {
		l.logger.Error("ledger balance drift detected",
			"account", accountID, "cached", cached.String(), "replayed", replayed.String())
	}
	return res, nil
}

// History returns the newest entries of an account.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListByAccount(ctx, accountID, limit)
}

// EntriesForTransaction returns the entries recorded under a transaction id.
func (l *Ledger) EntriesForTransaction(ctx context.Context, transactionID string) ([]*Entry, error) {
	return l.store.ListByTransaction(ctx, transactionID)
}

// Reverse appends the mirror image of every entry recorded under
// originalTxID, tagged with reversalTxID.
func (l *Ledger) Reverse(ctx context.Context, originalTxID, reversalTxID, description string) ([]*Entry, error) {
	var out []*Entry
	err := l.runner.Run(ctx, func(ctx context.Context) error {
		existing, err := l.store.ListByTransaction(ctx, reversalTxID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, reversalTxID)
		}
		original, err := l.store.ListByTransaction(ctx, originalTxID)
		if err != nil {
			return err
		}
		if len(original) == 0 {
			return fmt.Errorf("%w: %s", ErrNoEntries, originalTxID)
		}
		out, err = l.AppendBatch(ctx, Reversal(reversalTxID, original, description))
		return err
	})
	return out, err
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
