// Package dbtx provides a unit of work that binds a transaction to a context.
//
// Stores look up the active transaction with Conn. Nested Run calls join the
// outer unit, so a service can call another service's transactional method
// and both commit or roll back together.
package dbtx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/homeserv/internal/retry"
)

// Runner executes fn inside a single atomic unit.
type Runner interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// DBTX is the subset of *sql.DB and *sql.Tx used by stores.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type unitKey struct{}

type unit struct {
	tx    *sql.Tx
	mu    sync.Mutex
	undo  []func()
	after []func()
}

func fromContext(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

// InTx reports whether ctx carries an open unit of work.
func InTx(ctx context.Context) bool {
	return fromContext(ctx) != nil
}

// Conn returns the transaction bound to ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) DBTX {
	if u := fromContext(ctx); u != nil && u.tx != nil {
		return u.tx
	}
	return db
}

// OnRollback registers an undo step for in-memory stores. Outside a unit of
// work it does nothing.
func OnRollback(ctx context.Context, fn func()) {
	if u := fromContext(ctx); u != nil {
		u.mu.Lock()
		u.undo = append(u.undo, fn)
		u.mu.Unlock()
	}
}

// AfterCommit runs fn once the enclosing unit commits, or immediately when
// there is no unit.
func AfterCommit(ctx context.Context, fn func()) {
	u := fromContext(ctx)
	if u == nil {
		fn()
		return
	}
	u.mu.Lock()
	u.after = append(u.after, fn)
	u.mu.Unlock()
}

func (u *unit) rollback() {
	u.mu.Lock()
	undo := u.undo
	u.undo = nil
	u.after = nil
	u.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (u *unit) committed() {
	u.mu.Lock()
	after := u.after
	u.after = nil
	u.undo = nil
	u.mu.Unlock()
	for _, fn := range after {
		fn()
	}
}

// SQLRunner runs units of work in PostgreSQL transactions. Serialization
// failures and deadlocks are retried with backoff.
type SQLRunner struct {
	db          *sql.DB
	isolation   sql.IsolationLevel
	maxAttempts int
	baseDelay   time.Duration
}

// NewSQLRunner creates a runner using serializable isolation.
func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{
		db:          db,
		isolation:   sql.LevelSerializable,
		maxAttempts: 5,
		baseDelay:   20 * time.Millisecond,
	}
}

// WithIsolation overrides the isolation level.
func (r *SQLRunner) WithIsolation(level sql.IsolationLevel) *SQLRunner {
	r.isolation = level
	return r
}

func (r *SQLRunner) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}
	return retry.Do(ctx, r.maxAttempts, r.baseDelay, func() error {
		err := r.runOnce(ctx, fn)
		if err == nil || IsSerializationFailure(err) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (r *SQLRunner) runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: r.isolation})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	u := &unit{tx: tx}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			u.rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			u.rollback()
		}
	}()

	if err = fn(context.WithValue(ctx, unitKey{}, u)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	u.committed()
	return nil
}

// MemoryRunner serializes units of work in process and reverts in-memory
// store writes through the undo log when fn fails.
type MemoryRunner struct {
	mu sync.Mutex
}

// NewMemoryRunner creates an in-memory runner.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

func (r *MemoryRunner) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTx(ctx) {
		return fn(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u := &unit{}
	defer func() {
		if p := recover(); p != nil {
			u.rollback()
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, unitKey{}, u)); err != nil {
		u.rollback()
		return err
	}
	u.committed()
	return nil
}

// IsSerializationFailure reports whether err is a retryable PostgreSQL
// serialization failure or deadlock.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// IsUniqueViolation reports whether err is a PostgreSQL unique violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var (
	_ Runner = (*SQLRunner)(nil)
	_ Runner = (*MemoryRunner)(nil)
)
