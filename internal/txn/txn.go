// Package txn carries a database transaction through a context so that
// operations owned by different packages (wallet, escrow, booking, payment)
// can compose into a single atomic unit.
//
// A Runner opens a transaction on the outermost WithinTx call and joins it on
// nested calls. Stores obtain the active executor with Conn.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Runner executes fn inside a transaction. If ctx already carries a
// transaction, fn joins it and the outermost caller decides commit/rollback.
type Runner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// SQLRunner runs transactions against PostgreSQL.
type SQLRunner struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLRunner creates a runner backed by db.
func NewSQLRunner(db *sql.DB, logger *slog.Logger) *SQLRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLRunner{db: db, logger: logger}
}

// WithinTx begins a READ COMMITTED transaction. Row-level FOR UPDATE locks,
// taken by the stores, provide the isolation the ledgers need.
func (r *SQLRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Warn("rollback failed", "error", rbErr)
			}
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Conn returns the transaction carried by ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// InTx reports whether ctx carries a transaction of either runner kind.
func InTx(ctx context.Context) bool {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return true
	}
	_, ok := ctx.Value(memKey{}).(*MemoryRunner)
	return ok
}

// Compile-time assertions.
var (
	_ Runner = (*SQLRunner)(nil)
	_ Runner = (*MemoryRunner)(nil)
)
