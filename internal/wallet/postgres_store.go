package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/homelease/rentcore/internal/txn"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, user_id, available_balance, currency, created_at, updated_at`

const txColumns = `id, wallet_id, direction, type, amount, status, gateway, gateway_ref,
	ref_type, ref_id, idempotency_key, note, created_at, completed_at`

func (p *PostgresStore) Ensure(ctx context.Context, w *Wallet) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, available_balance, currency, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, $4)
		ON CONFLICT (user_id) DO NOTHING
	`, w.ID, w.UserID, w.Currency, w.CreatedAt)
	return err
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	row := txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
	return scanWallet(row)
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	row := txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	return scanWallet(row)
}

func (p *PostgresStore) UpdateBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error {
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE wallets SET available_balance = $2, updated_at = $3 WHERE id = $1
	`, walletID, balance, at)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" { // check_violation
			return ErrInsufficientBalance
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) InsertTransaction(ctx context.Context, tx *Transaction) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO wallet_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, tx.ID, tx.WalletID, tx.Direction, tx.Type, tx.Amount, tx.Status,
		nullString(tx.Gateway), nullString(tx.GatewayRef),
		nullString(tx.RefType), nullString(tx.RefID),
		tx.IdempotencyKey, nullString(tx.Note), tx.CreatedAt, tx.CompletedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return ErrIdempotencyConflict
		}
	}
	return err
}

func (p *PostgresStore) FindByIdempotencyKey(ctx context.Context, walletID, key string) (*Transaction, error) {
	row := txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE wallet_id = $1 AND idempotency_key = $2`,
		walletID, key)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

func (p *PostgresStore) FindByGatewayRef(ctx context.Context, gateway, ref string) (*Transaction, error) {
	row := txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE gateway = $1 AND gateway_ref = $2`,
		nullString(gateway), ref)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE wallet_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Drifts(ctx context.Context) ([]Drift, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT w.id, w.user_id, w.available_balance,
		       COALESCE(SUM(CASE WHEN t.direction = 'CREDIT' THEN t.amount ELSE -t.amount END), 0) AS log_sum
		FROM wallets w
		LEFT JOIN wallet_transactions t ON t.wallet_id = w.id
		GROUP BY w.id, w.user_id, w.available_balance
		HAVING w.available_balance <> COALESCE(SUM(CASE WHEN t.direction = 'CREDIT' THEN t.amount ELSE -t.amount END), 0)
		ORDER BY w.user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.WalletID, &d.UserID, &d.Balance, &d.LogSum); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (*Wallet, error) {
	w := &Wallet{}
	err := row.Scan(&w.ID, &w.UserID, &w.AvailableBalance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func scanTransaction(row scanner) (*Transaction, error) {
	tx := &Transaction{}
	var gateway, gatewayRef, refType, refID, note sql.NullString
	err := row.Scan(&tx.ID, &tx.WalletID, &tx.Direction, &tx.Type, &tx.Amount, &tx.Status,
		&gateway, &gatewayRef, &refType, &refID, &tx.IdempotencyKey, &note,
		&tx.CreatedAt, &tx.CompletedAt)
	if err != nil {
		return nil, err
	}
	tx.Gateway = gateway.String
	tx.GatewayRef = gatewayRef.String
	tx.RefType = refType.String
	tx.RefID = refID.String
	tx.Note = note.String
	return tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
