package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/homelease/rentcore/internal/txn"
)

// PostgresStore persists escrow accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, contract_id, booking_id, tenant_id, landlord_id, property_id,
	current_balance_tenant, current_balance_landlord, currency, created_at, updated_at`

const txColumns = `id, escrow_id, contributor, direction, type, amount, status,
	ref_type, ref_id, idempotency_key, note, actor_id, created_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.ContractID, a.BookingID, a.TenantID, a.LandlordID, a.PropertyID,
		a.CurrentBalanceTenant, a.CurrentBalanceLandlord, a.Currency, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	return scanAccount(txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1`, id))
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*Account, error) {
	return scanAccount(txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1 FOR UPDATE`, id))
}

func (p *PostgresStore) GetByContract(ctx context.Context, contractID string) (*Account, error) {
	return scanAccount(txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM escrow_accounts WHERE contract_id = $1`, contractID))
}

func (p *PostgresStore) UpdateBalances(ctx context.Context, id string, tenant, landlord decimal.Decimal, at time.Time) error {
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_accounts
		SET current_balance_tenant = $2, current_balance_landlord = $3, updated_at = $4
		WHERE id = $1
	`, id, tenant, landlord, at)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			return ErrInsufficientBalance
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) InsertTransaction(ctx context.Context, tx *Transaction) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, tx.ID, tx.EscrowID, tx.Contributor, tx.Direction, tx.Type, tx.Amount, tx.Status,
		nullString(tx.RefType), nullString(tx.RefID), tx.IdempotencyKey,
		nullString(tx.Note), nullString(tx.ActorID), tx.CreatedAt, tx.CompletedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrIdempotencyConflict
		}
	}
	return err
}

func (p *PostgresStore) FindByIdempotencyKey(ctx context.Context, escrowID, key string) (*Transaction, error) {
	tx, err := scanTransaction(txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE escrow_id = $1 AND idempotency_key = $2`,
		escrowID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, escrowID string, limit int) ([]*Transaction, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE escrow_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, escrowID, limit)
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
		WITH sums AS (
			SELECT escrow_id, contributor,
			       SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END) AS total
			FROM escrow_transactions
			GROUP BY escrow_id, contributor
		), sides AS (
			SELECT a.id, a.contract_id, 'TENANT' AS contributor, a.current_balance_tenant AS balance
			FROM escrow_accounts a
			UNION ALL
			SELECT a.id, a.contract_id, 'LANDLORD', a.current_balance_landlord
			FROM escrow_accounts a
		)
		SELECT s.id, s.contract_id, s.contributor, s.balance, COALESCE(x.total, 0)
		FROM sides s
		LEFT JOIN sums x ON x.escrow_id = s.id AND x.contributor = s.contributor
		WHERE s.balance <> COALESCE(x.total, 0)
		ORDER BY s.contract_id, s.contributor
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.EscrowID, &d.ContractID, &d.Contributor, &d.Balance, &d.LogSum); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	a := &Account{}
	err := row.Scan(&a.ID, &a.ContractID, &a.BookingID, &a.TenantID, &a.LandlordID, &a.PropertyID,
		&a.CurrentBalanceTenant, &a.CurrentBalanceLandlord, &a.Currency, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanTransaction(row scanner) (*Transaction, error) {
	tx := &Transaction{}
	var refType, refID, note, actor sql.NullString
	err := row.Scan(&tx.ID, &tx.EscrowID, &tx.Contributor, &tx.Direction, &tx.Type, &tx.Amount, &tx.Status,
		&refType, &refID, &tx.IdempotencyKey, &note, &actor, &tx.CreatedAt, &tx.CompletedAt)
	if err != nil {
		return nil, err
	}
	tx.RefType = refType.String
	tx.RefID = refID.String
	tx.Note = note.String
	tx.ActorID = actor.String
	return tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
