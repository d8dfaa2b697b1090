package payment

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/homelease/rentcore/internal/txn"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, booking_id, contract_id, extension_id, payer_id, amount, currency,
	method, purpose, status, failure_reason, gateway, gateway_ref, bank_code,
	paid_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	_, err := txn.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, p.ID, nullString(p.BookingID), nullString(p.ContractID), nullString(p.ExtensionID),
		p.PayerID, p.Amount, p.Currency, p.Method, p.Purpose, p.Status,
		nullString(p.FailureReason), nullString(p.Gateway), nullString(p.GatewayRef),
		nullString(p.BankCode), p.PaidAt, p.CreatedAt, p.UpdatedAt)
	return mapUnique(err)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := txn.Conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (s *PostgresStore) GetForUpdate(ctx context.Context, id string) (*Payment, error) {
	row := txn.Conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	return scanPayment(row)
}

func (s *PostgresStore) Update(ctx context.Context, p *Payment) error {
	res, err := txn.Conn(ctx, s.db).ExecContext(ctx, `
		UPDATE payments SET status = $2, failure_reason = $3, gateway = $4, gateway_ref = $5,
			paid_at = $6, updated_at = $7
		WHERE id = $1
	`, p.ID, p.Status, nullString(p.FailureReason), nullString(p.Gateway), nullString(p.GatewayRef),
		p.PaidAt, p.UpdatedAt)
	if err != nil {
		return mapUnique(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Payment, error) {
	rows, err := txn.Conn(ctx, s.db).QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE payer_id = $1
		 ORDER BY created_at DESC LIMIT $2`, payerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func mapUnique(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrDuplicateRef
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*Payment, error) {
	p := &Payment{}
	var bookingID, contractID, extensionID, reason, gateway, gatewayRef, bankCode sql.NullString
	err := row.Scan(&p.ID, &bookingID, &contractID, &extensionID, &p.PayerID, &p.Amount, &p.Currency,
		&p.Method, &p.Purpose, &p.Status, &reason, &gateway, &gatewayRef, &bankCode,
		&p.PaidAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.BookingID = bookingID.String
	p.ContractID = contractID.String
	p.ExtensionID = extensionID.String
	p.FailureReason = reason.String
	p.Gateway = gateway.String
	p.GatewayRef = gatewayRef.String
	p.BankCode = bankCode.String
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
