package booking

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/homelease/rentcore/internal/pagination"
	"github.com/homelease/rentcore/internal/txn"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `id, tenant_id, landlord_id, property_id, room_id, contract_id,
	deposit_amount, monthly_rent, currency, status, cancel_reason,
	approved_at, rejected_at, tenant_signed_at, landlord_signed_at, signed_at,
	escrow_deposit_due_at, tenant_deposit_funded_at, landlord_deposit_funded_at,
	first_rent_due_at, first_rent_paid_at, handover_at, activated_at,
	settlement_started_at, closed_at, cancelled_at, created_at, updated_at`

const extensionColumns = `id, booking_id, months, amount, status, due_at, paid_at, cancelled_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
	`, bookingArgs(b)...)
	return err
}

func bookingArgs(b *Booking) []any {
	return []any{
		b.ID, b.TenantID, b.LandlordID, b.PropertyID, nullString(b.RoomID), nullString(b.ContractID),
		b.DepositAmount, b.MonthlyRent, b.Currency, b.Status, nullString(string(b.CancelReason)),
		b.ApprovedAt, b.RejectedAt, b.TenantSignedAt, b.LandlordSignedAt, b.SignedAt,
		b.EscrowDepositDueAt, b.TenantDepositFundedAt, b.LandlordDepositFundedAt,
		b.FirstRentDueAt, b.FirstRentPaidAt, b.HandoverAt, b.ActivatedAt,
		b.SettlementStartedAt, b.ClosedAt, b.CancelledAt, b.CreatedAt, b.UpdatedAt,
	}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	row := txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*Booking, error) {
	row := txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	return scanBooking(row)
}

// Update rewrites the mutable columns. Milestones are write-once in the
// service; COALESCE keeps the stored value if a caller passes nil.
func (p *PostgresStore) Update(ctx context.Context, b *Booking) error {
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE bookings SET
			contract_id = COALESCE(contract_id, $2),
			status = $3,
			cancel_reason = COALESCE(cancel_reason, $4),
			approved_at = COALESCE(approved_at, $5),
			rejected_at = COALESCE(rejected_at, $6),
			tenant_signed_at = COALESCE(tenant_signed_at, $7),
			landlord_signed_at = COALESCE(landlord_signed_at, $8),
			signed_at = COALESCE(signed_at, $9),
			escrow_deposit_due_at = COALESCE(escrow_deposit_due_at, $10),
			tenant_deposit_funded_at = COALESCE(tenant_deposit_funded_at, $11),
			landlord_deposit_funded_at = COALESCE(landlord_deposit_funded_at, $12),
			first_rent_due_at = COALESCE(first_rent_due_at, $13),
			first_rent_paid_at = COALESCE(first_rent_paid_at, $14),
			handover_at = COALESCE(handover_at, $15),
			activated_at = COALESCE(activated_at, $16),
			settlement_started_at = COALESCE(settlement_started_at, $17),
			closed_at = COALESCE(closed_at, $18),
			cancelled_at = COALESCE(cancelled_at, $19),
			updated_at = $20
		WHERE id = $1
	`, b.ID, nullString(b.ContractID), b.Status, nullString(string(b.CancelReason)),
		b.ApprovedAt, b.RejectedAt, b.TenantSignedAt, b.LandlordSignedAt, b.SignedAt,
		b.EscrowDepositDueAt, b.TenantDepositFundedAt, b.LandlordDepositFundedAt,
		b.FirstRentDueAt, b.FirstRentPaidAt, b.HandoverAt, b.ActivatedAt,
		b.SettlementStartedAt, b.ClosedAt, b.CancelledAt, b.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Booking, error) {
	if after == nil {
		return p.queryBookings(ctx, `
			SELECT `+bookingColumns+` FROM bookings
			WHERE tenant_id = $1 OR landlord_id = $1
			ORDER BY created_at DESC, id COLLATE "C" DESC LIMIT $2`, userID, limit)
	}
	return p.queryBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE (tenant_id = $1 OR landlord_id = $1) AND (created_at, id COLLATE "C") < ($2, $3)
		ORDER BY created_at DESC, id COLLATE "C" DESC LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Booking, error) {
	return p.queryBookings(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE (status IN ('AWAITING_DEPOSIT', 'ESCROW_FUNDED_T', 'ESCROW_FUNDED_L') AND escrow_deposit_due_at < $1)
		   OR (status = 'AWAITING_FIRST_RENT' AND first_rent_due_at < $1)
		ORDER BY id LIMIT $2`, now, limit)
}

func (p *PostgresStore) queryBookings(ctx context.Context, query string, args ...any) ([]*Booking, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InsertEvent(ctx context.Context, e *Event) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO booking_events (id, booking_id, action, from_status, to_status, actor_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.BookingID, e.Action, nullString(string(e.FromStatus)), e.ToStatus,
		nullString(e.ActorID), nullString(e.Note), e.CreatedAt)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, bookingID string) ([]*Event, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT id, booking_id, action, from_status, to_status, actor_id, note, created_at
		FROM booking_events WHERE booking_id = $1 ORDER BY created_at, id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Event{}
	for rows.Next() {
		e := &Event{}
		var from, actor, note sql.NullString
		if err := rows.Scan(&e.ID, &e.BookingID, &e.Action, &from, &e.ToStatus, &actor, &note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromStatus = Status(from.String)
		e.ActorID = actor.String
		e.Note = note.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateExtension(ctx context.Context, e *Extension) error {
	_, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO contract_extensions (`+extensionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.BookingID, e.Months, e.Amount, e.Status, e.DueAt, e.PaidAt, e.CancelledAt, e.CreatedAt)
	return err
}

func (p *PostgresStore) GetExtension(ctx context.Context, id string) (*Extension, error) {
	row := txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM contract_extensions WHERE id = $1`, id)
	return scanExtension(row)
}

func (p *PostgresStore) GetExtensionForUpdate(ctx context.Context, id string) (*Extension, error) {
	row := txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM contract_extensions WHERE id = $1 FOR UPDATE`, id)
	return scanExtension(row)
}

func (p *PostgresStore) UpdateExtension(ctx context.Context, e *Extension) error {
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE contract_extensions SET status = $2, paid_at = $3, cancelled_at = $4 WHERE id = $1
	`, e.ID, e.Status, e.PaidAt, e.CancelledAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExtensionNotFound
	}
	return nil
}

func (p *PostgresStore) ListExtensions(ctx context.Context, bookingID string) ([]*Extension, error) {
	return p.queryExtensions(ctx, `
		SELECT `+extensionColumns+` FROM contract_extensions
		WHERE booking_id = $1 ORDER BY created_at, id`, bookingID)
}

func (p *PostgresStore) ListOverdueExtensions(ctx context.Context, now time.Time, limit int) ([]*Extension, error) {
	return p.queryExtensions(ctx, `
		SELECT `+extensionColumns+` FROM contract_extensions
		WHERE status = 'PENDING_PAYMENT' AND due_at < $1
		ORDER BY due_at LIMIT $2`, now, limit)
}

func (p *PostgresStore) queryExtensions(ctx context.Context, query string, args ...any) ([]*Extension, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Extension{}
	for rows.Next() {
		e, err := scanExtension(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(row scanner) (*Booking, error) {
	b := &Booking{}
	var roomID, contractID, reason sql.NullString
	err := row.Scan(&b.ID, &b.TenantID, &b.LandlordID, &b.PropertyID, &roomID, &contractID,
		&b.DepositAmount, &b.MonthlyRent, &b.Currency, &b.Status, &reason,
		&b.ApprovedAt, &b.RejectedAt, &b.TenantSignedAt, &b.LandlordSignedAt, &b.SignedAt,
		&b.EscrowDepositDueAt, &b.TenantDepositFundedAt, &b.LandlordDepositFundedAt,
		&b.FirstRentDueAt, &b.FirstRentPaidAt, &b.HandoverAt, &b.ActivatedAt,
		&b.SettlementStartedAt, &b.ClosedAt, &b.CancelledAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.RoomID = roomID.String
	b.ContractID = contractID.String
	b.CancelReason = CancelReason(reason.String)
	return b, nil
}

func scanExtension(row scanner) (*Extension, error) {
	e := &Extension{}
	err := row.Scan(&e.ID, &e.BookingID, &e.Months, &e.Amount, &e.Status, &e.DueAt,
		&e.PaidAt, &e.CancelledAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExtensionNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
