package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/rentescrow/internal/pagination"
)

// PostgresStore persists bookings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `
	id, property_id, tenant_addr, owner_addr, price_per_unit::TEXT, units,
	total_price::TEXT, platform_fee::TEXT, amount_due::TEXT, currency,
	start_at, end_at, status, registration_tx_hash, registration_block, payment_tx_hash,
	payment_block, payer_addr, paid_at, settlement_tx_hash, resolved_at,
	cancel_reason, dispute_reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (
			id, property_id, tenant_addr, owner_addr, price_per_unit, units,
			total_price, platform_fee, amount_due, currency,
			start_at, end_at, status, registration_tx_hash, registration_block,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(78,0), $6,
			$7::NUMERIC(78,0), $8::NUMERIC(78,0), $9::NUMERIC(78,0), $10,
			$11, $12, $13, $14, $15,
			$16, $17
		)`,
		b.ID, b.PropertyID, b.TenantAddr, b.OwnerAddr, b.PricePerUnit, b.Units,
		b.TotalPrice, b.PlatformFee, b.AmountDue, b.Currency,
		b.StartAt, b.EndAt, string(b.Status), nullString(b.RegistrationTxHash), nullBlock(b.RegistrationBlock),
		b.CreatedAt, b.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) listBy(ctx context.Context, column, addr string, after *pagination.Cursor, limit int) ([]*Booking, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+bookingColumns+`
			FROM bookings
			WHERE `+column+` = $1
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, strings.ToLower(addr), after.CreatedAt, after.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+bookingColumns+`
			FROM bookings
			WHERE `+column+` = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, strings.ToLower(addr), limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanBookings(rows)
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantAddr string, after *pagination.Cursor, limit int) ([]*Booking, error) {
	return p.listBy(ctx, "tenant_addr", tenantAddr, after, limit)
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerAddr string, after *pagination.Cursor, limit int) ([]*Booking, error) {
	return p.listBy(ctx, "owner_addr", ownerAddr, after, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, after *pagination.Cursor, limit int) ([]*Booking, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var (
		rows *sql.Rows
		err  error
	)
	if after != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+bookingColumns+`
			FROM bookings
			WHERE status = ANY($1)
			  AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $4`, pq.Array(names), after.CreatedAt, after.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+bookingColumns+`
			FROM bookings
			WHERE status = ANY($1)
			ORDER BY created_at ASC, id ASC
			LIMIT $2`, pq.Array(names), limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanBookings(rows)
}

// Transition reads the row, applies mutate, and writes it back guarded by
// the expected status so a concurrent writer makes the update miss.
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, mutate func(*Booking)) (*Booking, error) {
	if !CanTransition(from, to) {
		return nil, ErrStateConflict
	}

	b, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != from {
		return nil, ErrStateConflict
	}
	if mutate != nil {
		mutate(b)
	}
	b.ID = id
	b.Status = to

	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET
			status = $1, payment_tx_hash = $2, payment_block = $3,
			payer_addr = $4, paid_at = $5, settlement_tx_hash = $6,
			resolved_at = $7, cancel_reason = $8, dispute_reason = $9,
			updated_at = $10
		WHERE id = $11 AND status = $12`,
		string(to), nullString(b.PaymentTxHash), nullBlock(b.PaymentBlock),
		nullString(b.PayerAddr), nullTime(b.PaidAt), nullString(b.SettlementTxHash),
		nullTime(b.ResolvedAt), nullString(b.CancelReason), nullString(b.DisputeReason),
		b.UpdatedAt,
		id, string(from),
	)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrStateConflict
	}
	return b, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(s scanner) (*Booking, error) {
	var (
		b             Booking
		status        string
		registration  sql.NullString
		regBlock      sql.NullInt64
		paymentTx     sql.NullString
		payer         sql.NullString
		settlement    sql.NullString
		cancelReason  sql.NullString
		disputeReason sql.NullString
		paymentBlock  sql.NullInt64
		paidAt        sql.NullTime
		resolvedAt    sql.NullTime
	)
	err := s.Scan(
		&b.ID, &b.PropertyID, &b.TenantAddr, &b.OwnerAddr, &b.PricePerUnit, &b.Units,
		&b.TotalPrice, &b.PlatformFee, &b.AmountDue, &b.Currency,
		&b.StartAt, &b.EndAt, &status, &registration, &regBlock, &paymentTx,
		&paymentBlock, &payer, &paidAt, &settlement, &resolvedAt,
		&cancelReason, &disputeReason, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = Status(status)
	if !b.Status.Valid() {
		return nil, fmt.Errorf("booking %s: unknown status %q", b.ID, status)
	}
	b.RegistrationTxHash = registration.String
	b.PaymentTxHash = paymentTx.String
	b.PayerAddr = payer.String
	b.SettlementTxHash = settlement.String
	b.CancelReason = cancelReason.String
	b.DisputeReason = disputeReason.String
	if regBlock.Valid {
		b.RegistrationBlock = uint64(regBlock.Int64) //nolint:gosec // stored from a uint64
	}
	if paymentBlock.Valid {
		b.PaymentBlock = uint64(paymentBlock.Int64) //nolint:gosec // stored from a uint64
	}
	if paidAt.Valid {
		b.PaidAt = &paidAt.Time
	}
	if resolvedAt.Valid {
		b.ResolvedAt = &resolvedAt.Time
	}
	return &b, nil
}

func scanBookings(rows *sql.Rows) ([]*Booking, error) {
	var result []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBlock(n uint64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true} //nolint:gosec // block numbers fit int64
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
