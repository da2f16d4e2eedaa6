package reconciliation

import (
	"context"
	"database/sql"

	"github.com/mbd888/rentescrow/internal/verifier"
)

// PostgresAttemptStore persists verification attempts in PostgreSQL.
type PostgresAttemptStore struct {
	db *sql.DB
}

// NewPostgresAttemptStore creates a PostgreSQL-backed attempt log.
func NewPostgresAttemptStore(db *sql.DB) *PostgresAttemptStore {
	return &PostgresAttemptStore{db: db}
}

func (p *PostgresAttemptStore) Append(ctx context.Context, a *Attempt) error {
	var block sql.NullInt64
	if a.BlockNumber > 0 {
		block = sql.NullInt64{Int64: int64(a.BlockNumber), Valid: true} //nolint:gosec // block numbers fit int64
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO verification_attempts (
			id, booking_id, operation, tx_hash, contract_address, expected_amount,
			verdict, kind, reason, attempts, block_number, payer,
			applied, needs_review, created_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::NUMERIC(78,0), $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.BookingID, string(a.Operation), a.TxHash, a.ContractAddress, a.ExpectedAmount,
		string(a.Verdict), nullString(string(a.Kind)), nullString(a.Reason), a.Attempts, block, nullString(a.Payer),
		a.Applied, a.NeedsReview, a.CreatedAt,
	)
	return err
}

func (p *PostgresAttemptStore) ListByBooking(ctx context.Context, bookingID string, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, booking_id, operation, tx_hash, contract_address,
		       COALESCE(expected_amount::TEXT, ''), verdict, kind, reason, attempts,
		       block_number, payer, applied, needs_review, created_at
		FROM verification_attempts
		WHERE booking_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, bookingID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Attempt
	for rows.Next() {
		var (
			a         Attempt
			operation string
			verdict   string
			kind      sql.NullString
			reason    sql.NullString
			block     sql.NullInt64
			payer     sql.NullString
		)
		if err := rows.Scan(
			&a.ID, &a.BookingID, &operation, &a.TxHash, &a.ContractAddress,
			&a.ExpectedAmount, &verdict, &kind, &reason, &a.Attempts,
			&block, &payer, &a.Applied, &a.NeedsReview, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.Operation = Operation(operation)
		a.Verdict = verifier.Verdict(verdict)
		a.Kind = verifier.Kind(kind.String)
		a.Reason = reason.String
		a.Payer = payer.String
		if block.Valid {
			a.BlockNumber = uint64(block.Int64) //nolint:gosec // stored from a uint64
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
