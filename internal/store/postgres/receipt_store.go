package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// ReceiptStore implements domain.ReceiptStore using PostgreSQL. It gives
// receipts durability when Redis is not configured.
type ReceiptStore struct {
	pool *pgxpool.Pool
}

// NewReceiptStore creates a new ReceiptStore backed by the given connection pool.
func NewReceiptStore(pool *pgxpool.Pool) *ReceiptStore {
	return &ReceiptStore{pool: pool}
}

// Put inserts or replaces a receipt. A terminal receipt is never overwritten
// by a pending one.
func (s *ReceiptStore) Put(ctx context.Context, r domain.Receipt) error {
	const query = `
		INSERT INTO tx_receipts (
			tx_id, command_type, caller, status, bet_id, payout,
			error_kind, error_code, error, submitted_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC,
			$7, $8, $9, $10, $11
		)
		ON CONFLICT (tx_id) DO UPDATE SET
			status      = EXCLUDED.status,
			bet_id      = EXCLUDED.bet_id,
			payout      = EXCLUDED.payout,
			error_kind  = EXCLUDED.error_kind,
			error_code  = EXCLUDED.error_code,
			error       = EXCLUDED.error,
			resolved_at = EXCLUDED.resolved_at
		WHERE tx_receipts.status = 'pending'`

	_, err := s.pool.Exec(ctx, query,
		r.TxID, string(r.Type), r.Caller, string(r.Status), int64(r.BetID), nullableAmount(r.Payout),
		string(r.ErrorKind), r.ErrorCode, r.Error, r.SubmittedAt, r.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put receipt %s: %w", r.TxID, err)
	}
	return nil
}

// Get returns the receipt for txID.
func (s *ReceiptStore) Get(ctx context.Context, txID string) (domain.Receipt, error) {
	const query = `
		SELECT tx_id, command_type, caller, status, bet_id, payout::TEXT,
			error_kind, error_code, error, submitted_at, resolved_at
		FROM tx_receipts WHERE tx_id = $1`

	var r domain.Receipt
	var typ, status, kind string
	var betID int64
	var payout *string
	err := s.pool.QueryRow(ctx, query, txID).Scan(
		&r.TxID, &typ, &r.Caller, &status, &betID, &payout,
		&kind, &r.ErrorCode, &r.Error, &r.SubmittedAt, &r.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Receipt{}, domain.ErrNotFound.Withf("tx %s", txID)
		}
		return domain.Receipt{}, fmt.Errorf("postgres: get receipt %s: %w", txID, err)
	}
	r.Type = domain.CommandType(typ)
	r.Status = domain.TxStatus(status)
	r.ErrorKind = domain.ErrorKind(kind)
	r.BetID = uint64(betID)
	if payout != nil {
		if r.Payout, err = parseAmount(*payout); err != nil {
			return domain.Receipt{}, err
		}
	}
	return r, nil
}

// Compile-time interface check.
var _ domain.ReceiptStore = (*ReceiptStore)(nil)
