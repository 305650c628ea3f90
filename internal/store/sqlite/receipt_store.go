package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// ReceiptStore implements domain.ReceiptStore on SQLite.
type ReceiptStore struct {
	db *sql.DB
}

// NewReceiptStore creates a ReceiptStore over an opened and migrated database.
func NewReceiptStore(db *sql.DB) *ReceiptStore {
	return &ReceiptStore{db: db}
}

// Put inserts a receipt or resolves a pending one. Terminal receipts are
// left untouched.
func (s *ReceiptStore) Put(ctx context.Context, r domain.Receipt) error {
	var payout, resolved any
	if r.Payout != nil {
		payout = r.Payout.String()
	}
	if r.ResolvedAt != nil {
		resolved = r.ResolvedAt.UnixMicro()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tx_receipts (
			tx_id, command_type, caller, status, bet_id, payout,
			error_kind, error_code, error, submitted_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_id) DO UPDATE SET
			status      = excluded.status,
			bet_id      = excluded.bet_id,
			payout      = excluded.payout,
			error_kind  = excluded.error_kind,
			error_code  = excluded.error_code,
			error       = excluded.error,
			resolved_at = excluded.resolved_at
		WHERE tx_receipts.status = 'pending'`,
		r.TxID, string(r.Type), r.Caller, string(r.Status), int64(r.BetID), payout,
		string(r.ErrorKind), r.ErrorCode, r.Error, r.SubmittedAt.UnixMicro(), resolved,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put receipt %s: %w", r.TxID, err)
	}
	return nil
}

func (s *ReceiptStore) Get(ctx context.Context, txID string) (domain.Receipt, error) {
	var (
		r                 domain.Receipt
		typ, status, kind string
		betID, submitted  int64
		payout            sql.NullString
		resolved          sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tx_id, command_type, caller, status, bet_id, payout,
			error_kind, error_code, error, submitted_at, resolved_at
		FROM tx_receipts WHERE tx_id = ?`, txID).Scan(
		&r.TxID, &typ, &r.Caller, &status, &betID, &payout,
		&kind, &r.ErrorCode, &r.Error, &submitted, &resolved,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Receipt{}, domain.ErrNotFound.Withf("tx %s", txID)
		}
		return domain.Receipt{}, fmt.Errorf("sqlite: get receipt %s: %w", txID, err)
	}
	r.Type = domain.CommandType(typ)
	r.Status = domain.TxStatus(status)
	r.ErrorKind = domain.ErrorKind(kind)
	r.BetID = uint64(betID)
	r.SubmittedAt = fromMicros(submitted)
	if resolved.Valid {
		t := fromMicros(resolved.Int64)
		r.ResolvedAt = &t
	}
	if payout.Valid {
		if r.Payout, err = parseAmount(payout.String); err != nil {
			return domain.Receipt{}, err
		}
	}
	return r, nil
}

var _ domain.ReceiptStore = (*ReceiptStore)(nil)
