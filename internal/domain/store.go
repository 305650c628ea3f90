package domain

import (
	"context"
	"math/big"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MutateFunc changes a bet's state in place. Returning an error aborts the
// mutation and nothing is persisted.
type MutateFunc func(state *BetState) error

// AppliedTx records a transaction that changed the ledger. It is written in
// the same commit as the change, so a redelivered command can return its
// original result instead of applying twice.
type AppliedTx struct {
	TxID      string
	BetID     uint64
	Payout    *big.Int
	AppliedAt time.Time
}

// LedgerStore persists bets, outcome pools and positions.
//
// A non-empty txID passed to CreateBet or Mutate is recorded as an AppliedTx
// inside the same transaction. If txID is already recorded nothing changes
// and ErrAlreadyApplied is returned; fn is not called.
type LedgerStore interface {
	// CreateBet assigns the next sequential id, persists bet with zeroed
	// pools and returns the stored bet.
	CreateBet(ctx context.Context, txID string, bet Bet) (Bet, error)
	// Mutate loads the bet together with the positions held by investor,
	// applies fn and commits the result atomically. Concurrent mutations of
	// the same bet are serialized. The recorded payout is the state's
	// Payout after fn.
	Mutate(ctx context.Context, txID string, betID uint64, investor string, fn MutateFunc) (*BetState, error)
	// AppliedTx returns the record for txID, or ErrNotFound.
	AppliedTx(ctx context.Context, txID string) (AppliedTx, error)
	GetBet(ctx context.Context, id uint64) (Bet, error)
	GetPools(ctx context.Context, id uint64) ([]*big.Int, error)
	GetPosition(ctx context.Context, betID uint64, outcome int, investor string) (Position, error)
	ListBets(ctx context.Context, opts ListOpts) ([]Bet, error)
	ListPositions(ctx context.Context, betID uint64) ([]Position, error)
	ListPositionsByInvestor(ctx context.Context, investor string, opts ListOpts) ([]Position, error)
	NextBetID(ctx context.Context) (uint64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ReceiptStore tracks submitted commands by transaction id.
type ReceiptStore interface {
	Put(ctx context.Context, r Receipt) error
	Get(ctx context.Context, txID string) (Receipt, error)
}

// TxQueue carries submitted commands to the workers that apply them.
type TxQueue interface {
	Enqueue(ctx context.Context, tx PendingTx) error
	// Dequeue blocks until a command is available or ctx is done.
	Dequeue(ctx context.Context) (PendingTx, error)
}
