package domain

import (
	"math/big"
	"time"
)

// CommandType names a ledger mutation.
type CommandType string

const (
	CommandCreateBet    CommandType = "create_bet"
	CommandInvest       CommandType = "invest"
	CommandSettleBet    CommandType = "settle_bet"
	CommandClaimRewards CommandType = "claim_rewards"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandCreateBet, CommandInvest, CommandSettleBet, CommandClaimRewards:
		return true
	}
	return false
}

// Command is an explicit request against the ledger. It carries the caller's
// identity and every selection the operation needs; nothing is read from
// ambient state.
type Command struct {
	Type    CommandType `json:"type"`
	Caller  string      `json:"caller"`
	BetID   uint64      `json:"bet_id"`
	Outcome int         `json:"outcome"`
	Amount  *big.Int    `json:"amount,omitempty"`
	Draft   *BetDraft   `json:"draft,omitempty"`
}

// Envelope is a signed command as submitted by a client. The signature covers
// the canonical encoding of Command, Nonce and IssuedAt.
type Envelope struct {
	Command   Command `json:"command"`
	Nonce     string  `json:"nonce"`
	IssuedAt  int64   `json:"issued_at"`
	Signature string  `json:"signature"`
}

// TxStatus is the state of a submitted command.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxRejected  TxStatus = "rejected"
)

// Terminal reports whether no further transitions can happen.
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxRejected
}

// PendingTx is a queued command awaiting application.
type PendingTx struct {
	TxID        string    `json:"tx_id"`
	Command     Command   `json:"command"`
	SubmittedAt time.Time `json:"submitted_at"`
	Attempts    int       `json:"attempts,omitempty"`
}

// Receipt records the outcome of a submitted command.
type Receipt struct {
	TxID        string      `json:"tx_id"`
	Type        CommandType `json:"type"`
	Caller      string      `json:"caller"`
	Status      TxStatus    `json:"status"`
	BetID       uint64      `json:"bet_id"`
	Payout      *big.Int    `json:"payout,omitempty"`
	ErrorKind   ErrorKind   `json:"error_kind,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	Error       string      `json:"error,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

// Result is what a successfully applied command produced.
type Result struct {
	BetID  uint64
	Payout *big.Int
	// Replayed is set when the command had already been committed and the
	// result was read back instead of applied.
	Replayed bool
}
