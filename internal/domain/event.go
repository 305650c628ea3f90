package domain

import (
	"math/big"
	"time"
)

// Bus channels and streams.
const (
	ChannelLedgerEvents = "ledger:events"
	ChannelTxReceipts   = "ledger:receipts"
	StreamLedgerEvents  = "ledger:events:log"
)

// EventType identifies a ledger event.
type EventType string

const (
	EventBetCreated     EventType = "bet_created"
	EventInvested       EventType = "invested"
	EventBetSettled     EventType = "bet_settled"
	EventRewardsClaimed EventType = "rewards_claimed"
	EventTxRejected     EventType = "tx_rejected"
)

// LedgerEvent is broadcast after a confirmed state change or a rejection.
type LedgerEvent struct {
	Type      EventType `json:"type"`
	TxID      string    `json:"tx_id,omitempty"`
	BetID     uint64    `json:"bet_id"`
	Actor     string    `json:"actor,omitempty"`
	Outcome   int       `json:"outcome"`
	Amount    *big.Int  `json:"amount,omitempty"`
	Title     string    `json:"title,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
