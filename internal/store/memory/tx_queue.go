package memory

import (
	"context"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// TxQueue implements domain.TxQueue with a buffered channel. Enqueue fails
// with domain.ErrSubmitFailed when the buffer is full rather than blocking
// the submitting request.
type TxQueue struct {
	ch chan domain.PendingTx
}

// NewTxQueue creates a TxQueue holding up to capacity commands.
func NewTxQueue(capacity int) *TxQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &TxQueue{ch: make(chan domain.PendingTx, capacity)}
}

func (q *TxQueue) Enqueue(ctx context.Context, tx domain.PendingTx) error {
	select {
	case q.ch <- tx:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return domain.ErrSubmitFailed.Withf("queue full")
	}
}

func (q *TxQueue) Dequeue(ctx context.Context) (domain.PendingTx, error) {
	select {
	case tx := <-q.ch:
		return tx, nil
	case <-ctx.Done():
		return domain.PendingTx{}, ctx.Err()
	}
}

// Len reports the number of queued commands.
func (q *TxQueue) Len() int { return len(q.ch) }

var _ domain.TxQueue = (*TxQueue)(nil)
