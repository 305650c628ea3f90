package memory

import (
	"context"
	"math/big"
	"sync"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// ReceiptStore implements domain.ReceiptStore in memory. Terminal receipts
// are never overwritten.
type ReceiptStore struct {
	mu       sync.RWMutex
	receipts map[string]domain.Receipt
}

// NewReceiptStore creates an empty ReceiptStore.
func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{receipts: make(map[string]domain.Receipt)}
}

func (s *ReceiptStore) Put(_ context.Context, r domain.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.receipts[r.TxID]; ok && cur.Status.Terminal() {
		return nil
	}
	s.receipts[r.TxID] = cloneReceipt(r)
	return nil
}

func (s *ReceiptStore) Get(_ context.Context, txID string) (domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[txID]
	if !ok {
		return domain.Receipt{}, domain.ErrNotFound.Withf("tx %s", txID)
	}
	return cloneReceipt(r), nil
}

func cloneReceipt(r domain.Receipt) domain.Receipt {
	if r.Payout != nil {
		r.Payout = new(big.Int).Set(r.Payout)
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		r.ResolvedAt = &t
	}
	return r
}

var _ domain.ReceiptStore = (*ReceiptStore)(nil)
