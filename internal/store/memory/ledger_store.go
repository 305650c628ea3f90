// Package memory implements domain stores in process memory. It backs the
// "memory" ledger backend and the test suites of packages above the store.
package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

type positionKey struct {
	betID    uint64
	outcome  int
	investor string
}

// LedgerStore implements domain.LedgerStore with a single mutex. Mutations
// run against a cloned state and are committed only on success.
type LedgerStore struct {
	mu        sync.RWMutex
	bets      []domain.Bet
	pools     [][]*big.Int
	positions map[positionKey]domain.Position
	applied   map[string]domain.AppliedTx
}

// NewLedgerStore creates an empty LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		positions: make(map[positionKey]domain.Position),
		applied:   make(map[string]domain.AppliedTx),
	}
}

func (s *LedgerStore) CreateBet(_ context.Context, txID string, bet domain.Bet) (domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applied[txID]; ok && txID != "" {
		return domain.Bet{}, domain.ErrAlreadyApplied
	}

	bet = bet.Clone()
	bet.ID = uint64(len(s.bets))
	if bet.PaidOut == nil {
		bet.PaidOut = new(big.Int)
	}
	pools := make([]*big.Int, len(bet.Outcomes))
	for i := range pools {
		pools[i] = new(big.Int)
	}
	s.bets = append(s.bets, bet)
	s.pools = append(s.pools, pools)
	s.record(txID, bet.ID, nil)
	return bet.Clone(), nil
}

func (s *LedgerStore) Mutate(_ context.Context, txID string, betID uint64, investor string, fn domain.MutateFunc) (*domain.BetState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if betID >= uint64(len(s.bets)) {
		return nil, domain.ErrNotFound.Withf("bet %d", betID)
	}
	if _, ok := s.applied[txID]; ok && txID != "" {
		return nil, domain.ErrAlreadyApplied
	}
	state := &domain.BetState{
		Bet:       s.bets[betID].Clone(),
		Pools:     clonePools(s.pools[betID]),
		Investor:  investor,
		Positions: make(map[int]*domain.Position),
	}
	for o := range state.Bet.Outcomes {
		if p, ok := s.positions[positionKey{betID, o, investor}]; ok {
			cp := p.Clone()
			state.Positions[o] = &cp
		}
	}

	work := state.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}

	s.bets[betID] = work.Bet.Clone()
	s.pools[betID] = clonePools(work.Pools)
	for o, p := range work.Positions {
		s.positions[positionKey{betID, o, investor}] = p.Clone()
	}
	s.record(txID, betID, work.Payout)
	return work.Clone(), nil
}

func (s *LedgerStore) record(txID string, betID uint64, payout *big.Int) {
	if txID == "" {
		return
	}
	rec := domain.AppliedTx{TxID: txID, BetID: betID, AppliedAt: time.Now().UTC()}
	if payout != nil {
		rec.Payout = new(big.Int).Set(payout)
	}
	s.applied[txID] = rec
}

func (s *LedgerStore) AppliedTx(_ context.Context, txID string) (domain.AppliedTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.applied[txID]
	if !ok {
		return domain.AppliedTx{}, domain.ErrNotFound.Withf("tx %s", txID)
	}
	if rec.Payout != nil {
		rec.Payout = new(big.Int).Set(rec.Payout)
	}
	return rec, nil
}

func (s *LedgerStore) GetBet(_ context.Context, id uint64) (domain.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id >= uint64(len(s.bets)) {
		return domain.Bet{}, domain.ErrNotFound.Withf("bet %d", id)
	}
	return s.bets[id].Clone(), nil
}

func (s *LedgerStore) GetPools(_ context.Context, id uint64) ([]*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id >= uint64(len(s.pools)) {
		return nil, domain.ErrNotFound.Withf("bet %d", id)
	}
	return clonePools(s.pools[id]), nil
}

func (s *LedgerStore) GetPosition(_ context.Context, betID uint64, outcome int, investor string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionKey{betID, outcome, investor}]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *LedgerStore) ListBets(_ context.Context, opts domain.ListOpts) ([]domain.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Bet, 0, len(s.bets))
	for _, b := range s.bets {
		if opts.Since != nil && b.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !b.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, b.Clone())
	}
	return paginate(out, opts), nil
}

func (s *LedgerStore) ListPositions(_ context.Context, betID uint64) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if betID >= uint64(len(s.bets)) {
		return nil, domain.ErrNotFound.Withf("bet %d", betID)
	}
	var out []domain.Position
	for k, p := range s.positions {
		if k.betID == betID {
			out = append(out, p.Clone())
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *LedgerStore) ListPositionsByInvestor(_ context.Context, investor string, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for k, p := range s.positions {
		if k.investor != investor {
			continue
		}
		if opts.Since != nil && p.UpdatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !p.UpdatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, p.Clone())
	}
	sortPositions(out)
	return paginate(out, opts), nil
}

func (s *LedgerStore) NextBetID(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.bets)), nil
}

func clonePools(pools []*big.Int) []*big.Int {
	out := make([]*big.Int, len(pools))
	for i, p := range pools {
		out[i] = new(big.Int).Set(p)
	}
	return out
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].BetID != ps[j].BetID {
			return ps[i].BetID < ps[j].BetID
		}
		if ps[i].Outcome != ps[j].Outcome {
			return ps[i].Outcome < ps[j].Outcome
		}
		return ps[i].Investor < ps[j].Investor
	})
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface check.
var _ domain.LedgerStore = (*LedgerStore)(nil)
