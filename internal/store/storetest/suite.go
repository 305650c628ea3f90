// Package storetest holds a conformance suite every domain.LedgerStore
// implementation runs in its own tests.
package storetest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// Addresses used by the suite, already in checksummed form.
const (
	Creator  = "0x00000000000000000000000000000000000000C1"
	Investor = "0x00000000000000000000000000000000000000A1"
	Other    = "0x00000000000000000000000000000000000000B2"
)

var errAbort = errors.New("abort")

// SampleBet returns a two-outcome bet ready for CreateBet.
func SampleBet() domain.Bet {
	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return domain.Bet{
		Creator:            Creator,
		Title:              "Match result",
		Description:        "Home vs away",
		Outcomes:           []string{"Home", "Away", "Draw"},
		InvestmentDeadline: created.Add(time.Hour),
		SettlementDeadline: created.Add(2 * time.Hour),
		ExternalRef:        "bets/0123.json",
		PaidOut:            new(big.Int),
		CreatedAt:          created,
	}
}

func addStake(outcome int, amount int64) domain.MutateFunc {
	return func(s *domain.BetState) error {
		s.Pools[outcome] = new(big.Int).Add(s.Pools[outcome], big.NewInt(amount))
		pos := s.Position(outcome)
		if pos == nil {
			pos = &domain.Position{BetID: s.Bet.ID, Outcome: outcome, Investor: s.Investor, Amount: new(big.Int)}
			s.Positions[outcome] = pos
		}
		pos.Amount = new(big.Int).Add(pos.Amount, big.NewInt(amount))
		pos.UpdatedAt = s.Bet.CreatedAt
		return nil
	}
}

func stakeAt(outcome int, amount int64, at time.Time) domain.MutateFunc {
	stake := addStake(outcome, amount)
	return func(s *domain.BetState) error {
		if err := stake(s); err != nil {
			return err
		}
		s.Positions[outcome].UpdatedAt = at
		return nil
	}
}

// Run exercises store against the LedgerStore contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) domain.LedgerStore) {
	t.Run("CreateAssignsSequentialIDs", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		next, err := store.NextBetID(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), next)

		for want := uint64(0); want < 3; want++ {
			bet, err := store.CreateBet(ctx, "", SampleBet())
			require.NoError(t, err)
			assert.Equal(t, want, bet.ID)
		}
		next, err = store.NextBetID(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), next)

		got, err := store.GetBet(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"Home", "Away", "Draw"}, got.Outcomes)
		assert.Equal(t, Creator, got.Creator)
		assert.True(t, got.InvestmentDeadline.Equal(SampleBet().InvestmentDeadline))
		assert.False(t, got.Settled)
		assert.Equal(t, 0, got.PaidOut.Sign())

		pools, err := store.GetPools(ctx, 1)
		require.NoError(t, err)
		require.Len(t, pools, 3)
		for _, p := range pools {
			assert.Equal(t, 0, p.Sign())
		}
	})

	t.Run("UnknownBetIsNotFound", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.GetBet(ctx, 42)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.GetPools(ctx, 42)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.Mutate(ctx, "", 42, Investor, addStake(0, 1))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.GetPosition(ctx, 42, 0, Investor)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("MutateCommitsPoolsAndPositions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		bet, err := store.CreateBet(ctx, "", SampleBet())
		require.NoError(t, err)

		_, err = store.Mutate(ctx, "", bet.ID, Investor, addStake(1, 250))
		require.NoError(t, err)
		state, err := store.Mutate(ctx, "", bet.ID, Investor, addStake(1, 50))
		require.NoError(t, err)
		assert.Equal(t, "300", state.Pools[1].String())

		_, err = store.Mutate(ctx, "", bet.ID, Other, addStake(2, 7))
		require.NoError(t, err)

		pos, err := store.GetPosition(ctx, bet.ID, 1, Investor)
		require.NoError(t, err)
		assert.Equal(t, "300", pos.Amount.String())
		assert.False(t, pos.Claimed)

		pools, err := store.GetPools(ctx, bet.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "300", "7"}, []string{pools[0].String(), pools[1].String(), pools[2].String()})

		all, err := store.ListPositions(ctx, bet.ID)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, 1, all[0].Outcome)
		assert.Equal(t, 2, all[1].Outcome)

		mine, err := store.ListPositionsByInvestor(ctx, Other, domain.ListOpts{})
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, "7", mine[0].Amount.String())
	})

	t.Run("MutateOnlySeesOwnPositions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		bet, err := store.CreateBet(ctx, "", SampleBet())
		require.NoError(t, err)
		_, err = store.Mutate(ctx, "", bet.ID, Other, addStake(0, 5))
		require.NoError(t, err)

		_, err = store.Mutate(ctx, "", bet.ID, Investor, func(s *domain.BetState) error {
			assert.Empty(t, s.Positions)
			assert.Equal(t, "5", s.Pools[0].String())
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("FailedMutateLeavesNoTrace", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		bet, err := store.CreateBet(ctx, "", SampleBet())
		require.NoError(t, err)

		_, err = store.Mutate(ctx, "", bet.ID, Investor, func(s *domain.BetState) error {
			if err := addStake(0, 99)(s); err != nil {
				return err
			}
			s.Bet.Settled = true
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		got, err := store.GetBet(ctx, bet.ID)
		require.NoError(t, err)
		assert.False(t, got.Settled)
		pools, err := store.GetPools(ctx, bet.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, pools[0].Sign())
		_, err = store.GetPosition(ctx, bet.ID, 0, Investor)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("SettlementAndClaimPersist", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		bet, err := store.CreateBet(ctx, "", SampleBet())
		require.NoError(t, err)
		_, err = store.Mutate(ctx, "", bet.ID, Investor, addStake(2, 10))
		require.NoError(t, err)

		settledAt := SampleBet().InvestmentDeadline.Add(time.Minute)
		_, err = store.Mutate(ctx, "", bet.ID, Creator, func(s *domain.BetState) error {
			s.Bet.Settled = true
			s.Bet.WinningOutcome = 2
			s.Bet.SettledAt = &settledAt
			return nil
		})
		require.NoError(t, err)

		_, err = store.Mutate(ctx, "", bet.ID, Investor, func(s *domain.BetState) error {
			pos := s.Position(2)
			require.NotNil(t, pos)
			pos.Claimed = true
			pos.Payout = big.NewInt(10)
			s.Bet.PaidOut = new(big.Int).Add(s.Bet.PaidOut, pos.Payout)
			return nil
		})
		require.NoError(t, err)

		got, err := store.GetBet(ctx, bet.ID)
		require.NoError(t, err)
		assert.True(t, got.Settled)
		assert.Equal(t, 2, got.WinningOutcome)
		require.NotNil(t, got.SettledAt)
		assert.True(t, got.SettledAt.Equal(settledAt))
		assert.Equal(t, "10", got.PaidOut.String())

		pos, err := store.GetPosition(ctx, bet.ID, 2, Investor)
		require.NoError(t, err)
		assert.True(t, pos.Claimed)
		require.NotNil(t, pos.Payout)
		assert.Equal(t, "10", pos.Payout.String())
	})

	t.Run("LargeAmountsRoundTrip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		bet, err := store.CreateBet(ctx, "", SampleBet())
		require.NoError(t, err)

		huge, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
		require.True(t, ok)
		_, err = store.Mutate(ctx, "", bet.ID, Investor, func(s *domain.BetState) error {
			s.Pools[0] = new(big.Int).Set(huge)
			s.Positions[0] = &domain.Position{BetID: s.Bet.ID, Outcome: 0, Investor: s.Investor, Amount: new(big.Int).Set(huge)}
			return nil
		})
		require.NoError(t, err)

		pos, err := store.GetPosition(ctx, bet.ID, 0, Investor)
		require.NoError(t, err)
		assert.Equal(t, huge.String(), pos.Amount.String())
	})

	t.Run("ConcurrentMutationsSerialize", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		bet, err := store.CreateBet(ctx, "", SampleBet())
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				who := Investor
				if i%2 == 1 {
					who = Other
				}
				_, err := store.Mutate(ctx, "", bet.ID, who, addStake(0, 1))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		pools, err := store.GetPools(ctx, bet.ID)
		require.NoError(t, err)
		assert.Equal(t, "20", pools[0].String())
		for _, who := range []string{Investor, Other} {
			pos, err := store.GetPosition(ctx, bet.ID, 0, who)
			require.NoError(t, err)
			assert.Equal(t, "10", pos.Amount.String())
		}
	})

	t.Run("ListBetsPaginates", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := store.CreateBet(ctx, "", SampleBet())
			require.NoError(t, err)
		}
		page, err := store.ListBets(ctx, domain.ListOpts{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(1), page[0].ID)
		assert.Equal(t, uint64(2), page[1].ID)
	})

	t.Run("ListPositionsByInvestorFiltersByTime", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		bet, err := store.CreateBet(ctx, "", SampleBet())
		require.NoError(t, err)

		base := SampleBet().CreatedAt
		for outcome := 0; outcome < 3; outcome++ {
			at := base.Add(time.Duration(outcome) * 10 * time.Minute)
			_, err = store.Mutate(ctx, "", bet.ID, Investor, stakeAt(outcome, int64(outcome+1), at))
			require.NoError(t, err)
		}

		since := base.Add(10 * time.Minute)
		until := base.Add(20 * time.Minute)
		got, err := store.ListPositionsByInvestor(ctx, Investor, domain.ListOpts{Since: &since})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 1, got[0].Outcome)
		assert.Equal(t, 2, got[1].Outcome)

		got, err = store.ListPositionsByInvestor(ctx, Investor, domain.ListOpts{Until: &until})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 0, got[0].Outcome)
		assert.Equal(t, 1, got[1].Outcome)

		got, err = store.ListPositionsByInvestor(ctx, Investor, domain.ListOpts{Since: &since, Until: &until})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 1, got[0].Outcome)
	})

	t.Run("TxIDIsAppliedOnce", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		bet, err := store.CreateBet(ctx, "tx-create", SampleBet())
		require.NoError(t, err)
		_, err = store.CreateBet(ctx, "tx-create", SampleBet())
		assert.ErrorIs(t, err, domain.ErrAlreadyApplied)

		_, err = store.Mutate(ctx, "tx-stake", bet.ID, Investor, addStake(0, 10))
		require.NoError(t, err)
		called := false
		_, err = store.Mutate(ctx, "tx-stake", bet.ID, Investor, func(s *domain.BetState) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, domain.ErrAlreadyApplied)
		assert.False(t, called, "a recorded tx must not run again")

		pools, err := store.GetPools(ctx, bet.ID)
		require.NoError(t, err)
		assert.Equal(t, "10", pools[0].String())

		rec, err := store.AppliedTx(ctx, "tx-stake")
		require.NoError(t, err)
		assert.Equal(t, bet.ID, rec.BetID)
		rec, err = store.AppliedTx(ctx, "tx-create")
		require.NoError(t, err)
		assert.Equal(t, bet.ID, rec.BetID)

		_, err = store.AppliedTx(ctx, "tx-unknown")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		// A failed mutation records nothing and may be retried.
		_, err = store.Mutate(ctx, "tx-failed", bet.ID, Investor, func(*domain.BetState) error { return errAbort })
		require.ErrorIs(t, err, errAbort)
		_, err = store.Mutate(ctx, "tx-failed", bet.ID, Investor, addStake(0, 5))
		require.NoError(t, err)
	})
}
