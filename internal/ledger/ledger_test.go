package ledger_test

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
	"github.com/alanyoungcy/betledger/internal/ledger"
	"github.com/alanyoungcy/betledger/internal/store/memory"
)

const (
	creator   = "0xabcdef0000000000000000000000000000000001"
	investorA = "0x000000000000000000000000000000000000000a"
	investorB = "0x000000000000000000000000000000000000000b"
	investorC = "0x000000000000000000000000000000000000000c"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var (
	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour) // investment deadline
	t2 = t0.Add(48 * time.Hour) // settlement deadline
)

func newLedger(t *testing.T) (*ledger.Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	return ledger.New(memory.NewLedgerStore(), clock), clock
}

func yesNoDraft() domain.BetDraft {
	return domain.BetDraft{
		Title:              "Will it rain?",
		Description:        "Resolves on the weather service report",
		Outcomes:           []string{"Yes", "No"},
		InvestmentDeadline: t1,
		SettlementDeadline: t2,
		ExternalRef:        "bets/abc.json",
	}
}

func wei(n int64) *big.Int { return big.NewInt(n) }

func TestCreateBet_StartsOpenAndAdvancesNextID(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	before, err := l.NextBetID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), before)

	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), bet.ID)
	assert.False(t, bet.Settled)

	phase, err := l.Phase(ctx, bet.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseOpen, phase)

	after, err := l.NextBetID(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	second, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.ID)
}

func TestCreateBet_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *domain.BetDraft)
		caller string
		want   error
	}{
		{"one outcome", func(d *domain.BetDraft) { d.Outcomes = []string{"Yes"} }, creator, domain.ErrTooFewOutcomes},
		{"eleven outcomes", func(d *domain.BetDraft) {
			d.Outcomes = []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"}
		}, creator, domain.ErrTooManyOutcomes},
		{"blank outcome", func(d *domain.BetDraft) { d.Outcomes = []string{"Yes", "  "} }, creator, domain.ErrEmptyOutcome},
		{"blank title", func(d *domain.BetDraft) { d.Title = "" }, creator, domain.ErrEmptyTitle},
		{"equal deadlines", func(d *domain.BetDraft) { d.SettlementDeadline = d.InvestmentDeadline }, creator, domain.ErrInvalidDeadlineOrder},
		{"reversed deadlines", func(d *domain.BetDraft) { d.SettlementDeadline = t0.Add(time.Hour) }, creator, domain.ErrInvalidDeadlineOrder},
		{"deadline now", func(d *domain.BetDraft) { d.InvestmentDeadline = t0 }, creator, domain.ErrDeadlineInPast},
		{"deadline past", func(d *domain.BetDraft) { d.InvestmentDeadline = t0.Add(-time.Minute) }, creator, domain.ErrDeadlineInPast},
		{"bad caller", func(d *domain.BetDraft) {}, "not-an-address", domain.ErrInvalidAddress},
		{"declared creator differs", func(d *domain.BetDraft) { d.Creator = investorA }, creator, domain.ErrCallerMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newLedger(t)
			ctx := context.Background()
			d := yesNoDraft()
			tt.mutate(&d)

			_, err := l.CreateBet(ctx, tt.caller, d)
			require.ErrorIs(t, err, tt.want)

			next, err := l.NextBetID(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), next, "rejected create must not consume an id")
		})
	}
}

func TestCreateBet_DuplicateLabelsAllowed(t *testing.T) {
	l, _ := newLedger(t)
	d := yesNoDraft()
	d.Outcomes = []string{"Maybe", "Maybe"}
	_, err := l.CreateBet(context.Background(), creator, d)
	require.NoError(t, err)
}

func TestInvest_PoolsEqualPositionSums(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)

	steps := []struct {
		who     string
		outcome int
		amount  int64
	}{
		{investorA, 0, 100},
		{investorB, 1, 300},
		{investorA, 0, 50},
		{investorC, 1, 7},
		{investorA, 1, 1},
	}
	for _, s := range steps {
		_, err := l.Invest(ctx, bet.ID, s.outcome, s.who, wei(s.amount))
		require.NoError(t, err)

		pools, err := l.GetPools(ctx, bet.ID)
		require.NoError(t, err)
		positionSum := new(big.Int)
		for _, who := range []string{investorA, investorB, investorC} {
			for o := range bet.Outcomes {
				amt, err := l.GetUserInvestment(ctx, bet.ID, o, who)
				require.NoError(t, err)
				positionSum.Add(positionSum, amt)
			}
		}
		assert.Equal(t, 0, ledger.TotalPool(pools).Cmp(positionSum))
	}

	a0, err := l.GetUserInvestment(ctx, bet.ID, 0, investorA)
	require.NoError(t, err)
	assert.Equal(t, "150", a0.String())

	pool1, err := l.GetOutcomePool(ctx, bet.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "308", pool1.String())
}

func TestInvest_AfterDeadlineIsPhaseErrorRegardlessOfInput(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)

	for _, at := range []time.Time{t1, t2, t2.Add(time.Hour)} {
		clock.Set(at)
		for _, tc := range []struct {
			outcome int
			amount  *big.Int
		}{
			{0, wei(10)},
			{5, wei(10)},
			{0, wei(0)},
			{-1, wei(-3)},
		} {
			_, err := l.Invest(ctx, bet.ID, tc.outcome, investorA, tc.amount)
			require.ErrorIs(t, err, domain.ErrInvestmentWindowClosed)
			assert.Equal(t, domain.KindPhase, domain.KindOf(err))
		}
	}
}

func TestInvest_ValidationLeavesStateUntouched(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)
	_, err = l.Invest(ctx, bet.ID, 0, investorA, wei(10))
	require.NoError(t, err)

	_, err = l.Invest(ctx, bet.ID, 2, investorA, wei(10))
	require.ErrorIs(t, err, domain.ErrInvalidOutcome)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = l.Invest(ctx, bet.ID, 0, investorA, wei(0))
	require.ErrorIs(t, err, domain.ErrNonPositiveAmount)

	_, err = l.Invest(ctx, bet.ID, 0, investorA, nil)
	require.ErrorIs(t, err, domain.ErrNonPositiveAmount)

	_, err = l.Invest(ctx, 99, 0, investorA, wei(10))
	require.ErrorIs(t, err, domain.ErrNotFound)

	pools, err := l.GetPools(ctx, bet.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", pools[0].String())
	assert.Equal(t, "0", pools[1].String())
}

func TestSettleBet_Rules(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)

	_, err = l.SettleBet(ctx, bet.ID, creator, 0)
	require.ErrorIs(t, err, domain.ErrTooEarly)
	assert.Equal(t, domain.KindPhase, domain.KindOf(err))

	clock.Set(t1)

	_, err = l.SettleBet(ctx, bet.ID, investorA, 0)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, domain.KindAuthorization, domain.KindOf(err))

	_, err = l.SettleBet(ctx, bet.ID, creator, 2)
	require.ErrorIs(t, err, domain.ErrInvalidOutcome)

	phase, err := l.Phase(ctx, bet.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseAwaitingSettlement, phase)

	// Address comparison ignores case.
	settled, err := l.SettleBet(ctx, bet.ID, "0xABCDEF0000000000000000000000000000000001", 1)
	require.NoError(t, err)
	assert.True(t, settled.Settled)
	assert.Equal(t, 1, settled.WinningOutcome)
	require.NotNil(t, settled.SettledAt)

	_, err = l.SettleBet(ctx, bet.ID, creator, 0)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)

	got, err := l.GetBet(ctx, bet.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.WinningOutcome, "winning outcome is immutable")
}

func TestSettleBet_AfterSettlementDeadlineAllowed(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)

	clock.Set(t2.Add(72 * time.Hour))
	_, err = l.SettleBet(ctx, bet.ID, creator, 0)
	require.NoError(t, err)
}

func TestScenario_WinnerTakesWholePool(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)

	_, err = l.Invest(ctx, bet.ID, 0, investorA, wei(100))
	require.NoError(t, err)
	_, err = l.Invest(ctx, bet.ID, 1, investorB, wei(300))
	require.NoError(t, err)

	_, err = l.ClaimRewards(ctx, bet.ID, investorA)
	require.ErrorIs(t, err, domain.ErrNotSettled)

	clock.Set(t1.Add(time.Second))
	_, err = l.SettleBet(ctx, bet.ID, creator, 0)
	require.NoError(t, err)

	payA, err := l.ClaimRewards(ctx, bet.ID, investorA)
	require.NoError(t, err)
	assert.Equal(t, "400", payA.String())

	payB, err := l.ClaimRewards(ctx, bet.ID, investorB)
	require.NoError(t, err)
	assert.Equal(t, "0", payB.String())

	again, err := l.ClaimRewards(ctx, bet.ID, investorA)
	require.NoError(t, err)
	assert.Equal(t, "0", again.String())

	// Recorded pools are not reduced by payouts.
	pool0, err := l.GetOutcomePool(ctx, bet.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "100", pool0.String())

	got, err := l.GetBet(ctx, bet.ID)
	require.NoError(t, err)
	assert.Equal(t, "400", got.PaidOut.String())
}

func TestScenario_EmptyWinningPoolPaysNothing(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)

	_, err = l.Invest(ctx, bet.ID, 1, investorA, wei(100))
	require.NoError(t, err)
	_, err = l.Invest(ctx, bet.ID, 1, investorB, wei(300))
	require.NoError(t, err)

	clock.Set(t1)
	_, err = l.SettleBet(ctx, bet.ID, creator, 0)
	require.NoError(t, err)

	for _, who := range []string{investorA, investorB, investorC} {
		pay, err := l.ClaimRewards(ctx, bet.ID, who)
		require.NoError(t, err)
		assert.Equal(t, "0", pay.String())
	}

	sum, err := l.Summary(ctx, bet.ID)
	require.NoError(t, err)
	assert.Equal(t, "400", sum.TotalPool.String())
	assert.Equal(t, "0", sum.WinningPool.String())
	assert.Equal(t, "400", sum.Dust.String())
}

func TestClaimRewards_NoInvestmentIsZero(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)
	_, err = l.Invest(ctx, bet.ID, 0, investorA, wei(5))
	require.NoError(t, err)

	clock.Set(t1)
	_, err = l.SettleBet(ctx, bet.ID, creator, 0)
	require.NoError(t, err)

	pay, err := l.ClaimRewards(ctx, bet.ID, investorC)
	require.NoError(t, err)
	assert.Equal(t, 0, pay.Sign())
}

func TestClaimRewards_HedgedInvestorGetsOnlyWinningShare(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)

	_, err = l.Invest(ctx, bet.ID, 0, investorA, wei(100))
	require.NoError(t, err)
	_, err = l.Invest(ctx, bet.ID, 1, investorA, wei(100))
	require.NoError(t, err)
	_, err = l.Invest(ctx, bet.ID, 0, investorB, wei(100))
	require.NoError(t, err)

	clock.Set(t1)
	_, err = l.SettleBet(ctx, bet.ID, creator, 0)
	require.NoError(t, err)

	pay, err := l.ClaimRewards(ctx, bet.ID, investorA)
	require.NoError(t, err)
	assert.Equal(t, "150", pay.String())

	positions, err := l.PositionsByInvestor(ctx, investorA, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, positions, 2)
	for _, p := range positions {
		assert.True(t, p.Claimed)
	}
	assert.Equal(t, "150", positions[0].Payout.String())
	assert.Equal(t, "0", positions[1].Payout.String())
}

func TestSummary_ReportsTruncationDust(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)

	for _, who := range []string{investorA, investorB, investorC} {
		_, err := l.Invest(ctx, bet.ID, 0, who, wei(1))
		require.NoError(t, err)
	}
	_, err = l.Invest(ctx, bet.ID, 1, creator, wei(1))
	require.NoError(t, err)

	clock.Set(t1)
	_, err = l.SettleBet(ctx, bet.ID, creator, 0)
	require.NoError(t, err)

	sum, err := l.Summary(ctx, bet.ID)
	require.NoError(t, err)
	assert.Equal(t, "4", sum.TotalPool.String())
	assert.Equal(t, "3", sum.WinningPool.String())
	assert.Equal(t, "3", sum.ProjectedPaid.String())
	assert.Equal(t, "1", sum.Dust.String())

	total := new(big.Int)
	for _, who := range []string{investorA, investorB, investorC} {
		pay, err := l.ClaimRewards(ctx, bet.ID, who)
		require.NoError(t, err)
		assert.Equal(t, "1", pay.String())
		total.Add(total, pay)
	}
	assert.Equal(t, sum.ProjectedPaid.String(), total.String())
}

func TestInvest_ConcurrentInvestmentsAreAllCounted(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)

	investors := []string{investorA, investorB, investorC}
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Invest(ctx, bet.ID, 0, investors[i%3], wei(1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pool, err := l.GetOutcomePool(ctx, bet.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "60", pool.String())
	for _, who := range investors {
		amt, err := l.GetUserInvestment(ctx, bet.ID, 0, who)
		require.NoError(t, err)
		assert.Equal(t, "20", amt.String())
	}
}

func TestApply_Dispatch(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	d := yesNoDraft()

	res, err := l.Apply(ctx, "tx-1", domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: &d})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.BetID)

	_, err = l.Apply(ctx, "tx-2", domain.Command{Type: domain.CommandInvest, Caller: investorA, BetID: 0, Outcome: 1, Amount: wei(9)})
	require.NoError(t, err)

	clock.Set(t1)
	_, err = l.Apply(ctx, "tx-3", domain.Command{Type: domain.CommandSettleBet, Caller: creator, BetID: 0, Outcome: 1})
	require.NoError(t, err)

	res, err = l.Apply(ctx, "tx-4", domain.Command{Type: domain.CommandClaimRewards, Caller: investorA, BetID: 0})
	require.NoError(t, err)
	assert.Equal(t, "9", res.Payout.String())

	_, err = l.Apply(ctx, "tx-5", domain.Command{Type: "cancel_bet", Caller: creator})
	require.ErrorIs(t, err, domain.ErrUnknownCommand)

	_, err = l.Apply(ctx, "tx-6", domain.Command{Type: domain.CommandCreateBet, Caller: creator})
	require.ErrorIs(t, err, domain.ErrMissingDraft)
}

func TestReads_UnknownBetAndOutcome(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.GetBet(ctx, 3)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	bet, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)

	_, err = l.GetOutcomePool(ctx, bet.ID, 2)
	require.ErrorIs(t, err, domain.ErrInvalidOutcome)

	_, err = l.GetUserInvestment(ctx, bet.ID, -1, investorA)
	require.ErrorIs(t, err, domain.ErrInvalidOutcome)

	amt, err := l.GetUserInvestment(ctx, bet.ID, 1, investorA)
	require.NoError(t, err)
	assert.Equal(t, 0, amt.Sign())
}

func TestApply_ReplayReturnsRecordedResult(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	d := yesNoDraft()

	created, err := l.Apply(ctx, "create", domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: &d})
	require.NoError(t, err)
	again, err := l.Apply(ctx, "create", domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: &d})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, created.BetID, again.BetID)
	next, err := l.NextBetID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)

	invest := domain.Command{Type: domain.CommandInvest, Caller: investorA, BetID: 0, Outcome: 1, Amount: wei(9)}
	_, err = l.Apply(ctx, "invest", invest)
	require.NoError(t, err)

	// The replay arrives after the window closed and still confirms.
	clock.Set(t1)
	res, err := l.Apply(ctx, "invest", invest)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	pool, err := l.GetOutcomePool(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "9", pool.String())

	_, err = l.SettleBet(ctx, 0, creator, 1)
	require.NoError(t, err)
	claim := domain.Command{Type: domain.CommandClaimRewards, Caller: investorA, BetID: 0}
	first, err := l.Apply(ctx, "claim", claim)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	second, err := l.Apply(ctx, "claim", claim)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, "9", second.Payout.String())
}

// lostAckStore commits a mutation and then reports a failure, as when the
// connection drops after the database applied the commit.
type lostAckStore struct {
	*memory.LedgerStore
	mu   sync.Mutex
	drop int
}

func (s *lostAckStore) Mutate(ctx context.Context, txID string, betID uint64, investor string, fn domain.MutateFunc) (*domain.BetState, error) {
	state, err := s.LedgerStore.Mutate(ctx, txID, betID, investor, fn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil && s.drop > 0 {
		s.drop--
		return nil, errors.New("commit: connection reset by peer")
	}
	return state, err
}

func TestApply_RetryAfterLostCommitAckDoesNotDoubleStake(t *testing.T) {
	store := &lostAckStore{LedgerStore: memory.NewLedgerStore(), drop: 1}
	clock := &fakeClock{now: t0}
	l := ledger.New(store, clock)
	ctx := context.Background()

	_, err := l.CreateBet(ctx, creator, yesNoDraft())
	require.NoError(t, err)

	invest := domain.Command{Type: domain.CommandInvest, Caller: investorA, BetID: 0, Outcome: 0, Amount: wei(5)}
	_, err = l.Apply(ctx, "tx-lost", invest)
	require.Error(t, err)
	assert.True(t, domain.Retryable(err))

	res, err := l.Apply(ctx, "tx-lost", invest)
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	pool, err := l.GetOutcomePool(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "5", pool.String())
	amt, err := l.GetUserInvestment(ctx, 0, 0, investorA)
	require.NoError(t, err)
	assert.Equal(t, "5", amt.String())
}
