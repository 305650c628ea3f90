package txpool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/ledger"
	"github.com/alanyoungcy/betledger/internal/store/memory"
	"github.com/alanyoungcy/betledger/internal/store/storetest"
)

type fakeApplier struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(tx domain.PendingTx, call int) (domain.Result, error)
}

func (f *fakeApplier) ApplyCommand(_ context.Context, tx domain.PendingTx) (domain.Result, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[tx.TxID]++
	call := f.calls[tx.TxID]
	f.mu.Unlock()
	return f.fn(tx, call)
}

func (f *fakeApplier) count(txID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[txID]
}

func newTestPool(t *testing.T, applier Applier) (*Pool, *memory.TxQueue) {
	t.Helper()
	queue := memory.NewTxQueue(16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(queue, memory.NewReceiptStore(), applier, Config{
		Workers:      2,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return p, queue
}

func awaitReceipt(t *testing.T, p *Pool, txID string) domain.Receipt {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := p.Await(ctx, txID)
	require.NoError(t, err)
	return r
}

func investCmd() domain.Command {
	return domain.Command{
		Type:    domain.CommandInvest,
		Caller:  "0x00000000000000000000000000000000000000A1",
		BetID:   3,
		Outcome: 1,
		Amount:  big.NewInt(10),
	}
}

func TestSubmitConfirms(t *testing.T) {
	applier := &fakeApplier{fn: func(tx domain.PendingTx, _ int) (domain.Result, error) {
		return domain.Result{BetID: tx.Command.BetID, Payout: big.NewInt(42)}, nil
	}}
	p, _ := newTestPool(t, applier)

	pending, err := p.Submit(context.Background(), investCmd())
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, pending.Status)
	assert.NotEmpty(t, pending.TxID)

	r := awaitReceipt(t, p, pending.TxID)
	assert.Equal(t, domain.TxConfirmed, r.Status)
	assert.Equal(t, uint64(3), r.BetID)
	require.NotNil(t, r.Payout)
	assert.Equal(t, "42", r.Payout.String())
	require.NotNil(t, r.ResolvedAt)
	assert.Equal(t, 1, applier.count(pending.TxID))
}

func TestSubmitRejectsWithKind(t *testing.T) {
	applier := &fakeApplier{fn: func(domain.PendingTx, int) (domain.Result, error) {
		return domain.Result{}, domain.ErrInvestmentWindowClosed
	}}
	p, _ := newTestPool(t, applier)

	pending, err := p.Submit(context.Background(), investCmd())
	require.NoError(t, err)

	r := awaitReceipt(t, p, pending.TxID)
	assert.Equal(t, domain.TxRejected, r.Status)
	assert.Equal(t, domain.KindPhase, r.ErrorKind)
	assert.Equal(t, "investment_window_closed", r.ErrorCode)
	assert.Equal(t, 1, applier.count(pending.TxID), "phase errors are not retried")
}

func TestTransportErrorsAreRetried(t *testing.T) {
	applier := &fakeApplier{fn: func(tx domain.PendingTx, call int) (domain.Result, error) {
		if call < 3 {
			return domain.Result{}, errors.New("connection reset")
		}
		return domain.Result{BetID: tx.Command.BetID}, nil
	}}
	p, _ := newTestPool(t, applier)

	pending, err := p.Submit(context.Background(), investCmd())
	require.NoError(t, err)

	r := awaitReceipt(t, p, pending.TxID)
	assert.Equal(t, domain.TxConfirmed, r.Status)
	assert.Equal(t, 3, applier.count(pending.TxID))
}

func TestRetriesAreBounded(t *testing.T) {
	applier := &fakeApplier{fn: func(domain.PendingTx, int) (domain.Result, error) {
		return domain.Result{}, domain.ErrMetadataUnavailable
	}}
	p, _ := newTestPool(t, applier)

	pending, err := p.Submit(context.Background(), investCmd())
	require.NoError(t, err)

	r := awaitReceipt(t, p, pending.TxID)
	assert.Equal(t, domain.TxRejected, r.Status)
	assert.Equal(t, domain.KindTransport, r.ErrorKind)
	assert.Equal(t, 3, applier.count(pending.TxID))
}

func TestRedeliveryIsAppliedOnce(t *testing.T) {
	applier := &fakeApplier{fn: func(tx domain.PendingTx, _ int) (domain.Result, error) {
		return domain.Result{BetID: tx.Command.BetID}, nil
	}}
	p, queue := newTestPool(t, applier)

	pending, err := p.Submit(context.Background(), investCmd())
	require.NoError(t, err)
	awaitReceipt(t, p, pending.TxID)

	require.NoError(t, queue.Enqueue(context.Background(), domain.PendingTx{TxID: pending.TxID, Command: investCmd()}))
	require.Eventually(t, func() bool { return queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, applier.count(pending.TxID))
}

// ackLossStore commits the first mutation and then reports a failure, the
// way a dropped connection looks after the database applied the commit.
type ackLossStore struct {
	*memory.LedgerStore
	mu      sync.Mutex
	dropped bool
}

func (s *ackLossStore) Mutate(ctx context.Context, txID string, betID uint64, investor string, fn domain.MutateFunc) (*domain.BetState, error) {
	state, err := s.LedgerStore.Mutate(ctx, txID, betID, investor, fn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil && !s.dropped {
		s.dropped = true
		return nil, errors.New("commit: connection reset by peer")
	}
	return state, err
}

type ledgerApplier struct{ l *ledger.Ledger }

func (a ledgerApplier) ApplyCommand(ctx context.Context, tx domain.PendingTx) (domain.Result, error) {
	return a.l.Apply(ctx, tx.TxID, tx.Command)
}

func TestRetryAfterLostCommitIsNotAppliedTwice(t *testing.T) {
	ctx := context.Background()
	store := &ackLossStore{LedgerStore: memory.NewLedgerStore()}
	bet := storetest.SampleBet()
	_, err := store.CreateBet(ctx, "", bet)
	require.NoError(t, err)
	l := ledger.New(store, ledger.ClockFunc(func() time.Time { return bet.CreatedAt }))
	p, _ := newTestPool(t, ledgerApplier{l})

	cmd := domain.Command{
		Type:    domain.CommandInvest,
		Caller:  storetest.Investor,
		BetID:   0,
		Outcome: 1,
		Amount:  big.NewInt(10),
	}
	pending, err := p.Submit(ctx, cmd)
	require.NoError(t, err)

	r := awaitReceipt(t, p, pending.TxID)
	assert.Equal(t, domain.TxConfirmed, r.Status)

	pools, err := store.GetPools(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "10", pools[1].String())
	who, err := ledger.CanonicalAddress(storetest.Investor)
	require.NoError(t, err)
	pos, err := store.GetPosition(ctx, 0, 1, who)
	require.NoError(t, err)
	assert.Equal(t, "10", pos.Amount.String())
}

func TestSubmitRejectsUnknownCommand(t *testing.T) {
	p := New(memory.NewTxQueue(1), memory.NewReceiptStore(), nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := p.Submit(context.Background(), domain.Command{Type: "transfer"})
	assert.ErrorIs(t, err, domain.ErrUnknownCommand)
}

func TestSubmitFailsWhenQueueFull(t *testing.T) {
	p := New(memory.NewTxQueue(1), memory.NewReceiptStore(), nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	_, err := p.Submit(ctx, investCmd())
	require.NoError(t, err)
	_, err = p.Submit(ctx, investCmd())
	require.ErrorIs(t, err, domain.ErrSubmitFailed)
	assert.True(t, domain.Retryable(err))
}

func TestAwaitTimesOutPending(t *testing.T) {
	p := New(memory.NewTxQueue(1), memory.NewReceiptStore(), nil, Config{PollInterval: time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pending, err := p.Submit(context.Background(), investCmd())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r, err := p.Await(ctx, pending.TxID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.TxPending, r.Status)
}

func TestRunRequiresApplier(t *testing.T) {
	p := New(memory.NewTxQueue(1), memory.NewReceiptStore(), nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, p.Run(context.Background()))
}

func TestDedup(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	d.Forget("a")
	assert.False(t, d.Seen("a"))

	now = now.Add(2 * time.Minute)
	assert.False(t, d.Seen("a"), "expired ids are fresh again")
	d.Cleanup()
	assert.Len(t, d.seen, 1)
}
