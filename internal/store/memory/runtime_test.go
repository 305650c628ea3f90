package memory

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/domain"
)

func TestTxQueue(t *testing.T) {
	q := NewTxQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.PendingTx{TxID: "a"}))
	err := q.Enqueue(ctx, domain.PendingTx{TxID: "b"})
	assert.ErrorIs(t, err, domain.ErrSubmitFailed)
	assert.Equal(t, 1, q.Len())

	tx, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", tx.TxID)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiptStoreKeepsTerminal(t *testing.T) {
	s := NewReceiptStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Put(ctx, domain.Receipt{TxID: "x", Status: domain.TxPending}))
	require.NoError(t, s.Put(ctx, domain.Receipt{TxID: "x", Status: domain.TxConfirmed, Payout: big.NewInt(9)}))
	require.NoError(t, s.Put(ctx, domain.Receipt{TxID: "x", Status: domain.TxPending}))

	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, domain.TxConfirmed, got.Status)
	got.Payout.SetInt64(0)

	again, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "9", again.Payout.String())
}

func TestSignalBusPatterns(t *testing.T) {
	bus := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())

	all, err := bus.Subscribe(ctx, "ledger:*")
	require.NoError(t, err)
	events, err := bus.Subscribe(ctx, domain.ChannelLedgerEvents)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.ChannelTxReceipts, []byte("tx-1")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelLedgerEvents, []byte("ev-1")))

	assert.Equal(t, "tx-1", string(<-all))
	assert.Equal(t, "ev-1", string(<-all))
	assert.Equal(t, "ev-1", string(<-events))

	cancel()
	_, open := <-events
	for open {
		_, open = <-events
	}
}

func TestSignalBusStream(t *testing.T) {
	bus := NewSignalBus()
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "s", []byte(p)))
	}

	first, err := bus.StreamRead(ctx, "s", "0", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", string(first[0].Payload))

	rest, err := bus.StreamRead(ctx, "s", first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", string(rest[0].Payload))
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "k", 2, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "k", 2, time.Second)
	assert.False(t, ok)
	ok, _ = rl.Allow(ctx, "other", 2, time.Second)
	assert.True(t, ok)

	now = now.Add(1100 * time.Millisecond)
	ok, _ = rl.Allow(ctx, "k", 2, time.Second)
	assert.True(t, ok)
}

func TestLockManager(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	lm := NewLockManager()
	lm.now = func() time.Time { return now }
	ctx := context.Background()

	release, err := lm.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	// An expired lock can be taken over; the stale release must not free it.
	now = now.Add(2 * time.Minute)
	second, err := lm.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	release()
	_, err = lm.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	second()
	_, err = lm.Acquire(ctx, "k", time.Minute)
	assert.NoError(t, err)
}

func TestBetCache(t *testing.T) {
	ctx := context.Background()
	c := NewBetCache(2, time.Minute)

	_, err := c.Get(ctx, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)

	view := domain.BetView{Bet: domain.Bet{ID: 1, Title: "t", Outcomes: []string{"a", "b"}}, Pools: []string{"0", "5"}}
	require.NoError(t, c.Set(ctx, view))
	view.Pools[1] = "mutated"

	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "5"}, got.Pools)

	require.NoError(t, c.Invalidate(ctx, 1))
	_, err = c.Get(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
