package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/ledger"
	"github.com/alanyoungcy/betledger/internal/metadata"
	"github.com/alanyoungcy/betledger/internal/notify"
	"github.com/alanyoungcy/betledger/internal/store/memory"
)

const (
	creator  = "0xAbCdEf0000000000000000000000000000000001"
	investor = "0x000000000000000000000000000000000000000A"
)

var (
	t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (s *recordingSender) Send(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) Name() string { return "recording" }

type fixture struct {
	svc      *BetService
	clock    *testClock
	meta     *metadata.Store
	blobs    *memory.BlobStore
	bus      *memory.SignalBus
	audit    *memory.AuditStore
	cache    *memory.BetCache
	notifier *notify.Notifier
	locks    *memory.LockManager
	seq      int
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: &testClock{now: t0},
		blobs: memory.NewBlobStore(),
		bus:   memory.NewSignalBus(),
		audit: memory.NewAuditStore(),
		cache: memory.NewBetCache(16, time.Minute),
		locks: memory.NewLockManager(),
	}
	f.meta = metadata.NewStore(f.blobs, f.blobs, metadata.Options{Locks: f.locks}, discard())
	f.notifier = notify.NewNotifier([]notify.Sender{&recordingSender{}}, nil, discard())
	l := ledger.New(memory.NewLedgerStore(), f.clock)
	f.svc = NewBetService(l, f.meta, f.cache, f.bus, f.audit, f.notifier, discard())
	return f
}

func (f *fixture) draft(t *testing.T) *domain.BetDraft {
	t.Helper()
	d := domain.BetDraft{
		Title:              "Derby",
		Description:        "Who wins",
		Outcomes:           []string{"Home", "Away"},
		InvestmentDeadline: t1,
		SettlementDeadline: t2,
	}
	ref, err := f.meta.Upload(context.Background(), domain.MetadataFromDraft(d))
	require.NoError(t, err)
	d.ExternalRef = ref
	return &d
}

func apply(t *testing.T, f *fixture, cmd domain.Command) (domain.Result, error) {
	t.Helper()
	f.seq++
	txID := fmt.Sprintf("tx-%d-%s", f.seq, cmd.Type)
	return f.svc.ApplyCommand(context.Background(), domain.PendingTx{TxID: txID, Command: cmd})
}

func auditEvents(t *testing.T, f *fixture) []string {
	t.Helper()
	entries, err := f.audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Event)
	}
	return out
}

func TestApplyCommandLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	events, err := f.bus.Subscribe(ctx, domain.ChannelLedgerEvents)
	require.NoError(t, err)

	res, err := apply(t, f, domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: f.draft(t)})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.BetID)

	var ev domain.LedgerEvent
	require.NoError(t, json.Unmarshal(<-events, &ev))
	assert.Equal(t, domain.EventBetCreated, ev.Type)
	assert.Equal(t, "Derby", ev.Title)

	_, err = apply(t, f, domain.Command{Type: domain.CommandInvest, Caller: investor, BetID: 0, Outcome: 1, Amount: big.NewInt(7)})
	require.NoError(t, err)
	_, err = apply(t, f, domain.Command{Type: domain.CommandInvest, Caller: creator, BetID: 0, Outcome: 0, Amount: big.NewInt(3)})
	require.NoError(t, err)

	f.clock.Set(t1)
	_, err = apply(t, f, domain.Command{Type: domain.CommandSettleBet, Caller: creator, BetID: 0, Outcome: 1})
	require.NoError(t, err)

	res, err = apply(t, f, domain.Command{Type: domain.CommandClaimRewards, Caller: investor, BetID: 0})
	require.NoError(t, err)
	assert.Equal(t, "10", res.Payout.String())

	assert.Equal(t, []string{"rewards.claimed", "bet.settled", "bet.invested", "bet.invested", "bet.created"}, auditEvents(t, f))

	msgs, err := f.bus.StreamRead(ctx, domain.StreamLedgerEvents, "0", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
}

func TestSettlementAuditsDust(t *testing.T) {
	f := newFixture(t)
	_, err := apply(t, f, domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: f.draft(t)})
	require.NoError(t, err)
	for _, who := range []string{investor, creator, "0x000000000000000000000000000000000000000B"} {
		_, err = apply(t, f, domain.Command{Type: domain.CommandInvest, Caller: who, BetID: 0, Outcome: 0, Amount: big.NewInt(1)})
		require.NoError(t, err)
	}
	_, err = apply(t, f, domain.Command{Type: domain.CommandInvest, Caller: investor, BetID: 0, Outcome: 1, Amount: big.NewInt(1)})
	require.NoError(t, err)

	f.clock.Set(t1)
	_, err = apply(t, f, domain.Command{Type: domain.CommandSettleBet, Caller: creator, BetID: 0, Outcome: 0})
	require.NoError(t, err)

	entries, err := f.audit.List(context.Background(), domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bet.settled", entries[0].Event)
	// 4 staked, 3 on the winner: each winner gets 4*1/3 = 1, leaving 1 wei.
	assert.Equal(t, "1", entries[0].Detail["dust"])
	assert.Equal(t, "4", entries[0].Detail["total_pool"])
}

func TestCreateBetRequiresStoredMetadata(t *testing.T) {
	f := newFixture(t)
	d := f.draft(t)

	missing := *d
	missing.ExternalRef = "0x" + strings.Repeat("ab", 32)
	_, err := apply(t, f, domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: &missing})
	assert.ErrorIs(t, err, domain.ErrUnknownExternalRef)

	empty := *d
	empty.ExternalRef = ""
	_, err = apply(t, f, domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: &empty})
	assert.ErrorIs(t, err, domain.ErrUnknownExternalRef)

	next, err := f.svc.NextBetID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next, "rejected creates leave no bet behind")
	assert.Contains(t, auditEvents(t, f), "tx.rejected")
}

func TestRejectionIsBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := apply(t, f, domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: f.draft(t)})
	require.NoError(t, err)

	events, err := f.bus.Subscribe(ctx, domain.ChannelLedgerEvents)
	require.NoError(t, err)

	_, err = apply(t, f, domain.Command{Type: domain.CommandSettleBet, Caller: creator, BetID: 0, Outcome: 0})
	require.ErrorIs(t, err, domain.ErrTooEarly)

	var ev domain.LedgerEvent
	require.NoError(t, json.Unmarshal(<-events, &ev))
	assert.Equal(t, domain.EventTxRejected, ev.Type)
	assert.Equal(t, "tx-2-settle_bet", ev.TxID)
}

func TestTransportFailureIsNotBroadcast(t *testing.T) {
	f := newFixture(t)
	f.svc.metadata = unavailableMetadata{}

	_, err := apply(t, f, domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: &domain.BetDraft{ExternalRef: "0x01"}})
	require.ErrorIs(t, err, domain.ErrMetadataUnavailable)
	assert.Empty(t, auditEvents(t, f))
}

type unavailableMetadata struct{}

func (unavailableMetadata) Upload(context.Context, domain.BetMetadata) (string, error) {
	return "", domain.ErrMetadataUnavailable
}

func (unavailableMetadata) Fetch(context.Context, string) (domain.BetMetadata, error) {
	return domain.BetMetadata{}, domain.ErrMetadataUnavailable
}

func (unavailableMetadata) Exists(context.Context, string) (bool, error) {
	return false, domain.ErrMetadataUnavailable
}

func (unavailableMetadata) Pin(context.Context, string) (func(), error) {
	return func() {}, nil
}

func TestCreateBetWaitsForPinnedReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.draft(t)

	// A sweep holding the reference makes create_bet retryable, not final.
	release, err := f.meta.Pin(ctx, d.ExternalRef)
	require.NoError(t, err)
	_, err = apply(t, f, domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: d})
	require.ErrorIs(t, err, domain.ErrMetadataUnavailable)
	assert.True(t, domain.Retryable(err))
	release()

	res, err := apply(t, f, domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: d})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.BetID)

	// The pin is released once the bet has committed.
	release, err = f.meta.Pin(ctx, d.ExternalRef)
	require.NoError(t, err)
	release()
}

func TestRedeliveredCommandIsConfirmedOnce(t *testing.T) {
	f := newFixture(t)
	_, err := apply(t, f, domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: f.draft(t)})
	require.NoError(t, err)

	tx := domain.PendingTx{
		TxID:    "tx-redelivered",
		Command: domain.Command{Type: domain.CommandInvest, Caller: investor, BetID: 0, Outcome: 1, Amount: big.NewInt(4)},
	}
	_, err = f.svc.ApplyCommand(context.Background(), tx)
	require.NoError(t, err)
	res, err := f.svc.ApplyCommand(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	pool, err := f.svc.OutcomePool(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "4", pool.String())
}

func TestBetViewIsCachedAndInvalidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := apply(t, f, domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: f.draft(t)})
	require.NoError(t, err)

	view, err := f.svc.GetBetView(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "0"}, view.Pools)
	_, err = f.cache.Get(ctx, 0)
	require.NoError(t, err, "view is cached after the first read")

	_, err = apply(t, f, domain.Command{Type: domain.CommandInvest, Caller: investor, BetID: 0, Outcome: 1, Amount: big.NewInt(5)})
	require.NoError(t, err)
	_, err = f.cache.Get(ctx, 0)
	require.ErrorIs(t, err, domain.ErrNotFound)

	view, err = f.svc.GetBetView(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "5"}, view.Pools)
}

func TestBetDetailToleratesMetadataFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := apply(t, f, domain.Command{Type: domain.CommandCreateBet, Caller: creator, Draft: f.draft(t)})
	require.NoError(t, err)

	detail, err := f.svc.GetBetDetail(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseOpen, detail.Phase)
	require.NotNil(t, detail.Metadata)
	assert.Equal(t, "Derby", detail.Metadata.Title)

	f.svc.metadata = unavailableMetadata{}
	detail, err = f.svc.GetBetDetail(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, detail.Metadata)
	assert.NotEmpty(t, detail.MetadataError)
	assert.Equal(t, "Derby", detail.Bet.Title)
}

type mockVerifier struct{ mock.Mock }

func (m *mockVerifier) Verify(ctx context.Context, env domain.Envelope) (domain.Command, error) {
	args := m.Called(ctx, env)
	return args.Get(0).(domain.Command), args.Error(1)
}

type mockSubmitter struct{ mock.Mock }

func (m *mockSubmitter) Submit(ctx context.Context, cmd domain.Command) (domain.Receipt, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(domain.Receipt), args.Error(1)
}

func (m *mockSubmitter) Status(ctx context.Context, txID string) (domain.Receipt, error) {
	args := m.Called(ctx, txID)
	return args.Get(0).(domain.Receipt), args.Error(1)
}

func (m *mockSubmitter) Await(ctx context.Context, txID string) (domain.Receipt, error) {
	args := m.Called(ctx, txID)
	return args.Get(0).(domain.Receipt), args.Error(1)
}

func TestTxServiceSubmit(t *testing.T) {
	env := domain.Envelope{Command: domain.Command{Type: domain.CommandClaimRewards, Caller: investor}, Nonce: "n"}
	verified := env.Command
	pending := domain.Receipt{TxID: "t1", Status: domain.TxPending}

	v := &mockVerifier{}
	v.On("Verify", mock.Anything, env).Return(verified, nil)
	p := &mockSubmitter{}
	p.On("Submit", mock.Anything, verified).Return(pending, nil)

	svc := NewTxService(v, p, memory.NewRateLimiter(1, time.Minute), RateLimit{Limit: 1, Window: time.Minute}, discard())
	got, err := svc.Submit(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, pending, got)

	_, err = svc.Submit(context.Background(), env)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	v.AssertNumberOfCalls(t, "Verify", 1)
	p.AssertExpectations(t)
}

func TestTxServiceRefusesBadEnvelope(t *testing.T) {
	v := &mockVerifier{}
	v.On("Verify", mock.Anything, mock.Anything).Return(domain.Command{}, domain.ErrCallerMismatch)
	p := &mockSubmitter{}

	svc := NewTxService(v, p, nil, RateLimit{}, discard())
	_, err := svc.Submit(context.Background(), domain.Envelope{})
	assert.ErrorIs(t, err, domain.ErrCallerMismatch)
	p.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestTxServiceAwaitReturnsPendingOnTimeout(t *testing.T) {
	pending := domain.Receipt{TxID: "t1", Status: domain.TxPending}
	p := &mockSubmitter{}
	p.On("Await", mock.Anything, "t1").Return(pending, context.DeadlineExceeded).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	})

	svc := NewTxService(&mockVerifier{}, p, nil, RateLimit{}, discard())
	got, err := svc.Await(context.Background(), "t1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, got.Status)

	p2 := &mockSubmitter{}
	p2.On("Await", mock.Anything, "nope").Return(domain.Receipt{}, domain.ErrNotFound)
	svc = NewTxService(&mockVerifier{}, p2, nil, RateLimit{}, discard())
	_, err = svc.Await(context.Background(), "nope", time.Second)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
