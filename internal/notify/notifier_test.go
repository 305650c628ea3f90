package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/domain"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier([]Sender{s}, nil, discardLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, domain.LedgerEvent{Type: domain.EventInvested, BetID: 1}))
	assert.Equal(t, 0, s.count(), "investments are not in the default set")

	require.NoError(t, n.Notify(ctx, domain.LedgerEvent{Type: domain.EventBetSettled, BetID: 1, Outcome: 2}))
	assert.Equal(t, 1, s.count())

	only := NewNotifier([]Sender{s}, []string{" invested "}, discardLogger())
	require.NoError(t, only.Notify(ctx, domain.LedgerEvent{Type: domain.EventInvested, Amount: big.NewInt(1)}))
	require.NoError(t, only.Notify(ctx, domain.LedgerEvent{Type: domain.EventBetCreated}))
	assert.Equal(t, 2, s.count())
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	bad := &recordingSender{err: errors.New("boom")}
	good := &recordingSender{}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), domain.LedgerEvent{Type: domain.EventBetCreated})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 sender(s) failed")
	assert.Equal(t, 1, good.count())
}

func TestNotifierRunDeliversQueue(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier([]Sender{s}, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	n.Enqueue(domain.LedgerEvent{Type: domain.EventRewardsClaimed, Amount: big.NewInt(5)})
	n.Enqueue(domain.LedgerEvent{Type: domain.EventInvested})
	require.Eventually(t, func() bool { return s.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDisabledNotifierIsNoop(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	assert.False(t, n.Enabled())
	n.Enqueue(domain.LedgerEvent{Type: domain.EventBetCreated})
	assert.NoError(t, n.Notify(context.Background(), domain.LedgerEvent{Type: domain.EventBetCreated}))
}

func TestRender(t *testing.T) {
	msg := Render(domain.LedgerEvent{
		Type:   domain.EventRewardsClaimed,
		BetID:  4,
		Actor:  "0x00000000000000000000000000000000000000A1",
		Amount: big.NewInt(1_500_000_000_000_000_000),
	})
	assert.Equal(t, "Rewards claimed", msg.Title)
	assert.Equal(t, "1.5 ETH paid out.", msg.Body)
	assert.Equal(t, []Field{
		{Name: "Bet", Value: "#4"},
		{Name: "Account", Value: "0x00000000000000000000000000000000000000A1"},
	}, msg.Fields)

	settled := Render(domain.LedgerEvent{Type: domain.EventBetSettled, BetID: 2, Title: "Final", Outcome: 1, Amount: big.NewInt(3)})
	assert.Equal(t, "Bet #2 Final settled on outcome 1.", settled.Body)
	assert.Contains(t, settled.Fields, Field{Name: "Unclaimable dust (wei)", Value: "3"})
}

func TestDiscordSender(t *testing.T) {
	var got map[string][]discordEmbed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{
		Title:  "Bet settled",
		Body:   "done",
		Fields: []Field{{Name: "Bet", Value: "#1"}},
	})
	require.NoError(t, err)
	require.Len(t, got["embeds"], 1)
	assert.Equal(t, "Bet settled", got["embeds"][0].Title)
	assert.Equal(t, "#1", got["embeds"][0].Fields[0].Value)
}

func TestTelegramSender(t *testing.T) {
	var path string
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), Message{Title: "New <bet>", Body: "a & b"}))

	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>New &lt;bet&gt;</b>\na &amp; b", got["text"])
}

func TestSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}
