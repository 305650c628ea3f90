package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/store/memory"
)

func TestNewOutboundWrapsEvents(t *testing.T) {
	payload, err := json.Marshal(domain.LedgerEvent{Type: domain.EventBetSettled, BetID: 12, Timestamp: time.Unix(0, 0).UTC()})
	require.NoError(t, err)

	out, err := newOutbound(domain.ChannelLedgerEvents, "", payload)
	require.NoError(t, err)
	assert.True(t, out.hasBet)
	assert.Equal(t, uint64(12), out.betID)

	var f Frame
	require.NoError(t, json.Unmarshal(out.text, &f))
	assert.Equal(t, "bet_settled", f.Type)

	out, err = newOutbound(domain.ChannelTxReceipts, "", []byte("tx-1"))
	require.NoError(t, err)
	assert.False(t, out.hasBet)
	require.NoError(t, json.Unmarshal(out.text, &f))
	assert.Equal(t, frameTxResolved, f.Type)
	assert.JSONEq(t, `{"tx_id":"tx-1"}`, string(f.Data))

	_, err = newOutbound(domain.ChannelLedgerEvents, "", []byte("not json"))
	assert.Error(t, err)
}

func TestEncodeBinaryPreservesWei(t *testing.T) {
	wei, _ := new(big.Int).SetString("1000000000000000000000", 10)
	payload, err := json.Marshal(domain.LedgerEvent{Type: domain.EventInvested, BetID: 3, Amount: wei})
	require.NoError(t, err)
	out, err := newOutbound(domain.ChannelLedgerEvents, "", payload)
	require.NoError(t, err)

	st := &structpb.Struct{}
	require.NoError(t, proto.Unmarshal(out.binaryFrame(), st))
	data := st.Fields["data"].GetStructValue()
	assert.Equal(t, "1000000000000000000000", data.Fields["amount"].GetStringValue())
	assert.Equal(t, float64(3), data.Fields["bet_id"].GetNumberValue())
}

func TestClientFilters(t *testing.T) {
	c := &client{subs: map[string]bool{domain.ChannelLedgerEvents: true}, bets: map[uint64]bool{}}
	ev := &outbound{channel: domain.ChannelLedgerEvents, betID: 2, hasBet: true}
	receipt := &outbound{channel: domain.ChannelTxReceipts}

	assert.True(t, c.wants(ev))
	assert.False(t, c.wants(receipt))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{domain.ChannelTxReceipts}, Bets: []uint64{7}})
	assert.True(t, c.wants(receipt))
	assert.False(t, c.wants(ev))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Bets: []uint64{7}})
	assert.True(t, c.wants(ev))
}

func TestParseBetList(t *testing.T) {
	bets, err := parseBetList("1, 4,9")
	require.NoError(t, err)
	assert.Equal(t, map[uint64]bool{1: true, 4: true, 9: true}, bets)

	_, err = parseBetList("1,x")
	assert.Error(t, err)
}

// lateBus publishes a live event right after the event log is read, the
// window a reconnecting client spends catching up.
type lateBus struct {
	*memory.SignalBus
	live []byte
}

func (b *lateBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	msgs, err := b.SignalBus.StreamRead(ctx, stream, lastID, count)
	if err == nil && b.live != nil {
		err = b.Publish(ctx, domain.ChannelLedgerEvents, b.live)
		b.live = nil
	}
	return msgs, err
}

func TestBackfillDoesNotLoseEventsPublishedMeanwhile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logged, err := json.Marshal(domain.LedgerEvent{Type: domain.EventInvested, BetID: 1, Amount: big.NewInt(1), Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	live, err := json.Marshal(domain.LedgerEvent{Type: domain.EventInvested, BetID: 2, Amount: big.NewInt(2), Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	bus := &lateBus{SignalBus: memory.NewSignalBus(), live: live}
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamLedgerEvents, logged))

	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?since=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "hello", f.Type)

	require.NoError(t, conn.ReadJSON(&f))
	assert.NotEmpty(t, f.StreamID, "replayed frames carry their stream id")
	var ev domain.LedgerEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, uint64(1), ev.BetID)

	f = Frame{}
	require.NoError(t, conn.ReadJSON(&f))
	assert.Empty(t, f.StreamID)
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, uint64(2), ev.BetID)
}
