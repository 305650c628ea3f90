// Package ws streams ledger events and transaction resolutions to websocket
// clients.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// backfillLimit caps how many stream entries a reconnecting client gets.
	backfillLimit = 500

	frameTxResolved = "tx_resolved"
)

// hubChannels are the bus channels bridged to clients.
var hubChannels = []string{domain.ChannelLedgerEvents, domain.ChannelTxReceipts}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is the envelope every message to a client is wrapped in.
type Frame struct {
	Channel  string          `json:"channel"`
	Type     string          `json:"type"`
	StreamID string          `json:"stream_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// outbound is one broadcast, encoded lazily per wire format.
type outbound struct {
	channel string
	betID   uint64
	hasBet  bool
	text    []byte

	once   sync.Once
	binary []byte
}

func (o *outbound) binaryFrame() []byte {
	o.once.Do(func() {
		b, err := EncodeBinary(o.text)
		if err == nil {
			o.binary = b
		}
	})
	return o.binary
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	binary bool

	mu   sync.RWMutex
	subs map[string]bool
	bets map[uint64]bool // empty means every bet
}

// subscribeMsg manages a client's filters:
// {"action":"subscribe","channels":["ledger:events"],"bets":[3]}
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Bets     []uint64 `json:"bets"`
}

// Hub fans bus messages out to connected clients.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan *outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	logger     *slog.Logger
	startedAt  time.Time
}

// NewHub creates a hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan *outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger,
		startedAt:  time.Now().UTC(),
	}
}

// Run subscribes to the bus and serves clients until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range hubChannels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			return err
		}
		go h.forward(ctx, ch, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			metrics.WSClients.Set(0)
			close(h.done)
			return ctx.Err()

		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WSClients.Set(float64(len(h.clients)))
			h.logger.Debug("ws: client connected", slog.Int("total_clients", len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			metrics.WSClients.Set(float64(len(h.clients)))
			h.logger.Debug("ws: client disconnected", slog.Int("total_clients", len(h.clients)))

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(msg) {
					continue
				}
				data := msg.text
				if c.binary {
					if data = msg.binaryFrame(); data == nil {
						continue
					}
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
		}
	}
}

func (h *Hub) forward(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				return
			}
			out, err := newOutbound(channel, "", payload)
			if err != nil {
				h.logger.Warn("ws: undecodable bus message",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case h.broadcast <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

// newOutbound wraps a bus payload in a Frame. Ledger event payloads are
// event JSON; receipt payloads are bare transaction ids.
func newOutbound(channel, streamID string, payload []byte) (*outbound, error) {
	out := &outbound{channel: channel}
	frame := Frame{Channel: channel, StreamID: streamID}

	switch channel {
	case domain.ChannelTxReceipts:
		data, err := json.Marshal(map[string]string{"tx_id": string(payload)})
		if err != nil {
			return nil, err
		}
		frame.Type = frameTxResolved
		frame.Data = data
	default:
		var ev domain.LedgerEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		frame.Type = string(ev.Type)
		frame.Data = payload
		out.betID = ev.BetID
		out.hasBet = true
	}

	text, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	out.text = text
	return out, nil
}

// EncodeBinary converts a JSON frame to a protobuf google.protobuf.Struct.
// Integers beyond float64 precision, such as wei amounts, become strings.
func EncodeBinary(text []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(normalizeNumbers(m).(map[string]any))
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil && math.Abs(float64(i)) <= 1<<53 {
			return float64(i)
		}
		if strings.ContainsAny(t.String(), ".eE") {
			if f, err := t.Float64(); err == nil {
				return f
			}
		}
		return t.String()
	default:
		return v
	}
}

// HandleWS upgrades the connection and registers the client.
// GET /ws?format=binary&bets=1,2&since=<stream id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bets, err := parseBetList(q.Get("bets"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		binary: q.Get("format") == "binary",
		subs:   make(map[string]bool, len(hubChannels)),
		bets:   bets,
	}
	for _, ch := range hubChannels {
		c.subs[ch] = true
	}

	c.sendHello()
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Registered first so events published while the log is read reach the
	// live buffer. The replay may repeat some of them.
	var replay [][]byte
	if since := q.Get("since"); since != "" {
		replay = h.backfill(r.Context(), c, since)
	}

	go c.writePump(replay)
	go c.readPump()
}

// backfill returns the logged ledger events after since, encoded for c, so
// a reconnecting client can catch up.
func (h *Hub) backfill(ctx context.Context, c *client, since string) [][]byte {
	msgs, err := h.bus.StreamRead(ctx, domain.StreamLedgerEvents, since, backfillLimit)
	if err != nil {
		h.logger.Warn("ws: backfill failed", slog.String("error", err.Error()))
		return nil
	}
	frames := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		out, err := newOutbound(domain.ChannelLedgerEvents, m.ID, m.Payload)
		if err != nil || !c.wants(out) {
			continue
		}
		data := out.text
		if c.binary {
			if data = out.binaryFrame(); data == nil {
				continue
			}
		}
		frames = append(frames, data)
	}
	return frames
}

func parseBetList(s string) (map[uint64]bool, error) {
	bets := make(map[uint64]bool)
	if s == "" {
		return bets, nil
	}
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		bets[id] = true
	}
	return bets, nil
}

func (c *client) wants(msg *outbound) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.subs[msg.channel] {
		return false
	}
	if msg.hasBet && len(c.bets) > 0 {
		return c.bets[msg.betID]
	}
	return true
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
		for _, id := range msg.Bets {
			c.bets[id] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
		for _, id := range msg.Bets {
			delete(c.bets, id)
		}
	}
}

// sendHello tells the client the connection is live.
func (c *client) sendHello() {
	data, _ := json.Marshal(map[string]any{
		"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
		"channels":       hubChannels,
	})
	text, err := json.Marshal(Frame{Channel: "control", Type: "hello", Data: data})
	if err != nil {
		return
	}
	if c.binary {
		if text, err = EncodeBinary(text); err != nil {
			return
		}
	}
	select {
	case c.send <- text:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// writePump writes replay ahead of anything queued on c.send. The hello
// frame was queued before registration and still goes out first.
func (c *client) writePump(replay [][]byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.binary {
		msgType = websocket.BinaryMessage
	}

	if len(replay) > 0 {
		select {
		case hello, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, hello); err != nil {
				return
			}
		default:
		}
	}
	for _, message := range replay {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(msgType, message); err != nil {
			return
		}
	}

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
