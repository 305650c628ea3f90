// Package notify relays ledger events to chat channels. Events are queued
// and delivered by a background loop so a slow webhook never holds up the
// command that produced the event.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/units"
)

// Message is a rendered notification.
type Message struct {
	Title  string
	Body   string
	Fields []Field
}

// Field is a labelled value shown under the message body.
type Field struct {
	Name  string
	Value string
}

// Sender is a notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	// Name identifies the sender in logs, e.g. "telegram".
	Name() string
}

// DefaultEvents are forwarded when no filter is configured.
var DefaultEvents = []domain.EventType{
	domain.EventBetCreated,
	domain.EventBetSettled,
	domain.EventRewardsClaimed,
	domain.EventTxRejected,
}

// Notifier filters ledger events and fans them out to every sender.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	queue   chan domain.LedgerEvent
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only events named in events are
// forwarded; an empty list means DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool)
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	if len(allowed) == 0 {
		for _, e := range DefaultEvents {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan domain.LedgerEvent, 256),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Enqueue schedules ev for delivery. Filtered events and events arriving
// while the queue is full are dropped.
func (n *Notifier) Enqueue(ev domain.LedgerEvent) {
	if !n.Enabled() || !n.events[ev.Type] {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("notification queue full, dropping event",
			slog.String("event", string(ev.Type)),
			slog.Uint64("bet_id", ev.BetID),
		)
	}
}

// Run delivers queued events until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.queue:
			if err := n.Notify(ctx, ev); err != nil {
				n.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Notify renders ev and sends it synchronously. Filtered events are a no-op.
func (n *Notifier) Notify(ctx context.Context, ev domain.LedgerEvent) error {
	if !n.Enabled() || !n.events[ev.Type] {
		return nil
	}
	return n.dispatch(ctx, Render(ev))
}

// dispatch sends msg to every sender; one failing sender does not stop the
// rest.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Render turns a ledger event into a message.
func Render(ev domain.LedgerEvent) Message {
	bet := fmt.Sprintf("#%d", ev.BetID)
	if ev.Title != "" {
		bet = fmt.Sprintf("#%d %s", ev.BetID, ev.Title)
	}
	msg := Message{Fields: []Field{{Name: "Bet", Value: bet}}}
	if ev.Actor != "" {
		msg.Fields = append(msg.Fields, Field{Name: "Account", Value: ev.Actor})
	}

	switch ev.Type {
	case domain.EventBetCreated:
		msg.Title = "New bet"
		msg.Body = fmt.Sprintf("Bet %s is open for investment.", bet)
	case domain.EventInvested:
		msg.Title = "Investment"
		msg.Body = fmt.Sprintf("%s ETH staked on outcome %d.", units.FormatEther(ev.Amount), ev.Outcome)
	case domain.EventBetSettled:
		msg.Title = "Bet settled"
		msg.Body = fmt.Sprintf("Bet %s settled on outcome %d.", bet, ev.Outcome)
		if ev.Amount != nil && ev.Amount.Sign() > 0 {
			msg.Fields = append(msg.Fields, Field{Name: "Unclaimable dust (wei)", Value: ev.Amount.String()})
		}
	case domain.EventRewardsClaimed:
		msg.Title = "Rewards claimed"
		msg.Body = fmt.Sprintf("%s ETH paid out.", units.FormatEther(ev.Amount))
	case domain.EventTxRejected:
		msg.Title = "Transaction rejected"
		msg.Body = ev.Reason
		if ev.TxID != "" {
			msg.Fields = append(msg.Fields, Field{Name: "Tx", Value: ev.TxID})
		}
	default:
		msg.Title = string(ev.Type)
	}
	return msg
}
