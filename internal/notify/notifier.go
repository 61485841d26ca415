// Package notify forwards committed marketplace events to chat channels.
// Every configured Sender receives each event whose kind passes the filter.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// Message is one rendered notification.
type Message struct {
	Title  string
	Fields []Field
}

// Field is a labelled line of a Message.
type Field struct {
	Name  string
	Value string
}

// Text renders the fields one per line as "name: value".
func (m Message) Text() string {
	lines := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		lines = append(lines, f.Name+": "+f.Value)
	}
	return strings.Join(lines, "\n")
}

// Sender is a notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier fans events out to its senders. An empty kinds filter passes
// every event.
type Notifier struct {
	senders []Sender
	kinds   map[domain.EventKind]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. kinds lists the event kinds to forward,
// e.g. "ItemBought".
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			allowed[domain.EventKind(k)] = true
		}
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// NotifyEvent renders ev and delivers it to every sender. A failing sender
// does not stop delivery to the others; all failures are joined.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if len(n.kinds) > 0 && !n.kinds[ev.Kind] {
		n.logger.DebugContext(ctx, "notify: event filtered", slog.String("event", string(ev.Kind)))
		return nil
	}

	msg := Render(ev)
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Render builds the message for ev. Amounts are shown in ether.
func Render(ev domain.Event) Message {
	msg := Message{Title: title(ev.Kind)}
	if ev.AssetID != nil {
		msg.Fields = append(msg.Fields, Field{"Asset", ev.Key().String()})
	}
	switch ev.Kind {
	case domain.EventItemBought:
		msg.Fields = append(msg.Fields, Field{"Buyer", ev.Account.Hex()})
	default:
		msg.Fields = append(msg.Fields, Field{"Seller", ev.Account.Hex()})
	}
	if ev.Amount != nil {
		name := "Price"
		if ev.Kind == domain.EventProceedsWithdrawn || ev.Kind == domain.EventTransferPending {
			name = "Amount"
		}
		msg.Fields = append(msg.Fields, Field{name, domain.FormatEther(ev.Amount) + " ETH"})
	}
	if ev.Ref != "" {
		msg.Fields = append(msg.Fields, Field{"Tx", ev.Ref})
	}
	return msg
}

func title(kind domain.EventKind) string {
	switch kind {
	case domain.EventItemListed:
		return "Item listed"
	case domain.EventItemBought:
		return "Item bought"
	case domain.EventItemCanceled:
		return "Listing cancelled"
	case domain.EventItemUpdated:
		return "Listing updated"
	case domain.EventProceedsWithdrawn:
		return "Proceeds withdrawn"
	case domain.EventTransferPending:
		return "Transfer pending"
	default:
		return string(kind)
	}
}
