package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// EventNotifier forwards a committed event to human channels.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// Publisher fans committed marketplace events out to the signal bus (live
// channel and durable stream), the event store, the audit log and the
// notifier. Any sink may be nil. A failing sink does not stop the others.
type Publisher struct {
	bus      domain.SignalBus
	events   domain.EventStore
	audit    domain.AuditStore
	notifier EventNotifier
	logger   *slog.Logger
}

// NewPublisher creates a Publisher over the given sinks.
func NewPublisher(
	bus domain.SignalBus,
	events domain.EventStore,
	audit domain.AuditStore,
	notifier EventNotifier,
	logger *slog.Logger,
) *Publisher {
	return &Publisher{
		bus:      bus,
		events:   events,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "publisher")),
	}
}

// Publish delivers events in order and returns every sink failure joined.
func (p *Publisher) Publish(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	var errs []error
	if p.events != nil {
		if err := p.events.Append(ctx, events); err != nil {
			errs = append(errs, fmt.Errorf("publisher: append events: %w", err))
		}
	}

	for _, ev := range events {
		if p.bus != nil {
			payload, err := json.Marshal(ev)
			if err != nil {
				errs = append(errs, fmt.Errorf("publisher: marshal %s: %w", ev.ID, err))
				continue
			}
			if err := p.bus.Publish(ctx, domain.ChannelMarketEvents, payload); err != nil {
				errs = append(errs, fmt.Errorf("publisher: publish %s: %w", ev.ID, err))
			}
			if err := p.bus.StreamAppend(ctx, domain.StreamMarketEvents, payload); err != nil {
				errs = append(errs, fmt.Errorf("publisher: stream %s: %w", ev.ID, err))
			}
		}

		if p.audit != nil {
			if err := p.audit.Log(ctx, auditName(ev.Kind), auditDetail(ev)); err != nil {
				errs = append(errs, fmt.Errorf("publisher: audit %s: %w", ev.ID, err))
			}
		}

		if p.notifier != nil {
			if err := p.notifier.NotifyEvent(ctx, ev); err != nil {
				p.logger.WarnContext(ctx, "publisher: notify failed",
					slog.String("event_id", ev.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return errors.Join(errs...)
}

func auditName(kind domain.EventKind) string {
	switch kind {
	case domain.EventItemListed:
		return "item_listed"
	case domain.EventItemBought:
		return "item_bought"
	case domain.EventItemCanceled:
		return "item_canceled"
	case domain.EventItemUpdated:
		return "item_updated"
	case domain.EventProceedsWithdrawn:
		return "proceeds_withdrawn"
	case domain.EventTransferPending:
		return "transfer_pending"
	default:
		return string(kind)
	}
}

func auditDetail(ev domain.Event) map[string]any {
	detail := map[string]any{
		"event_id": ev.ID,
		"account":  ev.Account.Hex(),
	}
	if ev.AssetID != nil {
		detail["collection"] = ev.Collection.Hex()
		detail["asset_id"] = ev.AssetID.String()
	}
	if ev.Amount != nil {
		detail["amount"] = ev.Amount.String()
	}
	if ev.Ref != "" {
		detail["ref"] = ev.Ref
	}
	return detail
}
