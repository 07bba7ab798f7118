package delivery

import (
	"context"
	"log/slog"

	"github.com/mesaya/payment-service/internal/core/events"
)

// EventHandler forwards domain events from the bus to subscribed partners.
type EventHandler struct {
	service *Service
	logger  *slog.Logger
}

func NewEventHandler(service *Service, logger *slog.Logger) *EventHandler {
	return &EventHandler{service: service, logger: logger}
}

func (h *EventHandler) Register(bus *events.EventBus) {
	for _, eventType := range events.OutboundEventTypes {
		bus.Subscribe(eventType, h.Handle)
	}
}

func (h *EventHandler) Handle(ctx context.Context, event events.Event) error {
	_, err := h.service.FanOut(ctx, Event{
		ID:         event.EventID(),
		Type:       event.EventType(),
		Data:       event.Payload(),
		OccurredAt: event.OccurredAt(),
	}, "")
	if err != nil {
		h.logger.Error("failed to fan out event",
			"event_id", event.EventID(),
			"event_type", event.EventType(),
			"error", err)
	}
	return err
}
