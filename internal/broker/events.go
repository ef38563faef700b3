package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storefront-checkout/internal/models"
	"storefront-checkout/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func newBase(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// PublishOrderCompleted publishes ORDER_COMPLETED
func (ep *EventPublisher) PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error {
	event.BaseEvent = newBase(models.EventTypeOrderCompleted)
	return ep.producer.PublishEvent(ctx, "order-"+event.OrderNumber, event)
}

// PublishOrderConfirmed publishes ORDER_CONFIRMED
func (ep *EventPublisher) PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error {
	event.BaseEvent = newBase(models.EventTypeOrderConfirmed)
	return ep.producer.PublishEvent(ctx, "order-"+event.OrderNumber, event)
}

// PublishOrderCancelled publishes ORDER_CANCELLED
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	event.BaseEvent = newBase(models.EventTypeOrderCancelled)
	return ep.producer.PublishEvent(ctx, "order-"+event.OrderNumber, event)
}

// PublishOrderItemRefunded publishes ORDER_ITEM_REFUNDED
func (ep *EventPublisher) PublishOrderItemRefunded(ctx context.Context, event *models.OrderItemRefundedEvent) error {
	event.BaseEvent = newBase(models.EventTypeOrderItemRefunded)
	return ep.producer.PublishEvent(ctx, "order-"+event.OrderNumber, event)
}

// PublishPaymentDeclined publishes PAYMENT_DECLINED
func (ep *EventPublisher) PublishPaymentDeclined(ctx context.Context, event *models.PaymentDeclinedEvent) error {
	event.BaseEvent = newBase(models.EventTypePaymentDeclined)
	return ep.producer.PublishEvent(ctx, "payment-"+event.Provider, event)
}

// EventHandler routes incoming events to registered callbacks
type EventHandler struct {
	onOrderCompleted    func(context.Context, *models.OrderCompletedEvent) error
	onOrderConfirmed    func(context.Context, *models.OrderConfirmedEvent) error
	onOrderCancelled    func(context.Context, *models.OrderCancelledEvent) error
	onOrderItemRefunded func(context.Context, *models.OrderItemRefundedEvent) error
	logger              *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger().Named("events")}
}

func (eh *EventHandler) OnOrderCompleted(h func(context.Context, *models.OrderCompletedEvent) error) {
	eh.onOrderCompleted = h
}

func (eh *EventHandler) OnOrderConfirmed(h func(context.Context, *models.OrderConfirmedEvent) error) {
	eh.onOrderConfirmed = h
}

func (eh *EventHandler) OnOrderCancelled(h func(context.Context, *models.OrderCancelledEvent) error) {
	eh.onOrderCancelled = h
}

func (eh *EventHandler) OnOrderItemRefunded(h func(context.Context, *models.OrderItemRefundedEvent) error) {
	eh.onOrderItemRefunded = h
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("handling event", zap.String("type", base.EventType), zap.String("event_id", base.EventID))

	switch base.EventType {
	case models.EventTypeOrderCompleted:
		if eh.onOrderCompleted != nil {
			return dispatch(ctx, msg.Value, eh.onOrderCompleted)
		}
	case models.EventTypeOrderConfirmed:
		if eh.onOrderConfirmed != nil {
			return dispatch(ctx, msg.Value, eh.onOrderConfirmed)
		}
	case models.EventTypeOrderCancelled:
		if eh.onOrderCancelled != nil {
			return dispatch(ctx, msg.Value, eh.onOrderCancelled)
		}
	case models.EventTypeOrderItemRefunded:
		if eh.onOrderItemRefunded != nil {
			return dispatch(ctx, msg.Value, eh.onOrderItemRefunded)
		}
	default:
		eh.logger.Debug("unhandled event type", zap.String("type", base.EventType))
	}
	return nil
}

func dispatch[T any](ctx context.Context, data []byte, h func(context.Context, *T) error) error {
	var event T
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", event, err)
	}
	return h(ctx, &event)
}
