package worker

import (
	"context"

	"storefront-checkout/internal/broker"
	"storefront-checkout/internal/models"
	"storefront-checkout/internal/notify"
	"storefront-checkout/internal/util"

	"go.uber.org/zap"
)

// MessageSource is the consuming side of the event bus. Implemented by
// broker.Consumer.
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// NotificationWorker emails buyers about their order lifecycle events.
type NotificationWorker struct {
	consumer     MessageSource
	sender       notify.Sender
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer MessageSource, sender notify.Sender) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		sender:       sender,
		eventHandler: broker.NewEventHandler(),
		logger:       util.GetLogger().Named("notifications"),
	}

	w.eventHandler.OnOrderCompleted(func(ctx context.Context, e *models.OrderCompletedEvent) error {
		msg, err := notify.OrderCompleted(e)
		return w.deliver(ctx, notify.TemplateOrderCompleted, e.OrderNumber, msg, err)
	})
	w.eventHandler.OnOrderConfirmed(func(ctx context.Context, e *models.OrderConfirmedEvent) error {
		msg, err := notify.OrderConfirmed(e)
		return w.deliver(ctx, notify.TemplateOrderConfirmed, e.OrderNumber, msg, err)
	})
	w.eventHandler.OnOrderCancelled(func(ctx context.Context, e *models.OrderCancelledEvent) error {
		msg, err := notify.OrderCancelled(e)
		return w.deliver(ctx, notify.TemplateOrderCancelled, e.OrderNumber, msg, err)
	})
	w.eventHandler.OnOrderItemRefunded(func(ctx context.Context, e *models.OrderItemRefundedEvent) error {
		msg, err := notify.OrderItemRefunded(e)
		return w.deliver(ctx, notify.TemplateOrderItemRefunded, e.OrderNumber, msg, err)
	})

	return w
}

// deliver sends one rendered message. Failures are counted and logged; the
// order itself is never affected.
func (w *NotificationWorker) deliver(ctx context.Context, template, orderNumber string, msg notify.Message, renderErr error) error {
	log := w.logger.With(zap.String("template", template), zap.String("order_number", orderNumber))

	if renderErr != nil {
		util.EmailsSentTotal.WithLabelValues(template, "render_error").Inc()
		log.Error("failed to render email", zap.Error(renderErr))
		return renderErr
	}
	if msg.To == "" {
		util.EmailsSentTotal.WithLabelValues(template, "skipped").Inc()
		log.Warn("event has no recipient")
		return nil
	}

	if err := w.sender.Send(ctx, msg); err != nil {
		util.EmailsSentTotal.WithLabelValues(template, "error").Inc()
		log.Error("failed to send email", zap.Error(err))
		return err
	}

	util.EmailsSentTotal.WithLabelValues(template, "sent").Inc()
	log.Info("email sent")
	return nil
}

// Start consumes events until ctx is cancelled.
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop closes the consumer.
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}
