package service

import (
	"context"
	"time"

	"storefront-checkout/internal/models"
	"storefront-checkout/internal/redisclient"
)

// EventPublisher is the outbound event bus. Implemented by
// broker.EventPublisher.
type EventPublisher interface {
	PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error
	PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishOrderItemRefunded(ctx context.Context, event *models.OrderItemRefundedEvent) error
	PublishPaymentDeclined(ctx context.Context, event *models.PaymentDeclinedEvent) error
}

// Locker provides short-lived distributed locks and seen-markers. Implemented
// by redisclient.Client. The database remains the source of truth; these only
// cut duplicate gateway round trips.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (*redisclient.Lock, error)
	ReleaseLock(ctx context.Context, l *redisclient.Lock) error
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}
