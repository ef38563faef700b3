package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-checkout/internal/gateway"
	"storefront-checkout/internal/models"
	"storefront-checkout/internal/store"
	"storefront-checkout/internal/util"

	"go.uber.org/zap"
)

var (
	ErrInvalidTransition  = errors.New("order status transition not allowed")
	ErrCancelWindowClosed = errors.New("order can only be cancelled on the day it was placed")
	ErrItemNotFound       = errors.New("order item not found")
	ErrRefundState        = errors.New("item refund is not in the expected state")
	ErrGatewayRejected    = errors.New("payment provider rejected the operation")
)

// OrderDetails is an order with its items.
type OrderDetails struct {
	Order *models.Order      `json:"order"`
	Items []models.OrderItem `json:"items"`
}

// OrderService runs the post-checkout lifecycle: status changes, same-day
// cancellation and per-item refunds.
type OrderService struct {
	store    *store.Store
	gateways *gateway.Registry
	events   EventPublisher
	loc      *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

// NewOrderService creates an order service. loc decides what "the same day"
// means for cancellations.
func NewOrderService(st *store.Store, gateways *gateway.Registry, events EventPublisher, loc *time.Location) *OrderService {
	if loc == nil {
		loc = time.UTC
	}
	return &OrderService{
		store:    st,
		gateways: gateways,
		events:   events,
		loc:      loc,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, number string) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.store.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	items, err := s.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, util.RecordError(span, fmt.Errorf("failed to load order items: %w", err))
	}
	return &OrderDetails{Order: order, Items: items}, nil
}

// UpdateStatus moves an order to next. Cancellation goes through Cancel so
// the payment is voided too.
func (s *OrderService) UpdateStatus(ctx context.Context, number string, next models.OrderStatus) (*OrderDetails, error) {
	if next == models.OrderStatusCancelled {
		return s.Cancel(ctx, number, "status update")
	}

	order, err := s.store.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next)
	}

	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateOrderStatus(ctx, order.ID, order.Status, next)
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: order changed concurrently", ErrInvalidTransition)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("order status updated",
		zap.String("order_number", number),
		zap.String("from", string(order.Status)),
		zap.String("to", string(next)))
	return s.GetOrder(ctx, number)
}

// sameDay reports whether a and b fall on one calendar day in s.loc.
func (s *OrderService) sameDay(a, b time.Time) bool {
	ay, am, ad := a.In(s.loc).Date()
	by, bm, bd := b.In(s.loc).Date()
	return ay == by && am == bm && ad == bd
}

// Cancel voids the payment and cancels the order. Stock of items not already
// refunded is restored.
func (s *OrderService) Cancel(ctx context.Context, number, reason string) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	order, err := s.store.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("order_number", number), zap.String("payment_id", order.PaymentID))

	if !order.Status.CanTransitionTo(models.OrderStatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, models.OrderStatusCancelled)
	}
	if !s.sameDay(order.CreatedAt, s.now()) {
		return nil, ErrCancelWindowClosed
	}

	gw, err := s.gateways.Get(gateway.Provider(order.Provider))
	if err != nil {
		return nil, err
	}
	res, err := gw.Cancel(ctx, order.PaymentID, reason)
	if err != nil {
		return nil, util.RecordError(span, fmt.Errorf("failed to cancel payment: %w", err))
	}
	if res.Status != gateway.StatusSuccess {
		log.Warn("provider refused cancel", zap.String("error_code", res.ErrorCode))
		return nil, ErrGatewayRejected
	}

	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpdateOrderStatus(ctx, order.ID, order.Status, models.OrderStatusCancelled); err != nil {
			return err
		}
		if err := tx.UpdatePaymentStatus(ctx, order.ID, models.PaymentStatusRefunded); err != nil {
			return err
		}
		items, err := tx.GetOrderItems(ctx, order.ID)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Refunded {
				continue
			}
			if err := tx.IncrementStock(ctx, it.VariantID, it.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The payment is already voided; the order row needs manual attention.
		log.Error("payment cancelled but order update failed", zap.Error(err))
		return nil, util.RecordError(span, err)
	}

	util.OrdersCancelledTotal.Inc()
	log.Info("order cancelled", zap.String("reason", reason))

	if err := s.events.PublishOrderCancelled(ctx, &models.OrderCancelledEvent{
		OrderNumber: order.OrderNumber,
		Email:       order.Buyer.Email,
		Reason:      reason,
	}); err != nil {
		log.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}
	return s.GetOrder(ctx, number)
}

func (s *OrderService) orderItem(ctx context.Context, number, itemID string) (*models.Order, *models.OrderItem, error) {
	order, err := s.store.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, nil, err
	}
	for i := range items {
		if items[i].ID == itemID {
			return order, &items[i], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
}

func (s *OrderService) moveRefund(ctx context.Context, itemID string, from, to models.RefundStatus, refunded bool) error {
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateItemRefund(ctx, itemID, from, to, refunded)
	})
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: want %s", ErrRefundState, from)
	}
	return err
}

// RequestItemRefund opens a refund request for one item.
func (s *OrderService) RequestItemRefund(ctx context.Context, number, itemID string) (*OrderDetails, error) {
	order, item, err := s.orderItem(ctx, number, itemID)
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderStatusCancelled {
		return nil, fmt.Errorf("%w: order is cancelled", ErrRefundState)
	}
	if err := s.moveRefund(ctx, item.ID, models.RefundStatusNone, models.RefundStatusRequested, false); err != nil {
		return nil, err
	}
	s.logger.Info("item refund requested", zap.String("order_number", number), zap.String("item_id", itemID))
	return s.GetOrder(ctx, number)
}

// RejectItemRefund closes a refund request without paying out.
func (s *OrderService) RejectItemRefund(ctx context.Context, number, itemID string) (*OrderDetails, error) {
	_, item, err := s.orderItem(ctx, number, itemID)
	if err != nil {
		return nil, err
	}
	if err := s.moveRefund(ctx, item.ID, models.RefundStatusRequested, models.RefundStatusRejected, false); err != nil {
		return nil, err
	}
	s.logger.Info("item refund rejected", zap.String("order_number", number), zap.String("item_id", itemID))
	return s.GetOrder(ctx, number)
}

// ApproveItemRefund refunds the item's paid price at the provider, restores
// its stock and marks it refunded. The PROCESSING state keeps a second
// approval from refunding twice.
func (s *OrderService) ApproveItemRefund(ctx context.Context, number, itemID string) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ApproveItemRefund")
	defer span.End()

	order, item, err := s.orderItem(ctx, number, itemID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("order_number", number), zap.String("item_id", itemID))

	gw, err := s.gateways.Get(gateway.Provider(order.Provider))
	if err != nil {
		return nil, err
	}
	if err := s.moveRefund(ctx, item.ID, models.RefundStatusRequested, models.RefundStatusProcessing, false); err != nil {
		return nil, err
	}

	res, err := gw.Refund(ctx, order.PaymentID, item.PaidPrice)
	if err != nil || res.Status != gateway.StatusSuccess {
		if rerr := s.moveRefund(context.WithoutCancel(ctx), item.ID,
			models.RefundStatusProcessing, models.RefundStatusRequested, false); rerr != nil {
			log.Error("failed to reopen refund request", zap.Error(rerr))
		}
		if err != nil {
			return nil, util.RecordError(span, fmt.Errorf("failed to refund item: %w", err))
		}
		log.Warn("provider refused refund", zap.String("error_code", res.ErrorCode))
		return nil, ErrGatewayRejected
	}

	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpdateItemRefund(ctx, item.ID, models.RefundStatusProcessing, models.RefundStatusApproved, true); err != nil {
			return err
		}
		if err := tx.IncrementStock(ctx, item.VariantID, item.Quantity); err != nil {
			return err
		}
		items, err := tx.GetOrderItems(ctx, order.ID)
		if err != nil {
			return err
		}
		for _, it := range items {
			if !it.Refunded {
				return nil
			}
		}
		return tx.UpdatePaymentStatus(ctx, order.ID, models.PaymentStatusRefunded)
	})
	if err != nil {
		log.Error("item refunded at provider but order update failed", zap.Error(err))
		return nil, util.RecordError(span, err)
	}

	util.OrderItemsRefundedTotal.Inc()
	log.Info("item refunded", zap.String("amount", item.PaidPrice.StringFixed(2)))

	if err := s.events.PublishOrderItemRefunded(ctx, &models.OrderItemRefundedEvent{
		OrderNumber: order.OrderNumber,
		ItemID:      item.ID,
		Email:       order.Buyer.Email,
		Amount:      item.PaidPrice,
	}); err != nil {
		log.Error("Failed to publish OrderItemRefunded event", zap.Error(err))
	}
	return s.GetOrder(ctx, number)
}
