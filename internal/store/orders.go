package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront-checkout/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, order_number, payment_id, provider, status, payment_status, original_price,
	paid_price, discount_code, discount_amount, user_id, buyer, ip, created_at, updated_at`

const itemColumns = `id, order_id, variant_id, quantity, unit_price, paid_price, total_price,
	refund_status, refunded, created_at`

func getOrder(ctx context.Context, q sqlx.ExtContext, where string, arg interface{}) (*models.Order, error) {
	var o models.Order
	err := sqlx.GetContext(ctx, q, &o, q.Rebind(`SELECT `+orderColumns+` FROM orders WHERE `+where+` = ?`), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func getOrderItems(ctx context.Context, q sqlx.ExtContext, orderID string) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := sqlx.SelectContext(ctx, q, &items, q.Rebind(
		`SELECT `+itemColumns+` FROM order_items WHERE order_id = ? ORDER BY created_at, variant_id`), orderID)
	return items, err
}

// GetOrderByNumber retrieves an order by its order number.
func (s *Store) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	return getOrder(ctx, s.db, "order_number", number)
}

// GetOrderByPaymentID retrieves the order created for a gateway payment.
func (s *Store) GetOrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	return getOrder(ctx, s.db, "payment_id", paymentID)
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	return getOrderItems(ctx, s.db, orderID)
}

// CountOrders is used by tests and the readiness output.
func (s *Store) CountOrders(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM orders`)
	return n, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM processed_events WHERE event_id = ?`), eventID)
	return n > 0, err
}

// MarkEventProcessed records a webhook event id. It reports false when the id
// was already recorded.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING`),
		eventID, eventType, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GetOrderByPaymentID reads through the transaction.
func (t *Tx) GetOrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	return getOrder(ctx, t.tx, "payment_id", paymentID)
}

// GetOrderByNumber reads through the transaction.
func (t *Tx) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	return getOrder(ctx, t.tx, "order_number", number)
}

// GetOrderItems reads through the transaction.
func (t *Tx) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	return getOrderItems(ctx, t.tx, orderID)
}

// InsertOrder inserts o unless another row already holds its payment id or
// order number. It reports whether the row was written.
func (t *Tx) InsertOrder(ctx context.Context, o *models.Order) (bool, error) {
	o.CreatedAt = t.now
	o.UpdatedAt = t.now

	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		o.ID, o.OrderNumber, o.PaymentID, o.Provider, o.Status, o.PaymentStatus, o.OriginalPrice,
		o.PaidPrice, o.DiscountCode, o.DiscountAmount, o.UserID, o.Buyer, o.IP, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertOrderItem creates a new order item
func (t *Tx) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	item.CreatedAt = t.now
	if item.RefundStatus == "" {
		item.RefundStatus = models.RefundStatusNone
	}

	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		INSERT INTO order_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		item.ID, item.OrderID, item.VariantID, item.Quantity, item.UnitPrice, item.PaidPrice,
		item.TotalPrice, item.RefundStatus, item.Refunded, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order item: %w", err)
	}
	return nil
}

// UpdateOrderStatus moves an order from one status to another. It fails with
// ErrConflict when the order is no longer in from.
func (t *Tx) UpdateOrderStatus(ctx context.Context, orderID string, from, to models.OrderStatus) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		to, t.now, orderID, from)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s not in %s: %w", orderID, from, ErrConflict)
	}
	return nil
}

// UpdatePaymentStatus sets the payment sub-state of an order.
func (t *Tx) UpdatePaymentStatus(ctx context.Context, orderID string, status models.PaymentStatus) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE orders SET payment_status = ?, updated_at = ? WHERE id = ?`),
		status, t.now, orderID)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	return nil
}

// UpdateItemRefund moves an item's refund sub-state from one value to another,
// failing with ErrConflict when it has changed underneath.
func (t *Tx) UpdateItemRefund(ctx context.Context, itemID string, from, to models.RefundStatus, refunded bool) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE order_items SET refund_status = ?, refunded = ? WHERE id = ? AND refund_status = ?`),
		to, refunded, itemID, from)
	if err != nil {
		return fmt.Errorf("failed to update item refund: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s not in %s: %w", itemID, from, ErrConflict)
	}
	return nil
}
