package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"storefront-checkout/internal/models"
	"storefront-checkout/internal/store"
	"storefront-checkout/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const orderNumberAttempts = 3

// MaterializeInput is everything needed to turn a confirmed payment into an
// order.
type MaterializeInput struct {
	PaymentID    string
	Provider     string
	Basket       models.BasketSnapshot
	Buyer        models.Buyer
	DiscountCode string
	IP           string
}

// Materialized reports the order a payment produced.
type Materialized struct {
	OrderNumber string
	// Created is false when the order already existed for the payment.
	Created bool
}

// Materializer creates orders exactly once per payment id.
type Materializer struct {
	store  *store.Store
	events EventPublisher
	logger *zap.Logger
}

func NewMaterializer(st *store.Store, events EventPublisher) *Materializer {
	return &Materializer{store: st, events: events, logger: util.GetLogger()}
}

// Materialize creates the order in its own transaction and publishes
// ORDER_COMPLETED once committed. Calling it again for the same payment
// returns the existing order number.
func (m *Materializer) Materialize(ctx context.Context, in MaterializeInput) (*Materialized, error) {
	ctx, span := util.StartSpan(ctx, "Materializer.Materialize")
	defer span.End()

	var res *Materialized
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		res, err = m.MaterializeTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, util.RecordError(span, err)
	}

	m.Completed(ctx, in, res)
	return res, nil
}

// MaterializeTx writes the order, its items, the stock decrements and the
// discount usage through tx. The unique payment id is the backstop against a
// concurrent materialization; the lookup only avoids a wasted insert.
func (m *Materializer) MaterializeTx(ctx context.Context, tx *store.Tx, in MaterializeInput) (*Materialized, error) {
	if in.PaymentID == "" {
		return nil, errors.New("materialize: empty payment id")
	}
	if len(in.Basket.Items) == 0 {
		return nil, errors.New("materialize: empty basket")
	}

	existing, err := tx.GetOrderByPaymentID(ctx, in.PaymentID)
	if err == nil {
		util.OrdersDuplicateTotal.Inc()
		m.logger.Info("order already exists for payment",
			zap.String("payment_id", in.PaymentID), zap.String("order_number", existing.OrderNumber))
		return &Materialized{OrderNumber: existing.OrderNumber}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing order: %w", err)
	}

	order := &models.Order{
		ID:             uuid.NewString(),
		PaymentID:      in.PaymentID,
		Provider:       in.Provider,
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusSuccess,
		OriginalPrice:  in.Basket.OriginalTotal,
		PaidPrice:      in.Basket.PaidTotal,
		DiscountAmount: in.Basket.DiscountAmount,
		Buyer:          in.Buyer,
		IP:             in.IP,
	}
	if in.DiscountCode != "" {
		order.DiscountCode = sql.NullString{String: store.NormalizeCode(in.DiscountCode), Valid: true}
	}
	if in.Buyer.UserID != "" {
		order.UserID = sql.NullString{String: in.Buyer.UserID, Valid: true}
	}

	inserted := false
	for attempt := 0; attempt < orderNumberAttempts && !inserted; attempt++ {
		order.OrderNumber = NewOrderNumber(in.PaymentID, tx.Now(), attempt)
		if inserted, err = tx.InsertOrder(ctx, order); err != nil {
			return nil, err
		}
		if inserted {
			break
		}
		// Lost the insert: either the payment was materialized concurrently
		// or the order number collided.
		if existing, err := tx.GetOrderByPaymentID(ctx, in.PaymentID); err == nil {
			util.OrdersDuplicateTotal.Inc()
			return &Materialized{OrderNumber: existing.OrderNumber}, nil
		}
	}
	if !inserted {
		return nil, fmt.Errorf("failed to allocate an order number for payment %s", in.PaymentID)
	}

	for _, it := range in.Basket.Items {
		item := &models.OrderItem{
			ID:         uuid.NewString(),
			OrderID:    order.ID,
			VariantID:  it.VariantID,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
			PaidPrice:  it.PaidPrice,
			TotalPrice: it.TotalPrice,
		}
		if err := tx.InsertOrderItem(ctx, item); err != nil {
			return nil, err
		}
		if err := tx.DecrementStock(ctx, it.VariantID, it.Quantity); err != nil {
			return nil, err
		}
	}

	if order.DiscountCode.Valid {
		if err := tx.IncrementDiscountUsage(ctx, order.DiscountCode.String); err != nil {
			return nil, err
		}
	}

	return &Materialized{OrderNumber: order.OrderNumber, Created: true}, nil
}

// Completed runs the after-commit side effects of a materialization. Failures
// are logged only.
func (m *Materializer) Completed(ctx context.Context, in MaterializeInput, res *Materialized) {
	if res == nil || !res.Created {
		return
	}

	util.OrdersMaterializedTotal.Inc()
	m.logger.Info("order materialized",
		zap.String("order_number", res.OrderNumber),
		zap.String("payment_id", in.PaymentID),
		zap.String("provider", in.Provider))

	event := &models.OrderCompletedEvent{
		OrderNumber: res.OrderNumber,
		PaymentID:   in.PaymentID,
		Email:       in.Buyer.Email,
		BuyerName:   strings.TrimSpace(in.Buyer.Name + " " + in.Buyer.Surname),
		PaidPrice:   in.Basket.PaidTotal,
		Items:       in.Basket.Items,
	}
	if err := m.events.PublishOrderCompleted(ctx, event); err != nil {
		m.logger.Error("Failed to publish OrderCompleted event",
			zap.String("order_number", res.OrderNumber), zap.Error(err))
	}
}

// NewOrderNumber derives a human-legible order number: a base36 millisecond
// timestamp followed by a hash of the payment id.
func NewOrderNumber(paymentID string, now time.Time, attempt int) string {
	prefix := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
	sum := sha256.Sum256([]byte(paymentID + "|" + strconv.FormatInt(now.UnixNano(), 10) + "|" + strconv.Itoa(attempt)))
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(sum[:])[:6])
}
