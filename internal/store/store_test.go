package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"storefront-checkout/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkout.db")
	s, err := NewStore(DriverSQLite, "file:"+path+"?_busy_timeout=5000&_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

func seedVariant(t *testing.T, s *Store, stock int) *models.Variant {
	t.Helper()
	ctx := context.Background()
	p := &models.Product{Name: "Filtre Kahve", TaxRate: decimal.NewFromInt(18), Published: true}
	require.NoError(t, s.CreateProduct(ctx, p))
	v := &models.Variant{
		ProductID: p.ID,
		SKU:       "KHV-" + uuid.NewString()[:8],
		Option:    models.OptionColumn{Option: models.WeightOption{Grams: 250}},
		Price:     decimal.RequireFromString("100.00"),
		Stock:     stock,
		Published: true,
	}
	require.NoError(t, s.CreateVariant(ctx, v))
	return v
}

func testOrder(paymentID string) *models.Order {
	return &models.Order{
		ID:            uuid.NewString(),
		OrderNumber:   "ORD-" + uuid.NewString()[:8],
		PaymentID:     paymentID,
		Provider:      "iyzico",
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusSuccess,
		OriginalPrice: decimal.RequireFromString("236.00"),
		PaidPrice:     decimal.RequireFromString("236.00"),
		Buyer:         models.Buyer{Name: "Ayşe", Surname: "Yılmaz", Email: "ayse@example.com"},
		IP:            "127.0.0.1",
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate())
}

func TestGetVariantJoinsProduct(t *testing.T) {
	s := newTestStore(t)
	v := seedVariant(t, s, 5)

	got, err := s.GetVariant(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, "Filtre Kahve", got.ProductName)
	assert.True(t, got.TaxRate.Equal(decimal.NewFromInt(18)))
	assert.True(t, got.Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, models.WeightOption{Grams: 250}, got.Option.Option)
	assert.True(t, got.Sellable())

	_, err = s.GetVariant(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetVariantsByIDs(t *testing.T) {
	s := newTestStore(t)
	a := seedVariant(t, s, 1)
	b := seedVariant(t, s, 2)

	got, err := s.GetVariantsByIDs(context.Background(), []string{a.ID, b.ID, "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, got[b.ID].Stock)
}

func TestDecrementStock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVariant(t, s, 3)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.DecrementStock(ctx, v.ID, 2)
	}))

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.DecrementStock(ctx, v.ID, 2)
	})
	assert.ErrorIs(t, err, ErrInsufficientStock)

	got, err := s.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stock)
}

func TestWithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVariant(t, s, 3)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.DecrementStock(ctx, v.ID, 3))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Stock)
}

func TestInsertOrderIsIdempotentOnPaymentID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var first, second bool
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		var err error
		first, err = tx.InsertOrder(ctx, testOrder("pay-1"))
		return err
	}))
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		var err error
		second, err = tx.InsertOrder(ctx, testOrder("pay-1"))
		return err
	}))

	assert.True(t, first)
	assert.False(t, second)
	n, err := s.CountOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, err := s.GetOrderByPaymentID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "Ayşe", o.Buyer.Name)
	assert.True(t, o.PaidPrice.Equal(decimal.RequireFromString("236")))
}

func TestOrderItemsAndRefundState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVariant(t, s, 3)
	o := testOrder("pay-2")
	item := &models.OrderItem{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		VariantID:  v.ID,
		Quantity:   2,
		UnitPrice:  decimal.RequireFromString("118.00"),
		PaidPrice:  decimal.RequireFromString("118.00"),
		TotalPrice: decimal.RequireFromString("236.00"),
	}

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		return tx.InsertOrderItem(ctx, item)
	}))

	items, err := s.GetOrderItems(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.RefundStatusNone, items[0].RefundStatus)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateItemRefund(ctx, item.ID, models.RefundStatusNone, models.RefundStatusRequested, false)
	}))
	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateItemRefund(ctx, item.ID, models.RefundStatusNone, models.RefundStatusRequested, false)
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUpdateOrderStatusIsConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := testOrder("pay-3")
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.InsertOrder(ctx, o)
		return err
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateOrderStatus(ctx, o.ID, models.OrderStatusPending, models.OrderStatusProcessing)
	}))
	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateOrderStatus(ctx, o.ID, models.OrderStatusPending, models.OrderStatusProcessing)
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetOrderByNumber(ctx, o.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, got.Status)
}

func TestDiscountCodeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVariant(t, s, 1)

	dc := &models.DiscountCode{
		Code:           " yaz10 ",
		DiscountType:   models.DiscountTypePercentage,
		DiscountAmount: decimal.NewFromInt(10),
		UsageLimit:     sql.NullInt64{Int64: 5, Valid: true},
		EndsAt:         sql.NullTime{Time: time.Now().Add(time.Hour).UTC(), Valid: true},
		ProductIDs:     []string{v.ProductID},
	}
	require.NoError(t, s.CreateDiscountCode(ctx, dc))
	assert.ErrorIs(t, s.CreateDiscountCode(ctx, &models.DiscountCode{
		Code: "YAZ10", DiscountType: models.DiscountTypeFixed, DiscountAmount: decimal.NewFromInt(1),
	}), ErrDuplicate)

	got, err := s.GetDiscountCode(ctx, "Yaz10")
	require.NoError(t, err)
	assert.Equal(t, "YAZ10", got.Code)
	assert.Equal(t, []string{v.ProductID}, got.ProductIDs)
	assert.Equal(t, int64(5), got.UsageLimit.Int64)
	assert.False(t, got.StartsAt.Valid)
	assert.True(t, got.EndsAt.Valid)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.IncrementDiscountUsage(ctx, "yaz10")
	}))
	got, err = s.GetDiscountCode(ctx, "YAZ10")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)

	_, err = s.GetDiscountCode(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func pendingPayment(token string, expires time.Time) *models.PendingPayment {
	return &models.PendingPayment{
		Token:          token,
		Provider:       "iyzico",
		ConversationID: token,
		Basket: models.BasketSnapshot{
			Items:         []models.BasketItem{{VariantID: "v1", Quantity: 1, UnitPrice: decimal.NewFromInt(10)}},
			OriginalTotal: decimal.NewFromInt(10),
			PaidTotal:     decimal.NewFromInt(10),
		},
		Buyer:     models.Buyer{Email: "ali@example.com"},
		IP:        "10.0.0.1",
		ExpiresAt: expires,
	}
}

func TestPendingPaymentClaimOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePendingPayment(ctx, pendingPayment("tok-1", time.Now().Add(time.Hour))))

	got, err := s.GetPendingPaymentByConversation(ctx, "tok-1")
	require.NoError(t, err)
	assert.Len(t, got.Basket.Items, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx *Tx) error {
				_, err := tx.ClaimPendingPayment(ctx, "tok-1")
				return err
			})
			if err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	_, err = s.GetPendingPayment(ctx, "tok-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteExpiredPendingPayments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreatePendingPayment(ctx, pendingPayment("old", now.Add(-time.Minute))))
	require.NoError(t, s.CreatePendingPayment(ctx, pendingPayment("fresh", now.Add(time.Hour))))

	n, err := s.DeleteExpiredPendingPayments(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetPendingPayment(ctx, "fresh")
	assert.NoError(t, err)
}

func TestMarkEventProcessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh, err := s.MarkEventProcessed(ctx, "evt-1", "THREE_DS_AUTH")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.MarkEventProcessed(ctx, "evt-1", "THREE_DS_AUTH")
	require.NoError(t, err)
	assert.False(t, fresh)
}
