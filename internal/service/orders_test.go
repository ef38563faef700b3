package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"storefront-checkout/internal/gateway"
	"storefront-checkout/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// placeOrder checks out qty units directly and returns the order number.
func placeOrder(t *testing.T, f *fixture, variantID string, qty float64, paymentID string) string {
	t.Helper()
	f.expectBin(gateway.CardTypeCredit)
	f.gw.On("ChargeDirect", mock.Anything, mock.Anything).
		Return(&gateway.ChargeResult{Status: gateway.StatusSuccess, PaymentID: paymentID}, nil).Once()

	res, err := f.checkout.Checkout(context.Background(), checkoutRequest(variantID, qty))
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	return res.OrderNumber
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, 10)
	number := placeOrder(t, f, v.ID, 2, "pay-get")

	details, err := f.orders.GetOrder(context.Background(), number)
	require.NoError(t, err)
	assert.Equal(t, number, details.Order.OrderNumber)
	require.Len(t, details.Items, 1)
	assert.True(t, details.Items[0].PaidPrice.Equal(dec("236.00")))
	assert.Equal(t, models.RefundStatusNone, details.Items[0].RefundStatus)

	_, err = f.orders.GetOrder(context.Background(), "missing")
	assert.Error(t, err)
}

func TestUpdateStatusEnforcesTransitions(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, 10)
	number := placeOrder(t, f, v.ID, 1, "pay-st")

	_, err := f.orders.UpdateStatus(context.Background(), number, models.OrderStatusDelivered)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for _, next := range []models.OrderStatus{models.OrderStatusProcessing, models.OrderStatusShipped, models.OrderStatusDelivered} {
		details, err := f.orders.UpdateStatus(context.Background(), number, next)
		require.NoError(t, err)
		assert.Equal(t, next, details.Order.Status)
	}

	_, err = f.orders.UpdateStatus(context.Background(), number, models.OrderStatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelSameDayRestoresStock(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, 10)
	number := placeOrder(t, f, v.ID, 3, "pay-cx")
	require.Equal(t, 7, f.stock(t, v.ID))

	f.gw.On("Cancel", mock.Anything, "pay-cx", "müşteri talebi").
		Return(&gateway.OperationResult{Status: gateway.StatusSuccess}, nil)

	details, err := f.orders.Cancel(context.Background(), number, "müşteri talebi")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, details.Order.Status)
	assert.Equal(t, models.PaymentStatusRefunded, details.Order.PaymentStatus)
	assert.Equal(t, 10, f.stock(t, v.ID))
	require.Len(t, f.events.cancelled, 1)
	assert.Equal(t, number, f.events.cancelled[0].OrderNumber)

	_, err = f.orders.Cancel(context.Background(), number, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelAfterTheDayIsRefused(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, 10)
	number := placeOrder(t, f, v.ID, 1, "pay-late")
	f.orders.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	_, err := f.orders.Cancel(context.Background(), number, "too late")
	assert.ErrorIs(t, err, ErrCancelWindowClosed)
	f.gw.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 9, f.stock(t, v.ID))
}

func TestCancelRefusedByProviderLeavesOrder(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, 10)
	number := placeOrder(t, f, v.ID, 1, "pay-rf")
	f.gw.On("Cancel", mock.Anything, "pay-rf", mock.Anything).
		Return(&gateway.OperationResult{Status: gateway.StatusFailure, ErrorCode: "5093"}, nil)

	_, err := f.orders.Cancel(context.Background(), number, "x")
	assert.ErrorIs(t, err, ErrGatewayRejected)

	details, err := f.orders.GetOrder(context.Background(), number)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, details.Order.Status)
}

func TestSameDayUsesConfiguredZone(t *testing.T) {
	istanbul, err := time.LoadLocation("Europe/Istanbul")
	require.NoError(t, err)
	s := &OrderService{loc: istanbul}

	// 20:30 UTC is 23:30 in Istanbul; 21:30 UTC is already the next day there.
	placed := time.Date(2024, 3, 10, 20, 30, 0, 0, time.UTC)
	assert.True(t, s.sameDay(placed, time.Date(2024, 3, 10, 20, 50, 0, 0, time.UTC)))
	assert.False(t, s.sameDay(placed, time.Date(2024, 3, 10, 21, 30, 0, 0, time.UTC)))
}

func TestItemRefundFlow(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, 10)
	number := placeOrder(t, f, v.ID, 2, "pay-ir")
	details, err := f.orders.GetOrder(context.Background(), number)
	require.NoError(t, err)
	itemID := details.Items[0].ID

	_, err = f.orders.ApproveItemRefund(context.Background(), number, itemID)
	assert.ErrorIs(t, err, ErrRefundState)

	details, err = f.orders.RequestItemRefund(context.Background(), number, itemID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusRequested, details.Items[0].RefundStatus)

	f.gw.On("Refund", mock.Anything, "pay-ir", mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(dec("236.00"))
	})).Return(&gateway.OperationResult{Status: gateway.StatusSuccess}, nil).Once()

	details, err = f.orders.ApproveItemRefund(context.Background(), number, itemID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusApproved, details.Items[0].RefundStatus)
	assert.True(t, details.Items[0].Refunded)
	assert.Equal(t, models.PaymentStatusRefunded, details.Order.PaymentStatus)
	assert.Equal(t, 10, f.stock(t, v.ID))
	require.Len(t, f.events.refunded, 1)
	assert.True(t, f.events.refunded[0].Amount.Equal(dec("236.00")))

	_, err = f.orders.ApproveItemRefund(context.Background(), number, itemID)
	assert.ErrorIs(t, err, ErrRefundState)
	f.gw.AssertNumberOfCalls(t, "Refund", 1)
}

func TestItemRefundProviderFailureReopensRequest(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, 10)
	number := placeOrder(t, f, v.ID, 1, "pay-irf")
	details, err := f.orders.GetOrder(context.Background(), number)
	require.NoError(t, err)
	itemID := details.Items[0].ID

	_, err = f.orders.RequestItemRefund(context.Background(), number, itemID)
	require.NoError(t, err)
	f.gw.On("Refund", mock.Anything, "pay-irf", mock.Anything).Return(nil, errors.New("timeout"))

	_, err = f.orders.ApproveItemRefund(context.Background(), number, itemID)
	require.Error(t, err)

	details, err = f.orders.GetOrder(context.Background(), number)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusRequested, details.Items[0].RefundStatus)
	assert.False(t, details.Items[0].Refunded)
	assert.Equal(t, 9, f.stock(t, v.ID))
}

func TestRejectItemRefund(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, 10)
	number := placeOrder(t, f, v.ID, 1, "pay-rj")
	details, err := f.orders.GetOrder(context.Background(), number)
	require.NoError(t, err)
	itemID := details.Items[0].ID

	_, err = f.orders.RejectItemRefund(context.Background(), number, itemID)
	assert.ErrorIs(t, err, ErrRefundState)

	_, err = f.orders.RequestItemRefund(context.Background(), number, itemID)
	require.NoError(t, err)
	details, err = f.orders.RejectItemRefund(context.Background(), number, itemID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusRejected, details.Items[0].RefundStatus)

	_, err = f.orders.RequestItemRefund(context.Background(), number, "no-such-item")
	assert.ErrorIs(t, err, ErrItemNotFound)
}
