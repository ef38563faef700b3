package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCompleted    = "ORDER_COMPLETED"
	EventTypeOrderConfirmed    = "ORDER_CONFIRMED"
	EventTypeOrderCancelled    = "ORDER_CANCELLED"
	EventTypeOrderItemRefunded = "ORDER_ITEM_REFUNDED"
	EventTypePaymentDeclined   = "PAYMENT_DECLINED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCompletedEvent published once an order has been materialized
type OrderCompletedEvent struct {
	BaseEvent
	OrderNumber string          `json:"order_number"`
	PaymentID   string          `json:"payment_id"`
	Email       string          `json:"email"`
	BuyerName   string          `json:"buyer_name"`
	PaidPrice   decimal.Decimal `json:"paid_price"`
	Items       []BasketItem    `json:"items"`
}

// OrderConfirmedEvent published when the provider webhook confirms the payment
type OrderConfirmedEvent struct {
	BaseEvent
	OrderNumber string `json:"order_number"`
	PaymentID   string `json:"payment_id"`
	Email       string `json:"email"`
}

// OrderCancelledEvent published when an order is cancelled and voided
type OrderCancelledEvent struct {
	BaseEvent
	OrderNumber string `json:"order_number"`
	Email       string `json:"email"`
	Reason      string `json:"reason"`
}

// OrderItemRefundedEvent published when a single item refund is approved
type OrderItemRefundedEvent struct {
	BaseEvent
	OrderNumber string          `json:"order_number"`
	ItemID      string          `json:"item_id"`
	Email       string          `json:"email"`
	Amount      decimal.Decimal `json:"amount"`
}

// PaymentDeclinedEvent published when a charge or 3DS completion fails
type PaymentDeclinedEvent struct {
	BaseEvent
	Token    string `json:"token,omitempty"`
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}
