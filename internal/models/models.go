package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Product owns variants and carries the tax rate they are sold with.
type Product struct {
	ID        string          `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	TaxRate   decimal.Decimal `db:"tax_rate" json:"tax_rate"`
	Published bool            `db:"published" json:"published"`
	Deleted   bool            `db:"deleted" json:"deleted"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Variant is a purchasable SKU.
type Variant struct {
	ID          string          `db:"id" json:"id"`
	ProductID   string          `db:"product_id" json:"product_id"`
	SKU         string          `db:"sku" json:"sku"`
	Option      OptionColumn    `db:"option_data" json:"option"`
	Price       decimal.Decimal `db:"price" json:"price"`
	DiscountPct decimal.Decimal `db:"discount_pct" json:"discount_pct"`
	Stock       int             `db:"stock" json:"stock"`
	Published   bool            `db:"published" json:"published"`
	Deleted     bool            `db:"deleted" json:"deleted"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// PricedVariant is a variant joined with its product's tax rate and name.
type PricedVariant struct {
	Variant
	ProductName      string          `db:"product_name" json:"product_name"`
	TaxRate          decimal.Decimal `db:"tax_rate" json:"tax_rate"`
	ProductPublished bool            `db:"product_published" json:"-"`
	ProductDeleted   bool            `db:"product_deleted" json:"-"`
}

// Sellable reports whether the variant and its product can be bought.
func (v *PricedVariant) Sellable() bool {
	return v.Published && !v.Deleted && v.ProductPublished && !v.ProductDeleted
}

// DiscountType is how a discount code reduces a basket.
type DiscountType string

const (
	DiscountTypeFixed      DiscountType = "FIXED"
	DiscountTypePercentage DiscountType = "PERCENTAGE"
)

// DiscountCode is a redeemable code. UsageLimit, StartsAt and EndsAt are optional.
type DiscountCode struct {
	ID             string          `db:"id" json:"id"`
	Code           string          `db:"code" json:"code"`
	DiscountType   DiscountType    `db:"discount_type" json:"discount_type"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	UsageCount     int             `db:"usage_count" json:"usage_count"`
	UsageLimit     sql.NullInt64   `db:"usage_limit" json:"-"`
	StartsAt       sql.NullTime    `db:"starts_at" json:"-"`
	EndsAt         sql.NullTime    `db:"ends_at" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`

	// ProductIDs restricts the code to baskets holding one of these products.
	// Empty means every product is eligible.
	ProductIDs []string `db:"-" json:"product_ids,omitempty"`
}

// Address is the shipping/billing snapshot stored on an order.
type Address struct {
	ContactName string `json:"contact_name"`
	City        string `json:"city" validate:"notblank"`
	District    string `json:"district,omitempty"`
	Country     string `json:"country" validate:"notblank"`
	Line        string `json:"line" validate:"notblank"`
	ZipCode     string `json:"zip_code,omitempty"`
}

// Buyer identifies who pays. UserID is empty for guest checkout.
type Buyer struct {
	UserID         string  `json:"user_id,omitempty"`
	Name           string  `json:"name" validate:"notblank"`
	Surname        string  `json:"surname" validate:"notblank"`
	Email          string  `json:"email" validate:"required,email"`
	Phone          string  `json:"phone" validate:"notblank"`
	IdentityNumber string  `json:"identity_number" validate:"notblank"`
	AddressID      string  `json:"address_id,omitempty"`
	Address        Address `json:"address"`
}

// Value implements driver.Valuer.
func (b Buyer) Value() (driver.Value, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (b *Buyer) Scan(src interface{}) error {
	return scanJSON(src, b)
}

// OrderStatus is the fulfilment state of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseOrderStatus validates a status string.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(s); st {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// Payment statuses
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusSuccess  PaymentStatus = "SUCCESS"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// Order is created once per successful payment; PaymentID is unique.
type Order struct {
	ID             string          `db:"id" json:"id"`
	OrderNumber    string          `db:"order_number" json:"order_number"`
	PaymentID      string          `db:"payment_id" json:"payment_id"`
	Provider       string          `db:"provider" json:"provider"`
	Status         OrderStatus     `db:"status" json:"status"`
	PaymentStatus  PaymentStatus   `db:"payment_status" json:"payment_status"`
	OriginalPrice  decimal.Decimal `db:"original_price" json:"original_price"`
	PaidPrice      decimal.Decimal `db:"paid_price" json:"paid_price"`
	DiscountCode   sql.NullString  `db:"discount_code" json:"-"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	UserID         sql.NullString  `db:"user_id" json:"-"`
	Buyer          Buyer           `db:"buyer" json:"buyer"`
	IP             string          `db:"ip" json:"ip"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// RefundStatus is the refund sub-state of an order item.
type RefundStatus string

const (
	RefundStatusNone       RefundStatus = "NONE"
	RefundStatusRequested  RefundStatus = "REQUESTED"
	RefundStatusProcessing RefundStatus = "PROCESSING"
	RefundStatusApproved   RefundStatus = "APPROVED"
	RefundStatusRejected   RefundStatus = "REJECTED"
)

// OrderItem is one variant line of an order.
type OrderItem struct {
	ID           string          `db:"id" json:"id"`
	OrderID      string          `db:"order_id" json:"order_id"`
	VariantID    string          `db:"variant_id" json:"variant_id"`
	Quantity     int             `db:"quantity" json:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	PaidPrice    decimal.Decimal `db:"paid_price" json:"paid_price"`
	TotalPrice   decimal.Decimal `db:"total_price" json:"total_price"`
	RefundStatus RefundStatus    `db:"refund_status" json:"refund_status"`
	Refunded     bool            `db:"refunded" json:"refunded"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// PendingPayment bridges a 3-D Secure initiation and its callback.
type PendingPayment struct {
	Token          string         `db:"token" json:"token"`
	Provider       string         `db:"provider" json:"provider"`
	ConversationID string         `db:"conversation_id" json:"conversation_id"`
	Basket         BasketSnapshot `db:"basket" json:"basket"`
	Buyer          Buyer          `db:"buyer" json:"buyer"`
	DiscountCode   sql.NullString `db:"discount_code" json:"-"`
	IP             string         `db:"ip" json:"ip"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	ExpiresAt      time.Time      `db:"expires_at" json:"expires_at"`
}

// Expired reports whether the pending payment is past its TTL at now.
func (p *PendingPayment) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// BasketSnapshot is the resolved basket persisted with a pending payment.
type BasketSnapshot struct {
	Items          []BasketItem    `json:"items"`
	OriginalTotal  decimal.Decimal `json:"original_total"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	PaidTotal      decimal.Decimal `json:"paid_total"`
}

// BasketItem is the aggregated per-variant view of a resolved basket.
type BasketItem struct {
	VariantID  string          `json:"variant_id"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	PaidPrice  decimal.Decimal `json:"paid_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

// Value implements driver.Valuer.
func (b BasketSnapshot) Value() (driver.Value, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (b *BasketSnapshot) Scan(src interface{}) error {
	return scanJSON(src, b)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}
