package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidArgument is returned when a price input is out of range.
var ErrInvalidArgument = errors.New("invalid argument")

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Price is the consumer-facing breakdown of a single unit.
type Price struct {
	FinalPrice     decimal.Decimal `json:"final_price"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
}

// Truncate2 cuts d to two decimal places toward zero.
func Truncate2(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(2)
}

// CalculatePrice converts a base price, a discount percentage and a tax rate
// (both in percent) into the final tax-inclusive price. Every intermediate
// amount is truncated to two decimals in order: discount, discounted price,
// tax, final price.
func CalculatePrice(price, discountPct, taxRate decimal.Decimal) (Price, error) {
	if price.LessThan(zero) {
		return Price{}, fmt.Errorf("%w: price must be non-negative, got %s", ErrInvalidArgument, price)
	}
	if discountPct.LessThan(zero) || discountPct.GreaterThan(hundred) {
		return Price{}, fmt.Errorf("%w: discount must be between 0 and 100, got %s", ErrInvalidArgument, discountPct)
	}
	if taxRate.LessThan(zero) {
		return Price{}, fmt.Errorf("%w: tax rate must be non-negative, got %s", ErrInvalidArgument, taxRate)
	}

	discountAmount := Truncate2(price.Mul(discountPct).Div(hundred))
	discounted := Truncate2(price.Sub(discountAmount))
	taxAmount := Truncate2(discounted.Mul(taxRate).Div(hundred))
	finalPrice := Truncate2(discounted.Add(taxAmount))

	originalTax := Truncate2(price.Mul(taxRate).Div(hundred))
	originalPrice := Truncate2(price.Add(originalTax))

	return Price{
		FinalPrice:     finalPrice,
		OriginalPrice:  originalPrice,
		DiscountAmount: discountAmount,
		TaxAmount:      taxAmount,
	}, nil
}

// PercentageOf returns pct percent of total, truncated.
func PercentageOf(total, pct decimal.Decimal) decimal.Decimal {
	return Truncate2(total.Mul(pct).Div(hundred))
}
