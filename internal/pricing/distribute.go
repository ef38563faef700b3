package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrDiscountTooLarge is returned when a discount would zero out the basket.
	ErrDiscountTooLarge = errors.New("discount exceeds basket total")
	// ErrUndistributable is returned when the discount is below the total but
	// the last line is too cheap to absorb the remainder left by truncation,
	// typically because it is a zero-priced unit.
	ErrUndistributable = errors.New("discount cannot be distributed over basket")
)

// Line is one physical unit in a basket.
type Line struct {
	VariantID string          `json:"variant_id"`
	Price     decimal.Decimal `json:"price"`
	Discount  decimal.Decimal `json:"discount"`
	PaidPrice decimal.Decimal `json:"paid_price"`
}

// Sum adds up the paid prices of lines.
func Sum(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.PaidPrice)
	}
	return total
}

// Distribute spreads discount across lines in proportion to each line's price.
// The last line takes whatever the truncated shares left over, then a second
// pass re-sums every line and moves any residual cent onto the last line, so
// the paid prices always add up to originalTotal - discount exactly.
func Distribute(lines []Line, originalTotal, discount decimal.Decimal) ([]Line, error) {
	out := make([]Line, len(lines))
	copy(out, lines)
	if len(out) == 0 {
		return out, nil
	}

	if discount.IsZero() {
		for i := range out {
			out[i].Discount = decimal.Zero
			out[i].PaidPrice = out[i].Price
		}
		return out, nil
	}
	if discount.IsNegative() {
		return nil, fmt.Errorf("%w: discount must be non-negative, got %s", ErrInvalidArgument, discount)
	}
	if discount.GreaterThanOrEqual(originalTotal) {
		return nil, fmt.Errorf("%w: discount %s, total %s", ErrDiscountTooLarge, discount, originalTotal)
	}

	last := len(out) - 1
	allocated := decimal.Zero
	for i := range out {
		var share decimal.Decimal
		if i == last {
			share = discount.Sub(allocated)
		} else {
			share = Truncate2(out[i].Price.Mul(discount).Div(originalTotal))
		}
		allocated = allocated.Add(share)
		out[i].Discount = share
		out[i].PaidPrice = out[i].Price.Sub(share)
	}

	target := originalTotal.Sub(discount)
	if residual := target.Sub(Sum(out)); !residual.IsZero() {
		out[last].PaidPrice = out[last].PaidPrice.Add(residual)
		out[last].Discount = out[last].Price.Sub(out[last].PaidPrice)
	}

	if out[last].PaidPrice.IsNegative() {
		return nil, fmt.Errorf("%w: last line would be %s", ErrUndistributable, out[last].PaidPrice)
	}
	return out, nil
}
