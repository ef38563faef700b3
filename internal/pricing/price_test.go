package pricing

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculatePrice(t *testing.T) {
	tests := []struct {
		name                               string
		price, discount, tax               string
		final, original, discountAmt, taxA string
	}{
		{"no discount 18 tax", "100", "0", "18", "118", "118", "0", "18"},
		{"no tax", "49.99", "0", "0", "49.99", "49.99", "0", "0"},
		{"ten percent with tax", "100", "10", "18", "106.2", "118", "10", "16.2"},
		{"truncates discount", "19.99", "15", "0", "17", "19.99", "2.99", "0"},
		{"truncates tax", "33.33", "0", "8", "35.99", "35.99", "0", "2.66"},
		{"full discount", "250", "100", "20", "0", "300", "250", "0"},
		{"zero price", "0", "50", "18", "0", "0", "0", "0"},
		{"fractional percent", "999.99", "12.5", "1", "883.75", "1009.98", "124.99", "8.75"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CalculatePrice(d(tt.price), d(tt.discount), d(tt.tax))
			require.NoError(t, err)
			assert.True(t, d(tt.final).Equal(p.FinalPrice), "final: want %s got %s", tt.final, p.FinalPrice)
			assert.True(t, d(tt.original).Equal(p.OriginalPrice), "original: want %s got %s", tt.original, p.OriginalPrice)
			assert.True(t, d(tt.discountAmt).Equal(p.DiscountAmount), "discount: want %s got %s", tt.discountAmt, p.DiscountAmount)
			assert.True(t, d(tt.taxA).Equal(p.TaxAmount), "tax: want %s got %s", tt.taxA, p.TaxAmount)
		})
	}
}

func TestCalculatePriceRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name                 string
		price, discount, tax string
	}{
		{"negative price", "-1", "0", "18"},
		{"negative discount", "10", "-0.01", "18"},
		{"discount over 100", "10", "100.01", "18"},
		{"negative tax", "10", "0", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CalculatePrice(d(tt.price), d(tt.discount), d(tt.tax))
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestCalculatePriceDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		price := decimal.New(rng.Int63n(10_000_000), -2)
		discount := decimal.New(rng.Int63n(10_001), -2)
		tax := decimal.New(rng.Int63n(5_000), -2)

		first, err := CalculatePrice(price, discount, tax)
		require.NoError(t, err)
		second, err := CalculatePrice(price, discount, tax)
		require.NoError(t, err)

		assert.True(t, first.FinalPrice.Equal(second.FinalPrice))
		assert.True(t, first.OriginalPrice.Equal(second.OriginalPrice))
		assert.True(t, first.FinalPrice.LessThanOrEqual(first.OriginalPrice))
		assert.True(t, first.FinalPrice.Equal(first.FinalPrice.Truncate(2)))
		assert.False(t, first.FinalPrice.IsNegative())
	}
}

func TestPercentageOf(t *testing.T) {
	assert.True(t, d("30").Equal(PercentageOf(d("300"), d("10"))))
	assert.True(t, d("3.33").Equal(PercentageOf(d("33.33"), d("10"))))
	assert.True(t, d("0").Equal(PercentageOf(d("0.09"), d("10"))))
}
