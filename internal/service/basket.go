package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"storefront-checkout/internal/models"
	"storefront-checkout/internal/pricing"
	"storefront-checkout/internal/store"
	"storefront-checkout/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxBasketUnits caps how many physical units one checkout may expand to.
const MaxBasketUnits = 200

var (
	ErrInvalidQuantity    = errors.New("quantity must be at least 1")
	ErrEmptyBasket        = errors.New("basket is empty")
	ErrBasketTooLarge     = errors.New("basket has too many units")
	ErrVariantNotFound    = errors.New("variant not found")
	ErrVariantUnavailable = errors.New("variant is not for sale")
	ErrOutOfStock         = errors.New("variant is out of stock")
)

// LineRequest is a client's purchase intent for one variant. Quantity is
// floored to an integer.
type LineRequest struct {
	VariantID string  `json:"variant_id" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"gte=1"`
}

// ResolvedBasket is a basket priced from storage.
type ResolvedBasket struct {
	// Units holds one entry per physical unit, in request order.
	Units []pricing.Line
	// Items is the aggregated per-variant view, in request order.
	Items []models.BasketItem

	OriginalTotal   decimal.Decimal
	DiscountAmount  decimal.Decimal
	DiscountedTotal decimal.Decimal

	variants map[string]*models.PricedVariant
}

// VariantIDs returns the distinct variant ids in the basket.
func (b *ResolvedBasket) VariantIDs() []string {
	ids := make([]string, len(b.Items))
	for i, it := range b.Items {
		ids[i] = it.VariantID
	}
	return ids
}

// ProductIDs returns the distinct product ids in the basket.
func (b *ResolvedBasket) ProductIDs() []string {
	seen := make(map[string]bool, len(b.variants))
	var ids []string
	for _, it := range b.Items {
		pid := b.variants[it.VariantID].ProductID
		if !seen[pid] {
			seen[pid] = true
			ids = append(ids, pid)
		}
	}
	return ids
}

// ApplyDiscount distributes amount over every unit and recomputes the
// aggregated items.
func (b *ResolvedBasket) ApplyDiscount(amount decimal.Decimal) error {
	units, err := pricing.Distribute(b.Units, b.OriginalTotal, amount)
	if err != nil {
		return err
	}
	b.Units = units
	b.DiscountAmount = amount
	b.DiscountedTotal = pricing.Sum(units)

	paid := make(map[string]decimal.Decimal, len(b.Items))
	for _, u := range units {
		paid[u.VariantID] = paid[u.VariantID].Add(u.PaidPrice)
	}
	for i := range b.Items {
		b.Items[i].PaidPrice = paid[b.Items[i].VariantID]
	}
	return nil
}

// Snapshot is the form persisted with a pending payment.
func (b *ResolvedBasket) Snapshot() models.BasketSnapshot {
	items := make([]models.BasketItem, len(b.Items))
	copy(items, b.Items)
	return models.BasketSnapshot{
		Items:          items,
		OriginalTotal:  b.OriginalTotal,
		DiscountAmount: b.DiscountAmount,
		PaidTotal:      b.DiscountedTotal,
	}
}

// BasketResolver prices baskets from storage; client-supplied prices are never
// read.
type BasketResolver struct {
	store  *store.Store
	logger *zap.Logger
}

func NewBasketResolver(st *store.Store) *BasketResolver {
	return &BasketResolver{store: st, logger: util.GetLogger()}
}

type aggregate struct {
	variantID string
	qty       int
}

// normalizeLines floors quantities and merges repeated variants, keeping the
// order of first appearance.
func normalizeLines(lines []LineRequest) ([]aggregate, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyBasket
	}

	index := make(map[string]int, len(lines))
	var out []aggregate
	total := 0
	for _, l := range lines {
		if l.VariantID == "" {
			return nil, fmt.Errorf("%w: missing variant", ErrVariantNotFound)
		}
		if math.IsNaN(l.Quantity) || math.IsInf(l.Quantity, 0) {
			return nil, fmt.Errorf("%w: variant %s", ErrInvalidQuantity, l.VariantID)
		}
		q := math.Floor(l.Quantity)
		if q <= 0 {
			return nil, fmt.Errorf("%w: variant %s", ErrInvalidQuantity, l.VariantID)
		}
		if q > MaxBasketUnits {
			return nil, ErrBasketTooLarge
		}
		total += int(q)
		if total > MaxBasketUnits {
			return nil, ErrBasketTooLarge
		}

		if i, ok := index[l.VariantID]; ok {
			out[i].qty += int(q)
			continue
		}
		index[l.VariantID] = len(out)
		out = append(out, aggregate{variantID: l.VariantID, qty: int(q)})
	}
	return out, nil
}

// Resolve prices lines. Stock is checked but not reserved; the decrement
// happens when the order is materialized.
func (r *BasketResolver) Resolve(ctx context.Context, lines []LineRequest) (*ResolvedBasket, error) {
	ctx, span := util.StartSpan(ctx, "BasketResolver.Resolve")
	defer span.End()

	aggs, err := normalizeLines(lines)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(aggs))
	for i, a := range aggs {
		ids[i] = a.variantID
	}
	variants, err := r.store.GetVariantsByIDs(ctx, ids)
	if err != nil {
		return nil, util.RecordError(span, fmt.Errorf("failed to load basket variants: %w", err))
	}

	b := &ResolvedBasket{variants: variants}
	for _, a := range aggs {
		v, ok := variants[a.variantID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, a.variantID)
		}
		if !v.Sellable() {
			return nil, fmt.Errorf("%w: %s", ErrVariantUnavailable, a.variantID)
		}
		if v.Stock < a.qty {
			r.logger.Info("basket exceeds stock",
				zap.String("variant_id", v.ID), zap.Int("stock", v.Stock), zap.Int("requested", a.qty))
			return nil, fmt.Errorf("%w: %s", ErrOutOfStock, a.variantID)
		}

		price, err := pricing.CalculatePrice(v.Price, v.DiscountPct, v.TaxRate)
		if err != nil {
			return nil, util.RecordError(span, fmt.Errorf("variant %s has invalid pricing: %w", v.ID, err))
		}

		for i := 0; i < a.qty; i++ {
			b.Units = append(b.Units, pricing.Line{
				VariantID: v.ID,
				Price:     price.FinalPrice,
				PaidPrice: price.FinalPrice,
			})
		}
		total := price.FinalPrice.Mul(decimal.NewFromInt(int64(a.qty)))
		b.Items = append(b.Items, models.BasketItem{
			VariantID:  v.ID,
			Name:       variantName(v),
			Quantity:   a.qty,
			UnitPrice:  price.FinalPrice,
			PaidPrice:  total,
			TotalPrice: total,
		})
		b.OriginalTotal = b.OriginalTotal.Add(total)
	}
	b.DiscountedTotal = b.OriginalTotal
	return b, nil
}

func variantName(v *models.PricedVariant) string {
	if v.Option.Option == nil {
		return v.ProductName
	}
	return v.ProductName + " " + v.Option.Option.Label()
}

// isBasketDecline reports whether err is an expected basket outcome rather
// than a failure.
func isBasketDecline(err error) bool {
	for _, target := range []error{
		ErrInvalidQuantity, ErrEmptyBasket, ErrBasketTooLarge,
		ErrVariantNotFound, ErrVariantUnavailable, ErrOutOfStock,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
