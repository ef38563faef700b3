package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-checkout/internal/models"
	"storefront-checkout/internal/pricing"
	"storefront-checkout/internal/store"
	"storefront-checkout/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DiscountValidation is the outcome of checking a code against a basket.
// Rejections are reported through Success and Message.
type DiscountValidation struct {
	Success        bool                `json:"success"`
	Message        string              `json:"message,omitempty"`
	Code           string              `json:"code,omitempty"`
	DiscountType   models.DiscountType `json:"discount_type,omitempty"`
	DiscountAmount decimal.Decimal     `json:"discount_amount"`
}

func rejectDiscount(msg string) *DiscountValidation {
	return &DiscountValidation{Success: false, Message: msg}
}

// Resolve turns the code's configured amount into the currency amount taken
// off originalTotal.
func (v *DiscountValidation) Resolve(originalTotal decimal.Decimal) decimal.Decimal {
	if v.DiscountType == models.DiscountTypePercentage {
		return pricing.PercentageOf(originalTotal, v.DiscountAmount)
	}
	return v.DiscountAmount
}

// DiscountValidator checks discount codes.
type DiscountValidator struct {
	store  *store.Store
	now    func() time.Time
	logger *zap.Logger
}

func NewDiscountValidator(st *store.Store) *DiscountValidator {
	return &DiscountValidator{store: st, now: time.Now, logger: util.GetLogger()}
}

// Validate checks code's window, usage cap and eligible products against the
// basket's variants.
func (d *DiscountValidator) Validate(ctx context.Context, code string, variantIDs []string) (*DiscountValidation, error) {
	ctx, span := util.StartSpan(ctx, "DiscountValidator.Validate")
	defer span.End()

	dc, err := d.store.GetDiscountCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return rejectDiscount(msgDiscountUnknown), nil
	}
	if err != nil {
		return nil, util.RecordError(span, fmt.Errorf("failed to load discount code: %w", err))
	}

	now := d.now()
	if dc.StartsAt.Valid && now.Before(dc.StartsAt.Time) {
		return rejectDiscount(msgDiscountNotStarted), nil
	}
	if dc.EndsAt.Valid && now.After(dc.EndsAt.Time) {
		return rejectDiscount(msgDiscountExpired), nil
	}
	if dc.UsageLimit.Valid && int64(dc.UsageCount) >= dc.UsageLimit.Int64 {
		return rejectDiscount(msgDiscountExhausted), nil
	}

	if len(dc.ProductIDs) > 0 {
		variants, err := d.store.GetVariantsByIDs(ctx, variantIDs)
		if err != nil {
			return nil, util.RecordError(span, fmt.Errorf("failed to load variants: %w", err))
		}
		eligible := make(map[string]bool, len(dc.ProductIDs))
		for _, pid := range dc.ProductIDs {
			eligible[pid] = true
		}
		match := false
		for _, v := range variants {
			if eligible[v.ProductID] {
				match = true
				break
			}
		}
		if !match {
			return rejectDiscount(msgDiscountNotEligible), nil
		}
	}

	return &DiscountValidation{
		Success:        true,
		Code:           dc.Code,
		DiscountType:   dc.DiscountType,
		DiscountAmount: dc.DiscountAmount,
	}, nil
}

// apply validates code against b and, on success, distributes the discount
// over b's units.
func (d *DiscountValidator) apply(ctx context.Context, code string, b *ResolvedBasket) (*DiscountValidation, error) {
	v, err := d.Validate(ctx, code, b.VariantIDs())
	if err != nil || !v.Success {
		return v, err
	}
	return applyDiscount(v, b)
}

// applyDiscount distributes a validated code over b. A code worth the whole
// basket or more is rejected.
func applyDiscount(v *DiscountValidation, b *ResolvedBasket) (*DiscountValidation, error) {
	amount := v.Resolve(b.OriginalTotal)
	if amount.GreaterThanOrEqual(b.OriginalTotal) {
		return rejectDiscount(msgDiscountTooLarge), nil
	}
	if err := b.ApplyDiscount(amount); err != nil {
		switch {
		case errors.Is(err, pricing.ErrDiscountTooLarge):
			return rejectDiscount(msgDiscountTooLarge), nil
		case errors.Is(err, pricing.ErrUndistributable):
			return rejectDiscount(msgDiscountUndistributable), nil
		}
		return nil, err
	}
	return v, nil
}
