package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"storefront-checkout/internal/models"

	"github.com/google/uuid"
)

// NormalizeCode is the canonical form codes are stored and looked up in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreateDiscountCode inserts a code and its eligible products.
func (s *Store) CreateDiscountCode(ctx context.Context, dc *models.DiscountCode) error {
	if dc.ID == "" {
		dc.ID = uuid.NewString()
	}
	dc.Code = NormalizeCode(dc.Code)
	dc.CreatedAt = s.now()

	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(`
			INSERT INTO discount_codes (id, code, discount_type, discount_amount, usage_count, usage_limit, starts_at, ends_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			dc.ID, dc.Code, dc.DiscountType, dc.DiscountAmount, dc.UsageCount,
			dc.UsageLimit, dc.StartsAt, dc.EndsAt, dc.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("discount code %s: %w", dc.Code, ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("failed to create discount code: %w", err)
		}

		for _, productID := range dc.ProductIDs {
			_, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(`
				INSERT INTO discount_code_products (discount_code_id, product_id) VALUES (?, ?)`),
				dc.ID, productID)
			if err != nil && !isUniqueViolation(err) {
				return fmt.Errorf("failed to link product %s: %w", productID, err)
			}
		}
		return nil
	})
}

// GetDiscountCode looks a code up case-insensitively and loads its eligible
// products.
func (s *Store) GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := s.db.GetContext(ctx, &dc, s.db.Rebind(`
		SELECT id, code, discount_type, discount_amount, usage_count, usage_limit, starts_at, ends_at, created_at
		FROM discount_codes WHERE code = ?`), NormalizeCode(code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("discount code %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &dc.ProductIDs, s.db.Rebind(`
		SELECT product_id FROM discount_code_products WHERE discount_code_id = ? ORDER BY product_id`),
		dc.ID); err != nil {
		return nil, fmt.Errorf("failed to load discount products: %w", err)
	}
	return &dc, nil
}

// IncrementDiscountUsage counts one redemption of code. The cap is checked at
// validation time; a redemption racing past it is still recorded because the
// payment has already been taken.
func (t *Tx) IncrementDiscountUsage(ctx context.Context, code string) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE discount_codes SET usage_count = usage_count + 1 WHERE code = ?`), NormalizeCode(code))
	if err != nil {
		return fmt.Errorf("failed to increment discount usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("discount code %s: %w", code, ErrNotFound)
	}
	return nil
}
