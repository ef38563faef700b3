package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront-checkout/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const pricedVariantColumns = `
	v.id, v.product_id, v.sku, v.option_data, v.price, v.discount_pct, v.stock,
	v.published, v.deleted, v.created_at,
	p.name AS product_name, p.tax_rate, p.published AS product_published, p.deleted AS product_deleted`

// CreateProduct inserts a product, assigning an id when empty.
func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO products (id, name, tax_rate, published, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		p.ID, p.Name, p.TaxRate, p.Published, p.Deleted, p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("product %s: %w", p.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}

// CreateVariant inserts a variant under an existing product.
func (s *Store) CreateVariant(ctx context.Context, v *models.Variant) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO variants (id, product_id, sku, option_data, price, discount_pct, stock, published, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.ProductID, v.SKU, v.Option, v.Price, v.DiscountPct, v.Stock, v.Published, v.Deleted, v.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("variant %s: %w", v.SKU, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create variant: %w", err)
	}
	return nil
}

// GetVariant returns a variant joined with its product.
func (s *Store) GetVariant(ctx context.Context, id string) (*models.PricedVariant, error) {
	var v models.PricedVariant
	err := s.db.GetContext(ctx, &v, s.db.Rebind(`SELECT `+pricedVariantColumns+`
		FROM variants v JOIN products p ON p.id = v.product_id
		WHERE v.id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("variant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVariantsByIDs returns the variants that exist among ids, keyed by id.
func (s *Store) GetVariantsByIDs(ctx context.Context, ids []string) (map[string]*models.PricedVariant, error) {
	out := make(map[string]*models.PricedVariant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`SELECT `+pricedVariantColumns+`
		FROM variants v JOIN products p ON p.id = v.product_id
		WHERE v.id IN (?)`, ids)
	if err != nil {
		return nil, err
	}

	var variants []models.PricedVariant
	if err := s.db.SelectContext(ctx, &variants, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load variants: %w", err)
	}
	for i := range variants {
		out[variants[i].ID] = &variants[i]
	}
	return out, nil
}

// ListVariants returns every sellable variant, used by the seed tool output.
func (s *Store) ListVariants(ctx context.Context) ([]models.PricedVariant, error) {
	var variants []models.PricedVariant
	err := s.db.SelectContext(ctx, &variants, `SELECT `+pricedVariantColumns+`
		FROM variants v JOIN products p ON p.id = v.product_id
		WHERE v.deleted = FALSE AND p.deleted = FALSE
		ORDER BY p.name, v.sku`)
	return variants, err
}

// DecrementStock removes qty units, failing with ErrInsufficientStock when the
// variant does not hold enough.
func (t *Tx) DecrementStock(ctx context.Context, variantID string, qty int) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE variants SET stock = stock - ? WHERE id = ? AND stock >= ?`),
		qty, variantID, qty)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("variant %s: %w", variantID, ErrInsufficientStock)
	}
	return nil
}

// IncrementStock returns qty units to a variant after a cancel or refund.
func (t *Tx) IncrementStock(ctx context.Context, variantID string, qty int) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE variants SET stock = stock + ? WHERE id = ?`), qty, variantID)
	if err != nil {
		return fmt.Errorf("failed to increment stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("variant %s: %w", variantID, ErrNotFound)
	}
	return nil
}
