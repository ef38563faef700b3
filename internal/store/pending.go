package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storefront-checkout/internal/models"
)

const pendingColumns = `token, provider, conversation_id, basket, buyer, discount_code, ip, created_at, expires_at`

// CreatePendingPayment stores the state needed to finish a 3-D Secure charge.
func (s *Store) CreatePendingPayment(ctx context.Context, p *models.PendingPayment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO pending_payments (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.Token, p.Provider, p.ConversationID, p.Basket, p.Buyer, p.DiscountCode, p.IP, p.CreatedAt.UTC(), p.ExpiresAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("pending payment %s: %w", p.Token, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create pending payment: %w", err)
	}
	return nil
}

// GetPendingPayment returns the pending payment for token.
func (s *Store) GetPendingPayment(ctx context.Context, token string) (*models.PendingPayment, error) {
	var p models.PendingPayment
	err := s.db.GetContext(ctx, &p, s.db.Rebind(
		`SELECT `+pendingColumns+` FROM pending_payments WHERE token = ?`), token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending payment %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPendingPaymentByConversation finds the pending payment a webhook refers to.
func (s *Store) GetPendingPaymentByConversation(ctx context.Context, conversationID string) (*models.PendingPayment, error) {
	var p models.PendingPayment
	err := s.db.GetContext(ctx, &p, s.db.Rebind(
		`SELECT `+pendingColumns+` FROM pending_payments WHERE conversation_id = ?`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending payment for conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePendingPayment removes token. Deleting a missing token is not an error.
func (s *Store) DeletePendingPayment(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM pending_payments WHERE token = ?`), token)
	if err != nil {
		return fmt.Errorf("failed to delete pending payment: %w", err)
	}
	return nil
}

// DeleteExpiredPendingPayments removes every record that expired before now
// and returns how many were removed.
func (s *Store) DeleteExpiredPendingPayments(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM pending_payments WHERE expires_at <= ?`), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reap pending payments: %w", err)
	}
	return res.RowsAffected()
}

// ClaimPendingPayment reads and deletes token inside the transaction. Only one
// concurrent claimant sees the row; the rest get ErrNotFound.
func (t *Tx) ClaimPendingPayment(ctx context.Context, token string) (*models.PendingPayment, error) {
	var p models.PendingPayment
	err := t.tx.GetContext(ctx, &p, t.tx.Rebind(
		`SELECT `+pendingColumns+` FROM pending_payments WHERE token = ?`), token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending payment %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`DELETE FROM pending_payments WHERE token = ?`), token)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("pending payment %s: %w", token, ErrNotFound)
	}
	return &p, nil
}
