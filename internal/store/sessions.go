package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/payrecon/internal/gateway"
	"github.com/noah-isme/payrecon/internal/recon"
)

// SessionStore persists payment sessions. A session is written once at
// initiate time and read-only afterward; its amount is the value later
// gateway echoes are validated against.
type SessionStore struct {
	pool *pgxpool.Pool
}

// Create records a new session.
func (s *SessionStore) Create(ctx context.Context, sess gateway.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_sessions (merchant_txn_id, order_id, merchant_user_id, amount_minor)
		VALUES ($1, $2, $3, $4)`,
		sess.MerchantTxnID, sess.OrderID, nullable(sess.MerchantUserID), sess.AmountMinor)
	if err != nil {
		return fmt.Errorf("insert payment session: %w", err)
	}
	return nil
}

// GetByMerchantTxn loads one session.
func (s *SessionStore) GetByMerchantTxn(ctx context.Context, merchantTxnID string) (*gateway.Session, error) {
	var sess gateway.Session
	err := s.pool.QueryRow(ctx, `
		SELECT merchant_txn_id, order_id::text, COALESCE(merchant_user_id, ''), amount_minor, created_at
		FROM payment_sessions WHERE merchant_txn_id = $1`, merchantTxnID,
	).Scan(&sess.MerchantTxnID, &sess.OrderID, &sess.MerchantUserID, &sess.AmountMinor, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recon.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment session: %w", err)
	}
	return &sess, nil
}

// LatestForOrder returns the most recent session opened for an order.
func (s *SessionStore) LatestForOrder(ctx context.Context, orderID string) (*gateway.Session, error) {
	var sess gateway.Session
	err := s.pool.QueryRow(ctx, `
		SELECT merchant_txn_id, order_id::text, COALESCE(merchant_user_id, ''), amount_minor, created_at
		FROM payment_sessions WHERE order_id = $1
		ORDER BY created_at DESC LIMIT 1`, orderID,
	).Scan(&sess.MerchantTxnID, &sess.OrderID, &sess.MerchantUserID, &sess.AmountMinor, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recon.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest session: %w", err)
	}
	return &sess, nil
}
