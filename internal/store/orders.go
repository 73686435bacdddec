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

// OrderStore persists orders and their audit notes.
type OrderStore struct {
	pool *pgxpool.Pool
}

// Create inserts an order and returns its id.
func (s *OrderStore) Create(ctx context.Context, userID string, totalMinor int64, currency string) (string, error) {
	if currency == "" {
		currency = "INR"
	}
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO orders (user_id, total_minor, currency, payment_state)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		nullable(userID), totalMinor, currency, string(gateway.StatusPending),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

// Get loads one order by id.
func (s *OrderStore) Get(ctx context.Context, orderID string) (*recon.Order, error) {
	return s.scanOrder(s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(user_id::text, ''), total_minor, currency, payment_state,
		       COALESCE(authorization_ref, ''), updated_at
		FROM orders WHERE id = $1`, orderID))
}

// GetByMerchantTxn resolves the order through its payment session.
func (s *OrderStore) GetByMerchantTxn(ctx context.Context, merchantTxnID string) (*recon.Order, error) {
	return s.scanOrder(s.pool.QueryRow(ctx, `
		SELECT o.id, COALESCE(o.user_id::text, ''), o.total_minor, o.currency, o.payment_state,
		       COALESCE(o.authorization_ref, ''), o.updated_at
		FROM orders o
		JOIN payment_sessions ps ON ps.order_id = o.id
		WHERE ps.merchant_txn_id = $1`, merchantTxnID))
}

// LatestForUser returns the id of the user's most recent order, if any.
func (s *OrderStore) LatestForUser(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM orders WHERE user_id = $1
		ORDER BY created_at DESC LIMIT 1`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", recon.ErrOrderNotFound
	}
	if err != nil {
		return "", fmt.Errorf("latest order for user: %w", err)
	}
	return id, nil
}

// MarkAuthorized moves the order to Authorized when its current state allows.
func (s *OrderStore) MarkAuthorized(ctx context.Context, orderID, authRef string) error {
	return s.transition(ctx, orderID, gateway.StatusAuthorized, authRef,
		[]gateway.Status{gateway.StatusPending})
}

// MarkPaid moves the order to Paid and records the authorization reference.
func (s *OrderStore) MarkPaid(ctx context.Context, orderID, authRef string) error {
	return s.transition(ctx, orderID, gateway.StatusPaid, authRef,
		[]gateway.Status{gateway.StatusPending, gateway.StatusAuthorized})
}

// MarkVoided moves the order to Voided.
func (s *OrderStore) MarkVoided(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, gateway.StatusVoided, "",
		[]gateway.Status{gateway.StatusPending, gateway.StatusAuthorized})
}

// RefundFull marks the full amount refunded.
func (s *OrderStore) RefundFull(ctx context.Context, orderID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET payment_state = $2, refunded_minor = total_minor, updated_at = now()
		WHERE id = $1 AND payment_state IN ($3, $4)`,
		orderID, string(gateway.StatusRefunded),
		string(gateway.StatusPaid), string(gateway.StatusRefunded))
	if err != nil {
		return fmt.Errorf("refund full: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recon.ErrStateConflict
	}
	return nil
}

// RefundPartial accumulates a partial refund without leaving Paid.
func (s *OrderStore) RefundPartial(ctx context.Context, orderID string, amountMinor int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET refunded_minor = refunded_minor + $2, updated_at = now()
		WHERE id = $1 AND payment_state IN ($3, $4)`,
		orderID, amountMinor,
		string(gateway.StatusPaid), string(gateway.StatusRefunded))
	if err != nil {
		return fmt.Errorf("refund partial: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recon.ErrStateConflict
	}
	return nil
}

// AppendNote records an audit line against the order.
func (s *OrderStore) AppendNote(ctx context.Context, orderID, note string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_notes (order_id, note) VALUES ($1, $2)`, orderID, note)
	if err != nil {
		return fmt.Errorf("append note: %w", err)
	}
	return nil
}

// Notes lists audit notes, newest first.
func (s *OrderStore) Notes(ctx context.Context, orderID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT note FROM order_notes WHERE order_id = $1 ORDER BY created_at DESC, id DESC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *OrderStore) transition(ctx context.Context, orderID string, to gateway.Status, authRef string, from []gateway.Status) error {
	states := make([]string, 0, len(from))
	for _, st := range from {
		states = append(states, string(st))
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET payment_state = $2,
		    authorization_ref = CASE WHEN $3 <> '' THEN $3 ELSE authorization_ref END,
		    updated_at = now()
		WHERE id = $1 AND payment_state = ANY($4)`,
		orderID, string(to), authRef, states)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		return recon.ErrStateConflict
	}
	return nil
}

func (s *OrderStore) scanOrder(row pgx.Row) (*recon.Order, error) {
	var o recon.Order
	var state string
	err := row.Scan(&o.ID, &o.UserID, &o.TotalMinor, &o.Currency, &state, &o.AuthorizationRef, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recon.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.PaymentState = gateway.Status(state)
	return &o, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
