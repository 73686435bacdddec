package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/payrecon/internal/events"
)

// EventStore writes domain events to the audit table before fan-out.
type EventStore struct {
	pool *pgxpool.Pool
}

// Insert persists one event. The payload is stored as JSON.
func (s *EventStore) Insert(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO domain_events (id, topic, payload, occurred_at)
		VALUES ($1, $2, $3, $4)`,
		e.ID, e.Topic, payload, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert domain event: %w", err)
	}
	return nil
}
