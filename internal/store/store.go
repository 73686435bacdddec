package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payrecon/internal/obs"
)

// Store bundles the Postgres-backed persistence for orders, payment sessions,
// reconciliation records and domain events. All stores share one pool.
type Store struct {
	Pool   *pgxpool.Pool
	Logger zerolog.Logger
}

// Connect opens a pgx pool against the given URL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.ConnConfig.Tracer = &obs.PGXTracer{}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{Pool: pool, Logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// Orders returns the order store view.
func (s *Store) Orders() *OrderStore { return &OrderStore{pool: s.Pool} }

// Sessions returns the payment session store view.
func (s *Store) Sessions() *SessionStore { return &SessionStore{pool: s.Pool} }

// Records returns the reconciliation record store view.
func (s *Store) Records() *RecordStore { return &RecordStore{pool: s.Pool} }

// Events returns the domain event store view.
func (s *Store) Events() *EventStore { return &EventStore{pool: s.Pool} }
