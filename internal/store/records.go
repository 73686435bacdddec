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

// RecordStore persists reconciliation records, the idempotency markers keyed
// by merchant transaction id.
type RecordStore struct {
	pool *pgxpool.Pool
}

// Get loads one record.
func (s *RecordStore) Get(ctx context.Context, merchantTxnID string) (*recon.Record, error) {
	var rec recon.Record
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT merchant_txn_id, last_applied_status, applied_at
		FROM reconciliation_records WHERE merchant_txn_id = $1`, merchantTxnID,
	).Scan(&rec.MerchantTxnID, &status, &rec.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recon.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load reconciliation record: %w", err)
	}
	rec.LastAppliedStatus = gateway.Status(status)
	return &rec, nil
}

// Upsert writes the record, replacing any previous status.
func (s *RecordStore) Upsert(ctx context.Context, rec recon.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_records (merchant_txn_id, last_applied_status, applied_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (merchant_txn_id)
		DO UPDATE SET last_applied_status = EXCLUDED.last_applied_status,
		              applied_at = EXCLUDED.applied_at`,
		rec.MerchantTxnID, string(rec.LastAppliedStatus), rec.AppliedAt)
	if err != nil {
		return fmt.Errorf("upsert reconciliation record: %w", err)
	}
	return nil
}
