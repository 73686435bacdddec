package recon

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/payrecon/internal/gateway"
)

var (
	// ErrOrderNotFound is returned by OrderStore when no order matches the
	// merchant transaction id.
	ErrOrderNotFound = errors.New("recon: order not found")
	// ErrRecordNotFound is returned by RecordStore when no reconciliation
	// record exists yet for a merchant transaction id.
	ErrRecordNotFound = errors.New("recon: reconciliation record not found")
	// ErrStateConflict is returned by OrderStore mutations whose state guard
	// rejected the transition: the order moved on since it was read. The
	// engine resolves it as a no-op, not a failure.
	ErrStateConflict = errors.New("recon: order state does not permit transition")
)

// Order is the engine's view of an order. Payment state transitions flow
// through the store methods; the engine only consults the guards.
type Order struct {
	ID               string
	UserID           string
	TotalMinor       int64
	Currency         string
	PaymentState     gateway.Status
	AuthorizationRef string
	UpdatedAt        time.Time
}

// CanMarkAuthorized reports whether the order may move to Authorized.
func (o *Order) CanMarkAuthorized() bool {
	return o.PaymentState == "" || o.PaymentState == gateway.StatusPending
}

// CanMarkPaid reports whether the order may move to Paid.
func (o *Order) CanMarkPaid() bool {
	return o.PaymentState == "" || o.PaymentState == gateway.StatusPending || o.PaymentState == gateway.StatusAuthorized
}

// CanMarkVoided reports whether the order may move to Voided.
func (o *Order) CanMarkVoided() bool {
	return o.PaymentState == "" || o.PaymentState == gateway.StatusPending || o.PaymentState == gateway.StatusAuthorized
}

// CanRefund reports whether a refund may be applied. Refunds follow Paid only.
func (o *Order) CanRefund() bool {
	return o.PaymentState == gateway.StatusPaid || o.PaymentState == gateway.StatusRefunded
}

// Record is the persisted idempotency marker, one per merchant transaction id.
// It is owned exclusively by the engine and written only inside the per-key
// critical section.
type Record struct {
	MerchantTxnID     string
	LastAppliedStatus gateway.Status
	AppliedAt         time.Time
}

// OrderStore is the order collaborator. Each mutation is atomically durable on
// the store side; the engine performs no rollback of its own.
type OrderStore interface {
	GetByMerchantTxn(ctx context.Context, merchantTxnID string) (*Order, error)
	MarkAuthorized(ctx context.Context, orderID, authRef string) error
	MarkPaid(ctx context.Context, orderID, authRef string) error
	MarkVoided(ctx context.Context, orderID string) error
	RefundFull(ctx context.Context, orderID string) error
	RefundPartial(ctx context.Context, orderID string, amountMinor int64) error
	AppendNote(ctx context.Context, orderID, note string) error
}

// RecordStore persists reconciliation records.
type RecordStore interface {
	Get(ctx context.Context, merchantTxnID string) (*Record, error)
	Upsert(ctx context.Context, rec Record) error
}

// SessionStore resolves the payment session created at initiate time. The
// session carries the amount actually sent to the gateway, which is the value
// echoed amounts are validated against.
type SessionStore interface {
	GetByMerchantTxn(ctx context.Context, merchantTxnID string) (*gateway.Session, error)
}

// KeyLocker serializes reconciliation per merchant transaction id.
type KeyLocker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// EventPublisher receives domain events for applied transitions.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Disposition classifies the result of one reconcile call.
type Disposition string

const (
	DispositionApplied       Disposition = "applied"
	DispositionNoOp          Disposition = "noop"
	DispositionRejected      Disposition = "rejected"
	DispositionOrderNotFound Disposition = "order_not_found"
)

// Reasons attached to non-applied results.
const (
	ReasonAlreadyFinal   = "already_final"
	ReasonAmountMismatch = "amount_mismatch"
	ReasonStillPending   = "still_pending"
	ReasonStateUnchanged = "state_unchanged"
)

// Result is the outcome of a reconcile call.
type Result struct {
	Disposition Disposition
	Status      gateway.Status
	Reason      string
	OrderID     string
}

// Applied reports whether the call mutated order payment state.
func (r Result) Applied() bool { return r.Disposition == DispositionApplied }
