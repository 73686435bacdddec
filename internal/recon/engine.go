package recon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/payrecon/internal/events"
	"github.com/noah-isme/payrecon/internal/gateway"
	"github.com/noah-isme/payrecon/internal/obs"
)

// Engine is the single writer of order payment state. Outcomes arrive from
// the poll worker and from the callback endpoints, possibly duplicated and in
// any order; reconciliation of one merchant transaction id is serialized by
// the key locker so at most one writer is in steps guard-apply-record at a
// time.
type Engine struct {
	Orders   OrderStore
	Records  RecordStore
	Sessions SessionStore
	Locker   KeyLocker
	Events   EventPublisher
	LockTTL  time.Duration
	Logger   zerolog.Logger
}

const lockKeyPrefix = "recon:lock:"

// Reconcile maps the outcome and applies it to the order exactly once.
// A malformed outcome (missing merchant transaction id) is the only error
// path attributable to the caller; everything the gateway can say resolves to
// a Result.
func (e *Engine) Reconcile(ctx context.Context, out gateway.Outcome) (Result, error) {
	mtid := strings.TrimSpace(out.MerchantTxnID)
	if mtid == "" {
		return Result{}, errors.New("recon: outcome missing merchant transaction id")
	}
	ctx, span := otel.Tracer("recon").Start(ctx, "engine.reconcile")
	span.SetAttributes(
		attribute.String("payment.merchant_txn_id", mtid),
		attribute.String("payment.gateway_code", out.Code),
	)
	defer span.End()
	status := out.Status
	if status == "" {
		status = gateway.MapStatus(out.Code, out.PendingReason)
	}

	order, err := e.Orders.GetByMerchantTxn(ctx, mtid)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			e.Logger.Warn().Str("merchant_txn_id", mtid).Msg("outcome for unknown order")
			return e.count(Result{Disposition: DispositionOrderNotFound, Status: status}), nil
		}
		return Result{}, fmt.Errorf("load order: %w", err)
	}

	expected := e.expectedAmount(ctx, mtid, order)
	if mismatch := e.amountMismatch(status, out, expected); mismatch {
		res := Result{Disposition: DispositionRejected, Status: status, Reason: ReasonAmountMismatch, OrderID: order.ID}
		e.Logger.Error().
			Str("merchant_txn_id", mtid).
			Str("order_id", order.ID).
			Int64("expected_minor", expected).
			Int64("reported_minor", out.AmountMinor).
			Msg("gateway amount does not match amount sent")
		e.note(ctx, order.ID, out, status, res)
		return e.count(res), nil
	}

	var res Result
	err = e.Locker.WithLock(ctx, lockKeyPrefix+mtid, e.LockTTL, func(ctx context.Context) error {
		var lockErr error
		res, lockErr = e.apply(ctx, order, out, status, expected)
		return lockErr
	})
	if err != nil {
		return Result{}, err
	}
	e.note(ctx, order.ID, out, status, res)
	return e.count(res), nil
}

// apply runs the guarded transition inside the per-key critical section.
func (e *Engine) apply(ctx context.Context, order *Order, out gateway.Outcome, status gateway.Status, expected int64) (Result, error) {
	mtid := strings.TrimSpace(out.MerchantTxnID)

	// The snapshot passed in predates the lock; a concurrent delivery for
	// the same transaction may have applied in between. Guards must see the
	// state as of the critical section.
	fresh, err := e.Orders.GetByMerchantTxn(ctx, mtid)
	switch {
	case err == nil:
		order = fresh
	case !errors.Is(err, ErrOrderNotFound):
		return Result{}, fmt.Errorf("reload order: %w", err)
	}

	rec, err := e.Records.Get(ctx, mtid)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return Result{}, fmt.Errorf("load reconciliation record: %w", err)
	}
	if rec != nil && rec.LastAppliedStatus.Terminal() {
		refundFollowOn := rec.LastAppliedStatus == gateway.StatusPaid && status == gateway.StatusRefunded
		if !refundFollowOn {
			return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonAlreadyFinal, OrderID: order.ID}, nil
		}
	}

	var applied bool
	switch status {
	case gateway.StatusPending:
		return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonStillPending, OrderID: order.ID}, nil

	case gateway.StatusAuthorized:
		if !order.CanMarkAuthorized() {
			return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonStateUnchanged, OrderID: order.ID}, nil
		}
		if err := e.Orders.MarkAuthorized(ctx, order.ID, authRef(out)); err != nil {
			if errors.Is(err, ErrStateConflict) {
				return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonStateUnchanged, OrderID: order.ID}, nil
			}
			return Result{}, fmt.Errorf("mark authorized: %w", err)
		}
		order.PaymentState = gateway.StatusAuthorized
		applied = true

	case gateway.StatusPaid:
		if !order.CanMarkPaid() {
			return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonStateUnchanged, OrderID: order.ID}, nil
		}
		if err := e.Orders.MarkPaid(ctx, order.ID, authRef(out)); err != nil {
			if errors.Is(err, ErrStateConflict) {
				return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonStateUnchanged, OrderID: order.ID}, nil
			}
			return Result{}, fmt.Errorf("mark paid: %w", err)
		}
		order.PaymentState = gateway.StatusPaid
		applied = true

	case gateway.StatusVoided:
		if !order.CanMarkVoided() {
			return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonStateUnchanged, OrderID: order.ID}, nil
		}
		if err := e.Orders.MarkVoided(ctx, order.ID); err != nil {
			if errors.Is(err, ErrStateConflict) {
				return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonStateUnchanged, OrderID: order.ID}, nil
			}
			return Result{}, fmt.Errorf("mark voided: %w", err)
		}
		order.PaymentState = gateway.StatusVoided
		applied = true

	case gateway.StatusRefunded:
		if !order.CanRefund() {
			return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonStateUnchanged, OrderID: order.ID}, nil
		}
		refund := out.AmountMinor
		if refund < 0 {
			refund = -refund
		}
		if refund == 0 || refund == expected {
			if err := e.Orders.RefundFull(ctx, order.ID); err != nil {
				if errors.Is(err, ErrStateConflict) {
					return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonStateUnchanged, OrderID: order.ID}, nil
				}
				return Result{}, fmt.Errorf("refund full: %w", err)
			}
		} else {
			if err := e.Orders.RefundPartial(ctx, order.ID, refund); err != nil {
				if errors.Is(err, ErrStateConflict) {
					return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonStateUnchanged, OrderID: order.ID}, nil
				}
				return Result{}, fmt.Errorf("refund partial: %w", err)
			}
		}
		order.PaymentState = gateway.StatusRefunded
		applied = true
	}

	if !applied {
		return Result{Disposition: DispositionNoOp, Status: status, Reason: ReasonStateUnchanged, OrderID: order.ID}, nil
	}

	if err := e.Records.Upsert(ctx, Record{
		MerchantTxnID:     mtid,
		LastAppliedStatus: status,
		AppliedAt:         time.Now().UTC(),
	}); err != nil {
		return Result{}, fmt.Errorf("update reconciliation record: %w", err)
	}

	e.publish(ctx, order, out, status)
	return Result{Disposition: DispositionApplied, Status: status, OrderID: order.ID}, nil
}

func (e *Engine) expectedAmount(ctx context.Context, mtid string, order *Order) int64 {
	if e.Sessions != nil {
		if s, err := e.Sessions.GetByMerchantTxn(ctx, mtid); err == nil && s != nil && s.AmountMinor > 0 {
			return s.AmountMinor
		}
	}
	return order.TotalMinor
}

// amountMismatch checks the gateway's echoed amount against the amount sent
// at initiate time. Amounts are minor currency units, which already carry the
// full two-decimal precision. Pending outcomes never fail this check. The
// gateway omits the amount on some authorization-hold responses, so a zero
// echo passes for Authorized; a Paid outcome must echo the exact amount or
// the order is never marked paid.
func (e *Engine) amountMismatch(status gateway.Status, out gateway.Outcome, expected int64) bool {
	switch status {
	case gateway.StatusPaid:
		return out.AmountMinor != expected
	case gateway.StatusAuthorized:
		return out.AmountMinor != 0 && out.AmountMinor != expected
	}
	return false
}

// note appends the audit line whatever the disposition was.
func (e *Engine) note(ctx context.Context, orderID string, out gateway.Outcome, status gateway.Status, res Result) {
	text := composeNote(out, status, res)
	if err := e.Orders.AppendNote(ctx, orderID, text); err != nil {
		e.Logger.Error().Err(err).Str("order_id", orderID).Msg("append order note failed")
	}
}

func (e *Engine) publish(ctx context.Context, order *Order, out gateway.Outcome, status gateway.Status) {
	if e.Events == nil {
		return
	}
	topic := ""
	switch status {
	case gateway.StatusAuthorized:
		topic = events.TopicPaymentAuthorized
	case gateway.StatusPaid:
		topic = events.TopicPaymentPaid
	case gateway.StatusVoided:
		topic = events.TopicPaymentVoided
	case gateway.StatusRefunded:
		topic = events.TopicPaymentRefunded
	}
	if topic == "" {
		return
	}
	payload := map[string]any{
		"order_id":        order.ID,
		"merchant_txn_id": out.MerchantTxnID,
		"gateway_txn_id":  out.GatewayTxnID,
		"amount_minor":    out.AmountMinor,
		"status":          string(status),
	}
	if err := e.Events.Publish(ctx, topic, payload); err != nil {
		e.Logger.Error().Err(err).Str("topic", topic).Str("order_id", order.ID).Msg("publish event failed")
	}
}

func (e *Engine) count(res Result) Result {
	if obs.ReconcileTotal != nil {
		obs.ReconcileTotal.WithLabelValues(strings.ToLower(string(res.Status)), string(res.Disposition)).Inc()
	}
	return res
}

func authRef(out gateway.Outcome) string {
	if strings.TrimSpace(out.BankReference) != "" {
		return out.BankReference
	}
	return out.GatewayTxnID
}

func composeNote(out gateway.Outcome, status gateway.Status, res Result) string {
	var b strings.Builder
	b.WriteString("Gateway update ")
	b.WriteString(out.MerchantTxnID)
	fmt.Fprintf(&b, ": code=%s", out.Code)
	if out.Message != "" {
		fmt.Fprintf(&b, " message=%q", out.Message)
	}
	fmt.Fprintf(&b, " amount=%s", formatMinor(out.AmountMinor))
	if out.InstrumentType != "" {
		fmt.Fprintf(&b, " instrument=%s", out.InstrumentType)
	}
	if out.BankReference != "" {
		fmt.Fprintf(&b, " bank_ref=%s", out.BankReference)
	}
	if out.GatewayTxnID != "" {
		fmt.Fprintf(&b, " gateway_txn=%s", out.GatewayTxnID)
	}
	switch res.Disposition {
	case DispositionApplied:
		fmt.Fprintf(&b, " -> applied %s", status)
	case DispositionRejected:
		fmt.Fprintf(&b, " -> rejected (%s)", res.Reason)
	default:
		fmt.Fprintf(&b, " -> no change (%s)", res.Reason)
	}
	return b.String()
}

// formatMinor renders minor units as a major-unit decimal with two places.
func formatMinor(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
