package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payrecon/internal/common"
	"github.com/noah-isme/payrecon/internal/gateway"
	"github.com/noah-isme/payrecon/internal/queue"
	"github.com/noah-isme/payrecon/internal/recon"
)

// GatewayAPI is the slice of the gateway client the service needs.
type GatewayAPI interface {
	Initiate(ctx context.Context, in gateway.InitiateRequest) (gateway.RedirectTarget, error)
}

// OrderReader loads orders for initiation and status views.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (*recon.Order, error)
}

// SessionWriter persists and resolves payment sessions.
type SessionWriter interface {
	Create(ctx context.Context, sess gateway.Session) error
	GetByMerchantTxn(ctx context.Context, merchantTxnID string) (*gateway.Session, error)
}

// RecordReader resolves reconciliation records for the status view.
type RecordReader interface {
	Get(ctx context.Context, merchantTxnID string) (*recon.Record, error)
}

// PollScheduler enqueues background poll runs.
type PollScheduler interface {
	EnqueuePoll(ctx context.Context, t queue.PollTask, delay time.Duration, maxAttempts int) error
}

// Service owns the outbound leg: it opens a payment session, hands the
// customer to the gateway and schedules the background poll run that will
// reconcile the outcome.
type Service struct {
	Gateway       GatewayAPI
	Orders        OrderReader
	Sessions      SessionWriter
	Records       RecordReader
	Scheduler     PollScheduler
	PublicBaseURL string
	MaxPollRuns   int
	Logger        zerolog.Logger
}

// InitiateInput is the validated request to open a payment session.
type InitiateInput struct {
	OrderID        string
	MerchantUserID string
	Locale         string
}

// InitiateResult is what the browser needs to continue checkout.
type InitiateResult struct {
	MerchantTxnID string
	RedirectURL   string
	Method        string
}

// Initiate opens a gateway session for the order. The session's amount is the
// order total at this moment; later gateway echoes are validated against it,
// never against a recomputed total.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	order, err := s.Orders.Get(ctx, in.OrderID)
	if err != nil {
		if errors.Is(err, recon.ErrOrderNotFound) {
			return InitiateResult{}, common.NewAppError("ORDER_NOT_FOUND", "order not found", http.StatusNotFound, err)
		}
		return InitiateResult{}, err
	}
	if order.PaymentState.Terminal() || order.PaymentState == gateway.StatusRefunded {
		return InitiateResult{}, common.NewAppError("ORDER_FINALIZED", "order payment is already finalized", http.StatusConflict, nil)
	}
	if order.TotalMinor <= 0 {
		return InitiateResult{}, common.NewAppError("INVALID_AMOUNT", "order total must be positive", http.StatusUnprocessableEntity, nil)
	}

	sess := gateway.Session{
		OrderID:        order.ID,
		MerchantTxnID:  uuid.NewString(),
		MerchantUserID: in.MerchantUserID,
		AmountMinor:    order.TotalMinor,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.Sessions.Create(ctx, sess); err != nil {
		return InitiateResult{}, fmt.Errorf("persist session: %w", err)
	}

	returnQuery := url.Values{"orderId": {order.ID}}
	if in.Locale != "" {
		returnQuery.Set("locale", in.Locale)
	}
	returnQuery.Set("cancelUrl", s.callbackURL("cancel"))

	target, err := s.Gateway.Initiate(ctx, gateway.InitiateRequest{
		Session:     sess,
		RedirectURL: s.callbackURL("return"),
		CallbackURL: s.callbackURL("notify"),
		ReturnQuery: returnQuery,
	})
	if err != nil {
		s.Logger.Error().Err(err).Str("order_id", order.ID).Msg("gateway initiate failed")
		return InitiateResult{}, common.NewAppError("GATEWAY_UNAVAILABLE", "payment gateway is unavailable, try again", http.StatusBadGateway, err)
	}

	if err := s.Scheduler.EnqueuePoll(ctx, queue.PollTask{
		MerchantTxnID: sess.MerchantTxnID,
		OrderID:       order.ID,
	}, 0, s.MaxPollRuns); err != nil {
		// the callback path still reconciles; initiation succeeded
		s.Logger.Error().Err(err).Str("merchant_txn_id", sess.MerchantTxnID).Msg("schedule poll run failed")
	}

	return InitiateResult{
		MerchantTxnID: sess.MerchantTxnID,
		RedirectURL:   target.URL,
		Method:        target.Method,
	}, nil
}

// StatusView is the reconciled state of one payment session.
type StatusView struct {
	MerchantTxnID     string     `json:"merchant_txn_id"`
	OrderID           string     `json:"order_id"`
	OrderPaymentState string     `json:"order_payment_state"`
	LastAppliedStatus string     `json:"last_applied_status,omitempty"`
	AppliedAt         *time.Time `json:"applied_at,omitempty"`
	AmountMinor       int64      `json:"amount_minor"`
}

// Status reports the current reconciled state for a merchant transaction id.
// It reads local state only and never calls the gateway.
func (s *Service) Status(ctx context.Context, merchantTxnID string) (StatusView, error) {
	sess, err := s.Sessions.GetByMerchantTxn(ctx, merchantTxnID)
	if err != nil {
		if errors.Is(err, recon.ErrRecordNotFound) {
			return StatusView{}, common.NewAppError("SESSION_NOT_FOUND", "unknown transaction", http.StatusNotFound, err)
		}
		return StatusView{}, err
	}
	order, err := s.Orders.Get(ctx, sess.OrderID)
	if err != nil {
		return StatusView{}, err
	}

	view := StatusView{
		MerchantTxnID:     merchantTxnID,
		OrderID:           order.ID,
		OrderPaymentState: string(order.PaymentState),
		AmountMinor:       sess.AmountMinor,
	}
	rec, err := s.Records.Get(ctx, merchantTxnID)
	if err == nil && rec != nil {
		view.LastAppliedStatus = string(rec.LastAppliedStatus)
		applied := rec.AppliedAt
		view.AppliedAt = &applied
	} else if err != nil && !errors.Is(err, recon.ErrRecordNotFound) {
		return StatusView{}, err
	}
	return view, nil
}

func (s *Service) callbackURL(leg string) string {
	return fmt.Sprintf("%s/callbacks/phonepe/%s", s.PublicBaseURL, leg)
}
