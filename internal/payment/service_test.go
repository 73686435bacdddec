package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payrecon/internal/common"
	"github.com/noah-isme/payrecon/internal/gateway"
	"github.com/noah-isme/payrecon/internal/queue"
	"github.com/noah-isme/payrecon/internal/recon"
)

const testOrderID = "7f3b1f8a-6a0e-4bfc-9a3e-2f6cf0a1d111"

type stubGateway struct {
	lastReq gateway.InitiateRequest
	target  gateway.RedirectTarget
	err     error
}

func (g *stubGateway) Initiate(ctx context.Context, in gateway.InitiateRequest) (gateway.RedirectTarget, error) {
	g.lastReq = in
	if g.err != nil {
		return gateway.RedirectTarget{}, g.err
	}
	t := g.target
	t.MerchantTxnID = in.Session.MerchantTxnID
	return t, nil
}

type stubOrders struct {
	orders map[string]*recon.Order
}

func (s *stubOrders) Get(ctx context.Context, orderID string) (*recon.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, recon.ErrOrderNotFound
	}
	clone := *o
	return &clone, nil
}

type stubSessions struct {
	created []gateway.Session
	err     error
}

func (s *stubSessions) Create(ctx context.Context, sess gateway.Session) error {
	if s.err != nil {
		return s.err
	}
	s.created = append(s.created, sess)
	return nil
}

func (s *stubSessions) GetByMerchantTxn(ctx context.Context, mtid string) (*gateway.Session, error) {
	for i := range s.created {
		if s.created[i].MerchantTxnID == mtid {
			return &s.created[i], nil
		}
	}
	return nil, recon.ErrRecordNotFound
}

type stubRecords struct {
	recs map[string]*recon.Record
}

func (s *stubRecords) Get(ctx context.Context, mtid string) (*recon.Record, error) {
	if r, ok := s.recs[mtid]; ok {
		return r, nil
	}
	return nil, recon.ErrRecordNotFound
}

type stubScheduler struct {
	tasks []queue.PollTask
	err   error
}

func (s *stubScheduler) EnqueuePoll(ctx context.Context, t queue.PollTask, delay time.Duration, maxAttempts int) error {
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, t)
	return nil
}

func newTestService() (*Service, *stubGateway, *stubOrders, *stubSessions, *stubScheduler) {
	gw := &stubGateway{target: gateway.RedirectTarget{URL: "https://pay.example/page", Method: "GET"}}
	orders := &stubOrders{orders: map[string]*recon.Order{
		testOrderID: {ID: testOrderID, TotalMinor: 125000, PaymentState: gateway.StatusPending},
	}}
	sessions := &stubSessions{}
	scheduler := &stubScheduler{}
	svc := &Service{
		Gateway:       gw,
		Orders:        orders,
		Sessions:      sessions,
		Records:       &stubRecords{recs: map[string]*recon.Record{}},
		Scheduler:     scheduler,
		PublicBaseURL: "https://shop.example",
		MaxPollRuns:   5,
		Logger:        zerolog.Nop(),
	}
	return svc, gw, orders, sessions, scheduler
}

func TestInitiateCreatesSessionAndSchedulesPoll(t *testing.T) {
	svc, gw, _, sessions, scheduler := newTestService()

	res, err := svc.Initiate(context.Background(), InitiateInput{OrderID: testOrderID, MerchantUserID: "u-1", Locale: "en"})
	require.NoError(t, err)
	require.NotEmpty(t, res.MerchantTxnID)
	require.Equal(t, "https://pay.example/page", res.RedirectURL)

	require.Len(t, sessions.created, 1)
	sess := sessions.created[0]
	require.Equal(t, testOrderID, sess.OrderID)
	require.Equal(t, int64(125000), sess.AmountMinor)
	require.Equal(t, res.MerchantTxnID, sess.MerchantTxnID)

	require.Equal(t, "https://shop.example/callbacks/phonepe/return", gw.lastReq.RedirectURL)
	require.Equal(t, "https://shop.example/callbacks/phonepe/notify", gw.lastReq.CallbackURL)
	require.Equal(t, testOrderID, gw.lastReq.ReturnQuery.Get("orderId"))
	require.Equal(t, "en", gw.lastReq.ReturnQuery.Get("locale"))
	require.Contains(t, gw.lastReq.ReturnQuery.Get("cancelUrl"), "/callbacks/phonepe/cancel")

	require.Len(t, scheduler.tasks, 1)
	require.Equal(t, res.MerchantTxnID, scheduler.tasks[0].MerchantTxnID)
}

func TestInitiateUnknownOrder(t *testing.T) {
	svc, _, _, _, _ := newTestService()

	_, err := svc.Initiate(context.Background(), InitiateInput{OrderID: "b2d7cc57-0000-4000-8000-000000000000"})
	var ae *common.AppError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "ORDER_NOT_FOUND", ae.Code)
	require.Equal(t, http.StatusNotFound, ae.HTTPStatus)
}

func TestInitiateRejectsFinalizedOrder(t *testing.T) {
	svc, _, orders, sessions, _ := newTestService()
	orders.orders[testOrderID].PaymentState = gateway.StatusPaid

	_, err := svc.Initiate(context.Background(), InitiateInput{OrderID: testOrderID})
	var ae *common.AppError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "ORDER_FINALIZED", ae.Code)
	require.Empty(t, sessions.created)
}

func TestInitiateGatewayFailureIsBadGateway(t *testing.T) {
	svc, gw, _, _, scheduler := newTestService()
	gw.err = &gateway.Error{Op: "initiate", Err: errors.New("connection refused")}

	_, err := svc.Initiate(context.Background(), InitiateInput{OrderID: testOrderID})
	var ae *common.AppError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "GATEWAY_UNAVAILABLE", ae.Code)
	require.Equal(t, http.StatusBadGateway, ae.HTTPStatus)
	require.Empty(t, scheduler.tasks)
}

func TestInitiateSurvivesSchedulerFailure(t *testing.T) {
	svc, _, _, _, scheduler := newTestService()
	scheduler.err = errors.New("redis down")

	res, err := svc.Initiate(context.Background(), InitiateInput{OrderID: testOrderID})
	require.NoError(t, err)
	require.NotEmpty(t, res.RedirectURL)
}

func TestStatusViewReflectsRecord(t *testing.T) {
	svc, _, _, sessions, _ := newTestService()
	res, err := svc.Initiate(context.Background(), InitiateInput{OrderID: testOrderID})
	require.NoError(t, err)

	applied := time.Now().UTC()
	svc.Records = &stubRecords{recs: map[string]*recon.Record{
		res.MerchantTxnID: {MerchantTxnID: res.MerchantTxnID, LastAppliedStatus: gateway.StatusPaid, AppliedAt: applied},
	}}

	view, err := svc.Status(context.Background(), res.MerchantTxnID)
	require.NoError(t, err)
	require.Equal(t, res.MerchantTxnID, view.MerchantTxnID)
	require.Equal(t, testOrderID, view.OrderID)
	require.Equal(t, "PAID", view.LastAppliedStatus)
	require.Equal(t, sessions.created[0].AmountMinor, view.AmountMinor)
	require.NotNil(t, view.AppliedAt)
}

func TestStatusUnknownTransaction(t *testing.T) {
	svc, _, _, _, _ := newTestService()

	_, err := svc.Status(context.Background(), "nope")
	var ae *common.AppError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "SESSION_NOT_FOUND", ae.Code)
}

func TestInitiateHandlerValidation(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Post("/api/v1/payments/initiate", h.Initiate)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/initiate", strings.NewReader(`{"order_id":"not-a-uuid"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}

func TestInitiateHandlerSuccess(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Post("/api/v1/payments/initiate", h.Initiate)
	r.Get("/api/v1/payments/{merchantTxnID}/status", h.Status)

	body := `{"order_id":"` + testOrderID + `","merchant_user_id":"u-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/initiate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), "redirect_url")
}
