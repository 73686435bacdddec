package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payrecon/internal/resilience"
)

func newTestClient(baseURL string) *Client {
	return &Client{
		MerchantID: "MTEST",
		Salt:       "salt-1",
		SaltIndex:  1,
		BaseURL:    baseURL,
		HTTP: &resilience.HTTPClient{
			Client:      &http.Client{},
			MaxAttempts: 1,
			Timeout:     2 * time.Second,
		},
		Logger: zerolog.Nop(),
	}
}

func TestInitiateSignsAndDecodesRedirect(t *testing.T) {
	var gotVerify string
	var gotEncoded string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/pg/v1/pay", r.URL.Path)
		gotVerify = r.Header.Get("X-VERIFY")

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var wrapper map[string]string
		require.NoError(t, json.Unmarshal(body, &wrapper))
		gotEncoded = wrapper["request"]

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"code":"PAYMENT_INITIATED","data":{"instrumentResponse":{"redirectInfo":{"url":"https://pay.example/page","method":"GET"}}}}`))
	}))
	defer srv.Close()

	cl := newTestClient(srv.URL)
	target, err := cl.Initiate(context.Background(), InitiateRequest{
		Session: Session{
			OrderID:        "ord-1",
			MerchantTxnID:  "txn-1",
			MerchantUserID: "user-1",
			AmountMinor:    125000,
		},
		RedirectURL: "https://shop.example/return",
		CallbackURL: "https://shop.example/callback",
		ReturnQuery: url.Values{"orderId": {"ord-1"}},
	})
	require.NoError(t, err)
	require.Equal(t, "txn-1", target.MerchantTxnID)
	require.Equal(t, http.MethodGet, target.Method)
	require.Equal(t, "https://pay.example/page?orderId=ord-1", target.URL)

	require.Equal(t, VerifyHeader(gotEncoded+"/pg/v1/pay", "salt-1", 1), gotVerify)

	decoded, err := base64.StdEncoding.DecodeString(gotEncoded)
	require.NoError(t, err)
	var sent payRequest
	require.NoError(t, json.Unmarshal(decoded, &sent))
	require.Equal(t, "MTEST", sent.MerchantID)
	require.Equal(t, "txn-1", sent.MerchantTransactionID)
	require.Equal(t, int64(125000), sent.Amount)
	require.Equal(t, "POST", sent.RedirectMode)
	require.Equal(t, "PAY_PAGE", sent.PaymentInstrument.Type)
}

func TestInitiateDeclinedIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"code":"BAD_REQUEST","message":"amount invalid"}`))
	}))
	defer srv.Close()

	cl := newTestClient(srv.URL)
	_, err := cl.Initiate(context.Background(), InitiateRequest{Session: Session{MerchantTxnID: "txn-2"}})
	require.Error(t, err)
	require.True(t, IsTransport(err))
}

func TestGetStatusSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/pg/v1/status/MTEST/txn-3", r.URL.Path)
		require.Equal(t, "MTEST", r.Header.Get("X-MERCHANT-ID"))
		require.Equal(t, VerifyHeader("/pg/v1/status/MTEST/txn-3", "salt-1", 1), r.Header.Get("X-VERIFY"))

		_, _ = w.Write([]byte(`{"success":true,"code":"PAYMENT_SUCCESS","message":"done","data":{"merchantTransactionId":"txn-3","transactionId":"T999","amount":5000,"paymentInstrument":{"type":"UPI","utr":"UTR123"}}}`))
	}))
	defer srv.Close()

	cl := newTestClient(srv.URL)
	out, err := cl.GetStatus(context.Background(), "txn-3")
	require.NoError(t, err)
	require.Equal(t, StatusPaid, out.Status)
	require.Equal(t, "T999", out.GatewayTxnID)
	require.Equal(t, int64(5000), out.AmountMinor)
	require.Equal(t, "UTR123", out.BankReference)
	require.Equal(t, "txn-3", out.MerchantTxnID)
	require.NotEmpty(t, out.Raw)
}

func TestGetStatusPendingWithAuthorizationReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"code":"PAYMENT_PENDING","data":{"merchantTransactionId":"txn-4","pendingReason":"authorization"}}`))
	}))
	defer srv.Close()

	cl := newTestClient(srv.URL)
	out, err := cl.GetStatus(context.Background(), "txn-4")
	require.NoError(t, err)
	require.Equal(t, StatusAuthorized, out.Status)
}

func TestGetStatusMalformedPendingBodyIsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`status is PENDING, try again`))
	}))
	defer srv.Close()

	cl := newTestClient(srv.URL)
	out, err := cl.GetStatus(context.Background(), "txn-5")
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)
	require.Equal(t, "PAYMENT_PENDING", out.Code)
}

func TestGetStatusMalformedBodyIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway exploded</html>`))
	}))
	defer srv.Close()

	cl := newTestClient(srv.URL)
	_, err := cl.GetStatus(context.Background(), "txn-6")
	require.Error(t, err)
	require.True(t, IsTransport(err))
}

func TestGetStatusNon2xxIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cl := newTestClient(srv.URL)
	_, err := cl.GetStatus(context.Background(), "txn-7")
	require.Error(t, err)

	var ge *Error
	require.ErrorAs(t, err, &ge)
	require.Equal(t, http.StatusTooManyRequests, ge.StatusCode)
	require.Equal(t, "status", ge.Op)
}

func TestGetStatusServerErrorExhaustsRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cl := newTestClient(srv.URL)
	cl.HTTP.MaxAttempts = 2
	cl.HTTP.BaseBackoff = time.Millisecond
	cl.HTTP.Breaker = resilience.NewBreaker(100, 1, time.Second)

	_, err := cl.GetStatus(context.Background(), "txn-7b")
	require.Error(t, err)
	require.True(t, IsTransport(err))
	require.Equal(t, 2, calls)
}

func TestGetStatusUnknownCodeMapsToPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"code":"INTERNAL_SERVER_ERROR","data":{"merchantTransactionId":"txn-8"}}`))
	}))
	defer srv.Close()

	cl := newTestClient(srv.URL)
	out, err := cl.GetStatus(context.Background(), "txn-8")
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)
}
