package callback

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payrecon/internal/common"
	"github.com/noah-isme/payrecon/internal/gateway"
	"github.com/noah-isme/payrecon/internal/obs"
	"github.com/noah-isme/payrecon/internal/recon"
)

// StatusFetcher re-queries the gateway for the authoritative status.
type StatusFetcher interface {
	GetStatus(ctx context.Context, merchantTxnID string) (gateway.Outcome, error)
}

// Reconciler applies an outcome to order state.
type Reconciler interface {
	Reconcile(ctx context.Context, out gateway.Outcome) (recon.Result, error)
}

// OrderLocator resolves the redirect target for the cancel flow.
type OrderLocator interface {
	LatestForUser(ctx context.Context, userID string) (string, error)
}

// Handler receives inbound gateway notifications. The posted payload is never
// trusted as a payment result: it only identifies which transaction to
// re-query, and the authoritative answer comes from GetStatus. Browser legs
// always answer with a redirect, never an error body.
type Handler struct {
	Gateway       StatusFetcher
	Engine        Reconciler
	Orders        OrderLocator
	R             *redis.Client
	ReplayTTL     time.Duration
	PublicBaseURL string
	Logger        zerolog.Logger
}

// Routes mounts the callback endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/return", h.Return)
	r.Get("/return", h.Return)
	r.Post("/notify", h.Notify)
	r.Get("/cancel", h.Cancel)
	return r
}

// Return handles the browser postback after the customer leaves the payment
// page.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	mtid := extractTxnID(r)
	if mtid == "" {
		h.count("return", "bad_input")
		http.Redirect(w, r, h.PublicBaseURL+"/orders/lookup-failed", http.StatusSeeOther)
		return
	}

	orderID := strings.TrimSpace(r.URL.Query().Get("orderId"))
	res, ok := h.requery(r.Context(), "return", mtid)
	if ok && res.OrderID != "" {
		orderID = res.OrderID
	}
	if orderID == "" {
		http.Redirect(w, r, h.PublicBaseURL+"/orders/lookup-failed", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, h.PublicBaseURL+"/orders/"+orderID, http.StatusSeeOther)
}

// Notify handles the server-to-server callback. Duplicate deliveries within
// the replay window are acknowledged without re-querying.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.count("notify", "bad_input")
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable body", nil)
		return
	}
	mtid := txnIDFromNotifyBody(body)
	if mtid == "" {
		// fall back to form fields for gateways posting urlencoded bodies
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		mtid = extractTxnID(r)
	}
	if mtid == "" {
		h.count("notify", "bad_input")
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing transaction id", nil)
		return
	}

	if h.seenBefore(r.Context(), body) {
		h.count("notify", "replay")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.requery(r.Context(), "notify", mtid)
	w.WriteHeader(http.StatusNoContent)
}

// Cancel sends the customer back to their order, or the storefront home when
// nothing identifies one.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.count("cancel", "ok")
	if orderID := strings.TrimSpace(r.URL.Query().Get("orderId")); orderID != "" {
		http.Redirect(w, r, h.PublicBaseURL+"/orders/"+orderID, http.StatusSeeOther)
		return
	}
	if userID := strings.TrimSpace(r.URL.Query().Get("userId")); userID != "" && h.Orders != nil {
		if orderID, err := h.Orders.LatestForUser(r.Context(), userID); err == nil {
			http.Redirect(w, r, h.PublicBaseURL+"/orders/"+orderID, http.StatusSeeOther)
			return
		}
	}
	http.Redirect(w, r, h.PublicBaseURL+"/", http.StatusSeeOther)
}

// requery runs the authoritative status lookup and reconciles it. Transport
// failures leave the order as-is; the scheduled poll run is the retry path.
func (h *Handler) requery(ctx context.Context, channel, mtid string) (recon.Result, bool) {
	out, err := h.Gateway.GetStatus(ctx, mtid)
	if err != nil {
		h.count(channel, "gateway_error")
		h.Logger.Warn().Err(err).Str("merchant_txn_id", mtid).Str("channel", channel).Msg("callback re-query failed")
		return recon.Result{}, false
	}
	res, err := h.Engine.Reconcile(ctx, out)
	if err != nil {
		h.count(channel, "reconcile_error")
		h.Logger.Error().Err(err).Str("merchant_txn_id", mtid).Str("channel", channel).Msg("callback reconcile failed")
		return recon.Result{}, false
	}
	h.count(channel, string(res.Disposition))
	return res, true
}

// seenBefore marks the body hash and reports whether it was already seen.
func (h *Handler) seenBefore(ctx context.Context, body []byte) bool {
	if h.R == nil {
		return false
	}
	ttl := h.ReplayTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	key := "callback:replay:" + common.Sha256Hex(string(body))
	ok, err := h.R.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		// fail open: a duplicate re-query is idempotent downstream
		return false
	}
	return !ok
}

func (h *Handler) count(channel, result string) {
	if obs.CallbackTotal != nil {
		obs.CallbackTotal.WithLabelValues(channel, result).Inc()
	}
}

// extractTxnID pulls the merchant transaction id from form or query input.
func extractTxnID(r *http.Request) string {
	_ = r.ParseForm()
	for _, field := range []string{"transactionId", "merchantTransactionId", "mtid"} {
		if v := strings.TrimSpace(r.Form.Get(field)); v != "" {
			return v
		}
	}
	return ""
}

// txnIDFromNotifyBody decodes the JSON notify envelope. The payload arrives
// base64-wrapped in a "response" field; it is used only to identify the
// transaction.
func txnIDFromNotifyBody(body []byte) string {
	var envelope struct {
		Response              string `json:"response"`
		MerchantTransactionID string `json:"merchantTransactionId"`
		TransactionID         string `json:"transactionId"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.MerchantTransactionID != "" {
		return envelope.MerchantTransactionID
	}
	if envelope.TransactionID != "" {
		return envelope.TransactionID
	}
	if envelope.Response == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.Response)
	if err != nil {
		return ""
	}
	var inner struct {
		Data struct {
			MerchantTransactionID string `json:"merchantTransactionId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(decoded, &inner); err != nil {
		return ""
	}
	return inner.Data.MerchantTransactionID
}
