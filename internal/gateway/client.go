package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/payrecon/internal/obs"
	"github.com/noah-isme/payrecon/internal/resilience"
)

// InitiateRequest carries everything needed to open a payment page session.
type InitiateRequest struct {
	Session     Session
	RedirectURL string
	CallbackURL string
	ReturnQuery url.Values
}

// Client talks to the payment gateway REST surface. A single instance is
// shared process-wide; the wrapped HTTP client owns the connection pool and
// the retry and breaker behaviour.
type Client struct {
	MerchantID string
	Salt       string
	SaltIndex  int
	BaseURL    string
	HTTP       *resilience.HTTPClient
	Logger     zerolog.Logger
}

type payInstrument struct {
	Type string `json:"type"`
}

type payRequest struct {
	MerchantID            string        `json:"merchantId"`
	MerchantTransactionID string        `json:"merchantTransactionId"`
	MerchantUserID        string        `json:"merchantUserId"`
	Amount                int64         `json:"amount"`
	RedirectURL           string        `json:"redirectUrl"`
	RedirectMode          string        `json:"redirectMode"`
	CallbackURL           string        `json:"callbackUrl"`
	PaymentInstrument     payInstrument `json:"paymentInstrument"`
}

type payResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		InstrumentResponse struct {
			RedirectInfo struct {
				URL    string `json:"url"`
				Method string `json:"method"`
			} `json:"redirectInfo"`
		} `json:"instrumentResponse"`
	} `json:"data"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MerchantTransactionID string `json:"merchantTransactionId"`
		TransactionID         string `json:"transactionId"`
		Amount                int64  `json:"amount"`
		ResponseCode          string `json:"responseCode"`
		PendingReason         string `json:"pendingReason"`
		PaymentInstrument     struct {
			Type              string `json:"type"`
			BankTransactionID string `json:"bankTransactionId"`
			BankID            string `json:"bankId"`
			UTR               string `json:"utr"`
		} `json:"paymentInstrument"`
	} `json:"data"`
}

// Initiate opens a payment session with the gateway and returns where the
// customer browser should be sent. Any failure is a transport error; no
// payment state is derivable from it.
func (c *Client) Initiate(ctx context.Context, in InitiateRequest) (RedirectTarget, error) {
	body := payRequest{
		MerchantID:            c.MerchantID,
		MerchantTransactionID: in.Session.MerchantTxnID,
		MerchantUserID:        in.Session.MerchantUserID,
		Amount:                in.Session.AmountMinor,
		RedirectURL:           in.RedirectURL,
		RedirectMode:          "POST",
		CallbackURL:           in.CallbackURL,
		PaymentInstrument:     payInstrument{Type: "PAY_PAGE"},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return RedirectTarget{}, &Error{Op: "initiate", Err: err}
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	wrapper, err := json.Marshal(map[string]string{"request": encoded})
	if err != nil {
		return RedirectTarget{}, &Error{Op: "initiate", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+payPath, bytes.NewReader(wrapper))
	if err != nil {
		return RedirectTarget{}, &Error{Op: "initiate", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-VERIFY", VerifyHeader(encoded+payPath, c.Salt, c.SaltIndex))

	respBody, status, err := c.exchange(ctx, "initiate", req)
	if err != nil {
		return RedirectTarget{}, err
	}

	var parsed payResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return RedirectTarget{}, &Error{Op: "initiate", StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	redirect := parsed.Data.InstrumentResponse.RedirectInfo
	if !parsed.Success || redirect.URL == "" {
		return RedirectTarget{}, &Error{Op: "initiate", StatusCode: status, Err: fmt.Errorf("gateway declined session: %s %s", parsed.Code, parsed.Message)}
	}

	target := RedirectTarget{
		URL:           redirect.URL,
		Method:        strings.ToUpper(valueOr(redirect.Method, http.MethodGet)),
		MerchantTxnID: in.Session.MerchantTxnID,
	}
	if len(in.ReturnQuery) > 0 {
		target.URL = appendQuery(target.URL, in.ReturnQuery)
	}
	return target, nil
}

// GetStatus asks the gateway for the authoritative state of one transaction.
// The returned Outcome always carries a mapped Status. A body that cannot be
// decoded but mentions a pending state is treated as Pending rather than an
// error, so a malformed intermediate response never aborts a poll cycle.
func (c *Client) GetStatus(ctx context.Context, merchantTxnID string) (Outcome, error) {
	path := StatusPath(c.MerchantID, merchantTxnID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return Outcome{}, &Error{Op: "status", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-VERIFY", VerifyHeader(path, c.Salt, c.SaltIndex))
	req.Header.Set("X-MERCHANT-ID", c.MerchantID)

	respBody, status, err := c.exchange(ctx, "status", req)
	if err != nil {
		return Outcome{}, err
	}

	var parsed statusResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if strings.Contains(strings.ToLower(string(respBody)), "pending") {
			return Outcome{
				MerchantTxnID: merchantTxnID,
				Code:          "PAYMENT_PENDING",
				Status:        StatusPending,
				Raw:           respBody,
			}, nil
		}
		return Outcome{}, &Error{Op: "status", StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
	}

	out := Outcome{
		MerchantTxnID:  valueOr(parsed.Data.MerchantTransactionID, merchantTxnID),
		GatewayTxnID:   parsed.Data.TransactionID,
		Code:           parsed.Code,
		Message:        parsed.Message,
		PendingReason:  parsed.Data.PendingReason,
		AmountMinor:    parsed.Data.Amount,
		InstrumentType: parsed.Data.PaymentInstrument.Type,
		BankReference:  valueOr(parsed.Data.PaymentInstrument.BankTransactionID, parsed.Data.PaymentInstrument.UTR),
		Raw:            respBody,
	}
	out.Status = MapStatus(out.Code, out.PendingReason)
	return out, nil
}

// exchange runs one request through the shared resilient client, records
// metrics and normalises every failure into a transport Error.
func (c *Client) exchange(ctx context.Context, op string, req *http.Request) ([]byte, int, error) {
	started := time.Now()
	resp, err := c.HTTP.Do(ctx, req)
	elapsed := time.Since(started)
	if obs.GatewayRequestDuration != nil {
		obs.GatewayRequestDuration.WithLabelValues(op).Observe(obs.DurationMillis(elapsed))
	}
	if err != nil {
		c.countRequest(op, "transport_error")
		c.Logger.Warn().Err(err).Str("op", op).Dur("elapsed", elapsed).Msg("gateway call failed")
		return nil, 0, &Error{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.countRequest(op, "transport_error")
		return nil, resp.StatusCode, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.countRequest(op, "http_error")
		c.Logger.Warn().Int("status", resp.StatusCode).Str("op", op).Msg("gateway returned non-2xx")
		return nil, resp.StatusCode, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	c.countRequest(op, "ok")
	return body, resp.StatusCode, nil
}

func (c *Client) countRequest(op, result string) {
	if obs.GatewayRequestTotal != nil {
		obs.GatewayRequestTotal.WithLabelValues(op, result).Inc()
	}
}

func appendQuery(rawURL string, q url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	merged := u.Query()
	for key, vals := range q {
		for _, v := range vals {
			merged.Add(key, v)
		}
	}
	u.RawQuery = merged.Encode()
	return u.String()
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
