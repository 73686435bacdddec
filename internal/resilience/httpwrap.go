package resilience

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// HTTPClient layers per-attempt timeouts, 5xx retries and a circuit breaker
// over a plain http.Client. One instance is shared by every outbound gateway
// call so the breaker sees all traffic to the target.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
}

// Do executes the request. Request bodies are buffered so a retried attempt
// replays the same bytes. Responses below 500 are handed back as-is (a 4xx is
// the gateway's answer, not a fault); 5xx and transport errors are retried
// with jittered backoff until MaxAttempts. A tripped breaker yields
// ErrOpenCircuit.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	if breaker == nil {
		breaker = NewBreaker(1, 1, time.Second)
	}
	attempts := cl.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoffBase := cl.BaseBackoff
	if backoffBase <= 0 {
		backoffBase = 100 * time.Millisecond
	}

	payload, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if !breaker.Allow() {
			if lastErr == nil {
				lastErr = ErrOpenCircuit
			} else {
				lastErr = errors.Join(ErrOpenCircuit, lastErr)
			}
			return nil, lastErr
		}

		resp, err := cl.attempt(ctx, req, payload)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			breaker.Report(true)
			return resp, nil
		}
		breaker.Report(false)
		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.New(resp.Status)
			_ = resp.Body.Close()
		}
		if attempt >= attempts {
			return nil, lastErr
		}

		wait := time.NewTimer(Backoff(backoffBase, attempt, cl.Jitter))
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, ctx.Err()
		case <-wait.C:
		}
	}
}

// attempt issues one HTTP call under the per-attempt timeout. The timeout
// context stays alive until the response body is closed, otherwise the
// caller's body read would be cut short.
func (cl HTTPClient) attempt(ctx context.Context, req *http.Request, payload []byte) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	attemptReq := req.Clone(callCtx)
	if payload != nil {
		attemptReq.Body = io.NopCloser(bytes.NewReader(payload))
		attemptReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
	}

	resp, err := cl.Client.Do(attemptReq)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	src := req.Body
	if req.GetBody != nil {
		fresh, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		src = fresh
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	_ = src.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return data, nil
}
