package common

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSha256HexIsStable(t *testing.T) {
	require.Equal(t, Sha256Hex("abc"), Sha256Hex("abc"))
	require.NotEqual(t, Sha256Hex("abc"), Sha256Hex("abd"))
	require.Len(t, Sha256Hex(""), 64)
}

func TestAppErrorWrapping(t *testing.T) {
	cause := errors.New("underlying")
	ae := NewAppError("GATEWAY_UNAVAILABLE", "gateway down", http.StatusBadGateway, cause)

	require.True(t, IsAppError(ae))
	require.True(t, IsAppError(fmt.Errorf("wrapped: %w", ae)))
	require.ErrorIs(t, ae, cause)
	require.Equal(t, "underlying", ae.Error())

	noCause := NewAppError("NOT_FOUND", "missing", http.StatusNotFound, nil)
	require.Equal(t, "missing", noCause.Error())
	require.False(t, IsAppError(errors.New("plain")))
}

func TestJSONErrorShape(t *testing.T) {
	rec := httptest.NewRecorder()
	JSONError(rec, http.StatusBadRequest, "VALIDATION_ERROR", "bad input", map[string]any{"field": "required"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"error":{"code":"VALIDATION_ERROR","message":"bad input","details":{"field":"required"}}}`, rec.Body.String())
}

func TestIdemMiddlewareRejectsReplay(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	idem := Idem{R: client, TTL: time.Minute}
	calls := 0
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for i, wantStatus := range []int{http.StatusCreated, http.StatusConflict} {
		req := httptest.NewRequest(http.MethodPost, "/pay", nil)
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, wantStatus, rec.Code, "request %d", i)
	}
	require.Equal(t, 1, calls)
}

func TestIdemMiddlewarePassesWithoutKey(t *testing.T) {
	idem := Idem{}
	calls := 0
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pay", nil))
	}
	require.Equal(t, 2, calls)
}
