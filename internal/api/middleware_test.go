package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagehive/imagehive/internal/ratelimit"
)

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawl", nil))

	assert.NotEmpty(t, captured)
	assert.Equal(t, captured, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddlewarePreservesUpstreamID(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/v1/crawl", nil)
	req.Header.Set("X-Request-ID", "upstream-id")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestRateLimitMiddleware(t *testing.T) {
	gate := ratelimit.NewGate(1, 1)
	handler := RateLimitMiddleware(gate, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/crawl", nil)
	req.RemoteAddr = "10.0.0.1:50000"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestRateLimitMiddlewareUsesFirstForwardedAddress(t *testing.T) {
	gate := ratelimit.NewGate(1, 1)
	handler := RateLimitMiddleware(gate, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	direct := httptest.NewRequest(http.MethodGet, "/v1/crawl", nil)
	direct.RemoteAddr = "172.16.0.1:40000"
	direct.Header.Set("X-Forwarded-For", "203.0.113.9")

	chained := httptest.NewRequest(http.MethodGet, "/v1/crawl", nil)
	chained.RemoteAddr = "172.16.0.2:40000"
	chained.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.7")

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, direct)
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, chained)
	assert.Equal(t, http.StatusTooManyRequests, second.Code,
		"same client through a longer proxy chain must share one throttle key")
}

func TestRateLimitMiddlewareSeparatesClients(t *testing.T) {
	gate := ratelimit.NewGate(1, 1)
	handler := RateLimitMiddleware(gate, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	reqA := httptest.NewRequest(http.MethodGet, "/v1/crawl", nil)
	reqA.RemoteAddr = "10.0.0.1:50000"
	reqB := httptest.NewRequest(http.MethodGet, "/v1/crawl", nil)
	reqB.RemoteAddr = "10.0.0.2:50000"

	recA := httptest.NewRecorder()
	handler.ServeHTTP(recA, reqA)
	recB := httptest.NewRecorder()
	handler.ServeHTTP(recB, reqB)

	assert.Equal(t, http.StatusOK, recA.Code)
	assert.Equal(t, http.StatusOK, recB.Code, "one client's throttle must not affect another")
}
