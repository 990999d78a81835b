package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareEnforcesLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStore(client, "checkout:rl")
	require.NoError(t, err)
	lim, err := New(store, "1-M")
	require.NoError(t, err)
	h := Handler{Limiter: lim, Scope: "voucher"}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/co-1/voucher", nil)
	req.RemoteAddr = "203.0.113.7:5555"

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))
	require.Contains(t, rr.Body.String(), "RATE_LIMITED")

	other := req.Clone(req.Context())
	other.RemoteAddr = "198.51.100.2:5555"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, other)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestMiddlewareScopesAreIndependent(t *testing.T) {
	store, err := NewStore(nil, "checkout:rl")
	require.NoError(t, err)
	lim, err := New(store, "1-H")
	require.NoError(t, err)
	voucher := Handler{Limiter: lim, Scope: "voucher"}.Middleware(okHandler())
	confirm := Handler{Limiter: lim, Scope: "confirm"}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rr := httptest.NewRecorder()
	voucher.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = httptest.NewRecorder()
	confirm.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestNewRejectsBadRate(t *testing.T) {
	store, err := NewStore(nil, "x")
	require.NoError(t, err)
	_, err = New(store, "ten per minute")
	require.Error(t, err)
}

func TestMiddlewareWithoutLimiterPassesThrough(t *testing.T) {
	rr := httptest.NewRecorder()
	Handler{}.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
