package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventsRoute_RateLimited(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour, 1)
	t.Cleanup(limiter.Stop)

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ts := setupTestServer(t, Deps{Events: ok, EventsLimiter: limiter})

	request := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		ts.server.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, request("10.0.0.1:4000"))
	assert.Equal(t, http.StatusTooManyRequests, request("10.0.0.1:4001"))
	assert.Equal(t, http.StatusOK, request("10.0.0.2:4000"))
}

func TestEventsRoute_RealIPKeysLimiter(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour, 1)
	t.Cleanup(limiter.Stop)

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ts := setupTestServer(t, Deps{Events: ok, EventsLimiter: limiter})

	request := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.Header.Set("X-Real-IP", forwarded)
		w := httptest.NewRecorder()
		ts.server.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, request("203.0.113.5"))
	assert.Equal(t, http.StatusOK, request("203.0.113.6"))
	assert.Equal(t, http.StatusTooManyRequests, request("203.0.113.5"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", clientIP(req))

	req.RemoteAddr = "10.0.0.7"
	assert.Equal(t, "10.0.0.7", clientIP(req))
}
