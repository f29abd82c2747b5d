package api

import (
	"encoding/json/v2"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/watchbridge/internal/watch"
)

type fakeWatch struct {
	mu     sync.Mutex
	stats  watch.Stats
	target watch.Target
}

func (f *fakeWatch) Stats() watch.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeWatch) Target() watch.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

func (f *fakeWatch) setState(s watch.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.State = s
}

type fakeClients int

func (f fakeClients) ClientCount() int { return int(f) }

type testServer struct {
	server *Server
	api    humatest.TestAPI
	watch  *fakeWatch
}

func setupTestServer(t *testing.T, deps Deps) *testServer {
	t.Helper()

	fw := &fakeWatch{
		stats: watch.Stats{State: watch.StateActive, Events: 7, Errors: 1, Reconnects: 2},
		target: watch.Target{
			Path:    "/repo",
			Query:   watch.Query{"expression": []any{"type", "f"}},
			Options: watch.Options{ReportExistingFiles: true},
		},
	}
	if deps.Watch == nil {
		deps.Watch = fw
	}
	if deps.Clients == nil {
		deps.Clients = fakeClients(2)
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Backend == "" {
		deps.Backend = "watchman"
	}

	s := NewServer(deps)
	return &testServer{server: s, api: humatest.Wrap(t, s.api), watch: fw}
}

func TestStatus(t *testing.T) {
	ts := setupTestServer(t, Deps{})

	resp := ts.api.Get("/api/v1/status")
	require.Equal(t, http.StatusOK, resp.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))

	assert.Equal(t, "/repo", status.Path)
	assert.Equal(t, "watchman", status.Backend)
	assert.Equal(t, "active", status.State)
	assert.True(t, status.ReportExistingFiles)
	assert.Equal(t, int64(7), status.Events)
	assert.Equal(t, int64(1), status.Errors)
	assert.Equal(t, int64(2), status.Reconnects)
	assert.Equal(t, 2, status.Clients)
	assert.Equal(t, []any{"type", "f"}, status.Query["expression"])
}

func TestStatus_EmptyQueryIsObject(t *testing.T) {
	fw := &fakeWatch{target: watch.Target{Path: "/repo"}}
	ts := setupTestServer(t, Deps{Watch: fw})

	resp := ts.api.Get("/api/v1/status")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"query":{}`)
}

func TestEventsAndMetricsRoutes(t *testing.T) {
	events := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: connected\ndata: {}\n\n")
	})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "watchbridge_events_total 0\n")
	})
	ts := setupTestServer(t, Deps{Events: events, Metrics: metrics})

	w := httptest.NewRecorder()
	ts.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: connected")

	w = httptest.NewRecorder()
	ts.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "watchbridge_events_total")
}

func TestOptionalRoutesNotMounted(t *testing.T) {
	ts := setupTestServer(t, Deps{})

	for _, path := range []string{"/api/v1/events", "/metrics"} {
		w := httptest.NewRecorder()
		ts.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := setupTestServer(t, Deps{AllowedOrigins: []string{"https://dash.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	ts.server.ServeHTTP(w, req)

	assert.Equal(t, "https://dash.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovererReturns500(t *testing.T) {
	ts := setupTestServer(t, Deps{Events: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})})

	w := httptest.NewRecorder()
	ts.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
