// Package api provides the HTTP API server for watchbridge: health and status
// operations on huma, plus the event stream and metrics on plain chi routes.
package api

import (
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/listenupapp/watchbridge/internal/ratelimit"
	"github.com/listenupapp/watchbridge/internal/watch"
)

// Version is reported in the OpenAPI document.
const Version = "1.0.0"

// WatchStatus is the read side of the orchestrator.
type WatchStatus interface {
	Stats() watch.Stats
	Target() watch.Target
}

// ClientCounter reports connected event stream clients.
type ClientCounter interface {
	ClientCount() int
}

// Deps holds everything the server routes to. Events and Metrics are
// optional; their routes are not mounted when nil.
type Deps struct {
	Watch   WatchStatus
	Clients ClientCounter
	Events  http.Handler
	Metrics http.Handler
	Logger  *slog.Logger
	Backend string

	// EventsLimiter admits new event stream connections per client address.
	EventsLimiter *ratelimit.KeyedRateLimiter
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	watch   WatchStatus
	clients ClientCounter
	router  *chi.Mux
	api     huma.API
	logger  *slog.Logger
	backend string
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(deps Deps) *Server {
	s := &Server{
		watch:   deps.Watch,
		clients: deps.Clients,
		router:  chi.NewRouter(),
		logger:  deps.Logger,
		backend: deps.Backend,
	}

	s.setupMiddleware(deps.AllowedOrigins)

	humaConfig := huma.DefaultConfig("watchbridge API", Version)
	s.api = humachi.New(s.router, humaConfig)
	RegisterErrorHandler()

	s.registerHealthRoutes()
	s.registerStatusRoutes()

	if deps.Events != nil {
		events := deps.Events
		if deps.EventsLimiter != nil {
			events = RateLimitMiddleware(deps.EventsLimiter, s.logger)(events)
		}
		s.router.Get("/api/v1/events", events.ServeHTTP)
	}
	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics)
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupMiddleware configures middleware stack.
func (s *Server) setupMiddleware(origins []string) {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Last-Event-ID"},
		MaxAge:         300,
	}))
}
