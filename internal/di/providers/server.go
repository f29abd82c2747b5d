package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/samber/do/v2"

	"github.com/listenupapp/watchbridge/internal/api"
	"github.com/listenupapp/watchbridge/internal/config"
	"github.com/listenupapp/watchbridge/internal/metrics"
	"github.com/listenupapp/watchbridge/internal/sse"
)

// HTTPServerHandle wraps http.Server with Shutdownable. Server is nil when
// the API is disabled.
type HTTPServerHandle struct {
	*http.Server
	limiterStop func()
}

// Shutdown implements do.Shutdownable.
func (h *HTTPServerHandle) Shutdown() error {
	if h.Server == nil {
		return nil
	}
	defer h.limiterStop()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Server.Shutdown(ctx)
}

// ProvideHTTPServer provides the HTTP server.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*LoggerHandle](i)

	if !cfg.Server.Enabled {
		log.Info("HTTP API disabled by configuration")
		return &HTTPServerHandle{}, nil
	}

	orchestrator := do.MustInvoke[*OrchestratorHandle](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)
	connector := do.MustInvoke[*ConnectorHandle](i)
	m := do.MustInvoke[*metrics.Metrics](i)

	httpLog := log.Component("http")
	limiter := api.NewRateLimiter(cfg.SSE.ConnectsPerMinute, time.Minute, cfg.SSE.ConnectsPerMinute)

	handler := api.NewServer(api.Deps{
		Watch:         orchestrator,
		Clients:       sseHandle,
		Events:        sse.NewHandler(sseHandle.Manager, log.Component("sse")),
		EventsLimiter: limiter,
		Metrics:       m.Handler(),
		Logger:        httpLog,
		Backend:       connector.Backend,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Streams only end when the manager closes its clients.
	srv.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sseHandle.Manager.Shutdown(ctx); err != nil {
			httpLog.Warn("SSE shutdown incomplete", "error", err)
		}
	})

	// A port conflict fails startup.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		limiter.Stop()
		return nil, err
	}

	go func() {
		httpLog.Info("HTTP server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpLog.Error("HTTP server error", "error", err)
		}
	}()

	return &HTTPServerHandle{Server: srv, limiterStop: limiter.Stop}, nil
}
