package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/do/v2"

	"github.com/listenupapp/watchbridge/internal/config"
	"github.com/listenupapp/watchbridge/internal/metrics"
	"github.com/listenupapp/watchbridge/internal/ratelimit"
	"github.com/listenupapp/watchbridge/internal/watch"
	"github.com/listenupapp/watchbridge/internal/watcher"
	"github.com/listenupapp/watchbridge/internal/watchman"
)

// ConnectorHandle is the configured watch backend.
type ConnectorHandle struct {
	watch.Connector
	Backend  string
	shutdown func() error
}

// Shutdown implements do.Shutdownable.
func (h *ConnectorHandle) Shutdown() error {
	if h.shutdown == nil {
		return nil
	}
	return h.shutdown()
}

// ProvideConnector provides the watchman registry or the native fsnotify
// connector, depending on configuration.
func ProvideConnector(i do.Injector) (*ConnectorHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*LoggerHandle](i)

	switch cfg.Watch.Backend {
	case config.BackendWatchman:
		var opts []watchman.ClientOption
		if cfg.Watchman.SocketPath != "" {
			opts = append(opts, watchman.WithSocketPath(cfg.Watchman.SocketPath))
		}
		registry := watchman.NewRegistry(log.Component("watchman"), opts...)
		return &ConnectorHandle{Connector: registry, Backend: cfg.Watch.Backend, shutdown: registry.Shutdown}, nil

	case config.BackendNative:
		return &ConnectorHandle{
			Connector: watcher.Connector{
				Logger: log.Component("watcher"),
				Options: watcher.Options{
					IgnorePatterns: cfg.Native.IgnorePatterns,
					SettleDelay:    cfg.Native.SettleDelay,
					IgnoreHidden:   cfg.Native.IgnoreHidden,
				},
			},
			Backend: cfg.Watch.Backend,
		}, nil

	default:
		return nil, fmt.Errorf("unknown watch backend %q", cfg.Watch.Backend)
	}
}

// PacerHandle paces reconnect attempts per target path.
type PacerHandle struct {
	*ratelimit.KeyedRateLimiter
}

// Shutdown implements do.Shutdownable.
func (h *PacerHandle) Shutdown() error {
	h.Stop()
	return nil
}

// ProvideReconnectPacer provides the keyed limiter used between reconnects.
func ProvideReconnectPacer(i do.Injector) (*PacerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)

	rps := float64(time.Second) / float64(cfg.Reconnect.Interval)
	return &PacerHandle{KeyedRateLimiter: ratelimit.New(rps, cfg.Reconnect.Burst)}, nil
}

// OrchestratorHandle owns the running subscription.
type OrchestratorHandle struct {
	*watch.Orchestrator
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable. It unsubscribes and ends the stream.
func (h *OrchestratorHandle) Shutdown() error {
	defer h.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Close(ctx)
}

// ProvideOrchestrator creates the orchestrator, attaches the stream
// consumers, and starts the subscription.
func ProvideOrchestrator(i do.Injector) (*OrchestratorHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*LoggerHandle](i)
	connector := do.MustInvoke[*ConnectorHandle](i)
	pacer := do.MustInvoke[*PacerHandle](i)
	m := do.MustInvoke[*metrics.Metrics](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)

	watchLog := log.Component("watch")
	o := watch.New(connector,
		watch.WithLogger(watchLog),
		watch.WithPacer(pacer),
		watch.WithObserver(m),
	)

	stream := o.Stream()
	m.Attach(stream)
	sseHandle.Attach(stream)
	stream.On(watch.KindReady, func(watch.Event) {
		watchLog.Info("Watch ready", "path", cfg.Watch.Path, "backend", connector.Backend)
	})
	stream.On(watch.KindError, func(e watch.Event) {
		watchLog.Warn("Watch error", "message", e.Message)
	})

	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx, cfg.Target())

	return &OrchestratorHandle{Orchestrator: o, cancel: cancel}, nil
}
