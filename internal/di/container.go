// Package di provides dependency injection configuration for watchbridge.
package di

import (
	"github.com/samber/do/v2"

	"github.com/listenupapp/watchbridge/internal/config"
	"github.com/listenupapp/watchbridge/internal/di/providers"
	"github.com/listenupapp/watchbridge/internal/metrics"
)

// NewContainer creates and configures the DI container with all providers.
func NewContainer() *do.RootScope {
	injector := do.New()
	do.Provide(injector, providers.ProvideConfig)
	register(injector)
	return injector
}

// register provides everything except the configuration.
func register(injector do.Injector) {
	// Core infrastructure
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideMetrics)

	// Event delivery
	do.Provide(injector, providers.ProvideSSEManager)

	// Watch layer
	do.Provide(injector, providers.ProvideConnector)
	do.Provide(injector, providers.ProvideReconnectPacer)
	do.Provide(injector, providers.ProvideOrchestrator)

	// Server
	do.Provide(injector, providers.ProvideHTTPServer)
}

// Bootstrap initializes all services. Invocation order is startup order:
// stream consumers are attached before the subscription starts, and the
// HTTP server comes up last.
func Bootstrap(injector do.Injector) error {
	if _, err := do.Invoke[*config.Config](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.LoggerHandle](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*metrics.Metrics](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.SSEManagerHandle](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.OrchestratorHandle](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.HTTPServerHandle](injector); err != nil {
		return err
	}
	return nil
}
