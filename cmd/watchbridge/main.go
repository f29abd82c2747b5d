// Package main provides the entry point for the watchbridge daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"

	"github.com/listenupapp/watchbridge/internal/di"
	"github.com/listenupapp/watchbridge/internal/di/providers"
)

func main() {
	// Create DI container
	injector := di.NewContainer()

	// Bootstrap all services
	if err := di.Bootstrap(injector); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start watchbridge: %v\n", err)
		os.Exit(1)
	}

	// Get logger for shutdown messages
	log := do.MustInvoke[*providers.LoggerHandle](injector)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info("Shutting down gracefully...", "signal", sig.String())

	// Unsubscribe first so the end event still reaches connected streams.
	if orchestrator, err := do.Invoke[*providers.OrchestratorHandle](injector); err == nil {
		if err := orchestrator.Shutdown(); err != nil {
			log.Error("Failed to unsubscribe", "error", err)
		} else {
			log.Info("Subscription closed")
		}
	}

	// The container shuts down the rest in reverse order.
	if err := injector.Shutdown(); err != nil {
		log.Error("Shutdown error", "error", err)
	}

	fmt.Fprintln(os.Stderr, "watchbridge stopped")
}
