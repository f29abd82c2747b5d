// Package providers contains dependency injection providers for watchbridge.
package providers

import (
	"github.com/samber/do/v2"

	"github.com/listenupapp/watchbridge/internal/config"
	"github.com/listenupapp/watchbridge/internal/logger"
)

// ProvideConfig provides the application configuration.
func ProvideConfig(i do.Injector) (*config.Config, error) {
	return config.LoadConfig()
}

// LoggerHandle wraps the logger so the rotated log file is closed last.
type LoggerHandle struct {
	*logger.Logger
}

// Shutdown implements do.Shutdownable.
func (h *LoggerHandle) Shutdown() error {
	return h.Close()
}

// ProvideLogger provides the structured logger.
func ProvideLogger(i do.Injector) (*LoggerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Logger.Level),
		Format:      cfg.Logger.Format,
		AddSource:   cfg.App.Environment == "development",
		Environment: cfg.App.Environment,
		File: logger.FileConfig{
			Path:       cfg.Logger.File,
			MaxSizeMB:  cfg.Logger.MaxSizeMB,
			MaxBackups: cfg.Logger.MaxBackups,
		},
	})

	log.Info("Starting watchbridge",
		"environment", cfg.App.Environment,
		"log_level", cfg.Logger.Level,
		"path", cfg.Watch.Path,
		"backend", cfg.Watch.Backend,
	)

	return &LoggerHandle{Logger: log}, nil
}
