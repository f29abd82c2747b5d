// Package config provides application configuration management with support for environment variables, command-line flags, and .env files.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	domainerrors "github.com/listenupapp/watchbridge/internal/errors"
	"github.com/listenupapp/watchbridge/internal/validation"
	"github.com/listenupapp/watchbridge/internal/watch"
)

// Backend names.
const (
	BackendWatchman = "watchman"
	BackendNative   = "native"
)

// Config holds the application configuration.
type Config struct {
	App       AppConfig
	Logger    LoggerConfig
	Watch     WatchConfig
	Watchman  WatchmanConfig
	Native    NativeConfig
	Reconnect ReconnectConfig
	Server    ServerConfig
	SSE       SSEConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string `env:"ENV" validate:"oneof=development staging production"`
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level  string `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `env:"LOG_FORMAT" validate:"omitempty,oneof=json pretty"`
	// File mirrors log output to a rotated file when set.
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_FILE_MAX_SIZE_MB" validate:"gte=1"`
	MaxBackups int    `env:"LOG_FILE_MAX_BACKUPS" validate:"gte=0"`
}

// WatchConfig describes the subscription target.
type WatchConfig struct {
	Path                string `env:"WATCH_PATH" validate:"required,dir"`
	Backend             string `env:"WATCH_BACKEND" validate:"oneof=watchman native"`
	Query               watch.Query
	ReportExistingFiles bool `env:"REPORT_EXISTING_FILES"`
}

// WatchmanConfig holds settings for the watchman backend.
type WatchmanConfig struct {
	BinaryPath string `env:"WATCHMAN_BINARY_PATH"` // Optional, defaults to "watchman" on PATH
	SocketPath string `env:"WATCHMAN_SOCK"`        // Optional, skips get-sockname
}

// NativeConfig holds settings for the fsnotify backend.
type NativeConfig struct {
	IgnorePatterns []string      `env:"WATCH_IGNORE"`
	SettleDelay    time.Duration `env:"WATCH_SETTLE_DELAY" validate:"gte=0"`
	IgnoreHidden   bool          `env:"WATCH_IGNORE_HIDDEN"`
}

// ReconnectConfig paces reconnection attempts per target path.
type ReconnectConfig struct {
	Interval time.Duration `env:"RECONNECT_INTERVAL" validate:"gt=0"`
	Burst    int           `env:"RECONNECT_BURST" validate:"gte=1"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Enabled      bool          `env:"SERVER_ENABLED"`
	Port         string        `env:"SERVER_PORT" validate:"required"` // Server port (default: 8080)
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT"`             // HTTP read timeout (default: 15s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT"`            // HTTP write timeout (default: 0, streams stay open)
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT"`             // HTTP idle timeout (default: 60s)
}

// SSEConfig holds settings for the event stream endpoint.
type SSEConfig struct {
	BufferSize        int           `env:"SSE_BUFFER_SIZE" validate:"gte=1"`
	HeartbeatInterval time.Duration `env:"SSE_HEARTBEAT_INTERVAL" validate:"gt=0"`
	// ConnectsPerMinute limits new stream connections per client address.
	ConnectsPerMinute int `env:"SSE_CONNECTS_PER_MINUTE" validate:"gte=1"`
}

// LoadConfig loads configuration from multiple sources with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func LoadConfig() (*Config, error) {
	return Load(os.Args[1:])
}

// Load is LoadConfig over an explicit argument list.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("watchbridge", flag.ContinueOnError)

	env := fs.String("env", "", "Environment (development, staging, production)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format (json, pretty; default: by environment)")
	logFile := fs.String("log-file", "", "Mirror logs to this rotated file")

	watchPath := fs.String("path", "", "Directory to watch")
	backend := fs.String("backend", "", "Watch backend (watchman, native; default: watchman)")
	query := fs.String("query", "", "Subscription query as inline JSON or YAML")
	queryFile := fs.String("query-file", "", "Path to a JSON or YAML query file")
	reportExisting := fs.String("report-existing-files", "", "Emit existing files before ready (default: false)")

	watchmanBinary := fs.String("watchman-binary", "", "Path to the watchman binary")
	watchmanSock := fs.String("watchman-sock", "", "Path to the watchman socket")

	ignore := fs.String("ignore", "", "Comma-separated ignore globs for the native backend")
	settleDelay := fs.String("settle-delay", "", "Native backend settle delay (default: 100ms)")
	ignoreHidden := fs.String("ignore-hidden", "", "Native backend skips dotfiles (default: true)")

	reconnectInterval := fs.String("reconnect-interval", "", "Minimum spacing between reconnect attempts (default: 1s)")
	reconnectBurst := fs.String("reconnect-burst", "", "Reconnect attempts allowed back to back (default: 3)")

	serverEnabled := fs.String("server", "", "Serve the HTTP API (default: true)")
	serverPort := fs.String("port", "", "Server port (default: 8080)")
	readTimeout := fs.String("read-timeout", "", "HTTP read timeout (default: 15s)")
	writeTimeout := fs.String("write-timeout", "", "HTTP write timeout (default: 0, streams stay open)")
	idleTimeout := fs.String("idle-timeout", "", "HTTP idle timeout (default: 60s)")

	envFile := fs.String("env-file", ".env", "Path to .env file")

	if err := fs.Parse(args); err != nil {
		return nil, domainerrors.Validation("invalid arguments").WithCause(err)
	}

	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(*envFile)

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level:      strings.ToLower(getConfigValue(*logLevel, "LOG_LEVEL", "info")),
			Format:     getConfigValue(*logFormat, "LOG_FORMAT", ""),
			File:       getConfigValue(*logFile, "LOG_FILE", ""),
			MaxSizeMB:  getIntConfigValue("", "LOG_FILE_MAX_SIZE_MB", 50),
			MaxBackups: getIntConfigValue("", "LOG_FILE_MAX_BACKUPS", 3),
		},
		Watch: WatchConfig{
			Path:                getConfigValue(*watchPath, "WATCH_PATH", ""),
			Backend:             getConfigValue(*backend, "WATCH_BACKEND", BackendWatchman),
			ReportExistingFiles: getBoolConfigValue(*reportExisting, "REPORT_EXISTING_FILES", false),
		},
		Watchman: WatchmanConfig{
			BinaryPath: getConfigValue(*watchmanBinary, "WATCHMAN_BINARY_PATH", ""),
			SocketPath: getConfigValue(*watchmanSock, "WATCHMAN_SOCK", ""),
		},
		Native: NativeConfig{
			IgnorePatterns: splitList(getConfigValue(*ignore, "WATCH_IGNORE", "")),
			IgnoreHidden:   getBoolConfigValue(*ignoreHidden, "WATCH_IGNORE_HIDDEN", true),
		},
		Reconnect: ReconnectConfig{
			Burst: getIntConfigValue(*reconnectBurst, "RECONNECT_BURST", 3),
		},
		Server: ServerConfig{
			Enabled: getBoolConfigValue(*serverEnabled, "SERVER_ENABLED", true),
			Port:    getConfigValue(*serverPort, "SERVER_PORT", "8080"),
		},
		SSE: SSEConfig{
			BufferSize:        getIntConfigValue("", "SSE_BUFFER_SIZE", 256),
			ConnectsPerMinute: getIntConfigValue("", "SSE_CONNECTS_PER_MINUTE", 30),
		},
	}

	durations := []struct {
		dst     *time.Duration
		flag    string
		envKey  string
		def     string
		subject string
	}{
		{&cfg.Native.SettleDelay, *settleDelay, "WATCH_SETTLE_DELAY", "100ms", "settle delay"},
		{&cfg.Reconnect.Interval, *reconnectInterval, "RECONNECT_INTERVAL", "1s", "reconnect interval"},
		{&cfg.Server.ReadTimeout, *readTimeout, "SERVER_READ_TIMEOUT", "15s", "read timeout"},
		{&cfg.Server.WriteTimeout, *writeTimeout, "SERVER_WRITE_TIMEOUT", "0s", "write timeout"},
		{&cfg.Server.IdleTimeout, *idleTimeout, "SERVER_IDLE_TIMEOUT", "60s", "idle timeout"},
		{&cfg.SSE.HeartbeatInterval, "", "SSE_HEARTBEAT_INTERVAL", "30s", "heartbeat interval"},
	}
	for _, d := range durations {
		parsed, err := getDurationConfigValue(d.flag, d.envKey, d.def)
		if err != nil {
			return nil, domainerrors.Validationf("invalid %s", d.subject).WithCause(err)
		}
		*d.dst = parsed
	}

	q, err := loadQuery(getConfigValue(*query, "WATCH_QUERY", ""), getConfigValue(*queryFile, "WATCH_QUERY_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Watch.Query = q

	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	return validation.New().Validate(c)
}

// Target builds the subscription target the orchestrator is started with.
func (c *Config) Target() watch.Target {
	return watch.Target{
		Query: c.Watch.Query,
		Path:  c.Watch.Path,
		Options: watch.Options{
			BinaryPath:          c.Watchman.BinaryPath,
			ReportExistingFiles: c.Watch.ReportExistingFiles,
		},
	}
}

// loadQuery parses the subscription query. Inline text wins over a file.
// Both accept JSON, which is a subset of YAML. An absent query is empty.
func loadQuery(inline, file string) (watch.Query, error) {
	source := "query"
	data := []byte(inline)
	if inline == "" && file != "" {
		path, err := expandPath(file, "")
		if err != nil {
			return nil, err
		}
		data, err = os.ReadFile(path) //#nosec G304 -- query file path is operator supplied
		if err != nil {
			return nil, domainerrors.NotFoundf("query file %s", path).WithCause(err)
		}
		source = path
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return watch.Query{}, nil
	}

	var q watch.Query
	if err := yaml.Unmarshal(data, &q); err != nil {
		return nil, domainerrors.Validationf("invalid %s", source).WithCause(err)
	}
	if q == nil {
		q = watch.Query{}
	}
	return q, nil
}

// expandPath expands ~ and makes the path absolute.
// If path is empty and defaultPath is provided, uses the default.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	// Expand tilde.
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	// Make absolute if needed.
	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// expandPaths normalizes every filesystem path setting.
// The watchman binary is left alone when it is a bare name resolved via PATH.
func (c *Config) expandPaths() error {
	var err error
	if c.Watch.Path, err = expandPath(c.Watch.Path, ""); err != nil {
		return err
	}
	if c.Logger.File, err = expandPath(c.Logger.File, ""); err != nil {
		return err
	}
	if c.Watchman.SocketPath, err = expandPath(c.Watchman.SocketPath, ""); err != nil {
		return err
	}
	if strings.ContainsRune(c.Watchman.BinaryPath, filepath.Separator) {
		if c.Watchman.BinaryPath, err = expandPath(c.Watchman.BinaryPath, ""); err != nil {
			return err
		}
	}
	return nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	// Priority 1: Command-line flag.
	if flagValue != "" {
		return flagValue
	}

	// Priority 2: Environment variable.
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}

	// Priority 3: Default value.
	return defaultValue
}

// getBoolConfigValue returns a bool from flag, env var, or default.
// Accepts: "true", "1", "yes" (case-insensitive) as true; anything else is false.
func getBoolConfigValue(flagValue, envKey string, defaultValue bool) bool {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	strValue = strings.ToLower(strValue)
	return strValue == "true" || strValue == "1" || strValue == "yes"
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(strValue, "%d", &result); err != nil {
		return defaultValue
	}
	return result
}

func getDurationConfigValue(flagValue, envKey, defaultValue string) (time.Duration, error) {
	return time.ParseDuration(getConfigValue(flagValue, envKey, defaultValue))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments.
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		// Only set if not already set (env vars take precedence over .env file).
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
