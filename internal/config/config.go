// Package config provides centralized configuration management for the
// ingestion service. It loads configuration from environment variables with
// sensible defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Watch    WatchConfig
	Routing  RoutingConfig
	Ingest   IngestConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing response (default: 5m,
	// large uploads load synchronously)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"5m"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// WatchConfig holds watch-folder lifecycle settings.
type WatchConfig struct {
	// Enabled controls whether the watch-folder service starts (default: true)
	Enabled bool `env:"WATCH_ENABLED" default:"true"`

	// Root is the parent directory of the four lifecycle folders (default: data)
	Root string `env:"WATCH_ROOT" default:"data"`

	// Per-folder overrides. When empty the folder is <root>/<name>.
	UploadDir  string `env:"WATCH_UPLOAD_DIR"`
	WipDir     string `env:"WATCH_WIP_DIR"`
	ErrorDir   string `env:"WATCH_ERROR_DIR"`
	ArchiveDir string `env:"WATCH_ARCHIVE_DIR"`

	// UseMarkerFiles selects marker-file triggering: a data file is picked up
	// only once a sibling <file><MarkerSuffix> exists (default: true)
	UseMarkerFiles bool `env:"WATCH_USE_MARKER_FILES" default:"true"`

	// MarkerSuffix is appended to the data file name to form the marker name (default: .done)
	MarkerSuffix string `env:"WATCH_MARKER_SUFFIX" default:".done"`

	// PollInterval is the fixed scan interval for the upload folder (default: 5s)
	PollInterval time.Duration `env:"WATCH_POLL_INTERVAL" default:"5s"`

	// MaxConcurrentFiles bounds the worker pool processing triggered files (default: 5)
	MaxConcurrentFiles int `env:"WATCH_MAX_CONCURRENT_FILES" default:"5"`

	// SupportedExtensions lists the extensions handed to the pipeline (default: .csv,.tsv,.zip,.gz)
	SupportedExtensions []string `env:"WATCH_SUPPORTED_EXTENSIONS" default:".csv,.tsv,.zip,.gz"`

	// StabilityCheckDelay is the wait between size samples (default: 2s)
	StabilityCheckDelay time.Duration `env:"WATCH_STABILITY_CHECK_DELAY" default:"2s"`

	// StabilityCheckRetries is the number of size resamples; the file must be
	// unchanged across all of them before processing starts (default: 3)
	StabilityCheckRetries int `env:"WATCH_STABILITY_CHECK_RETRIES" default:"3"`

	// ShutdownTimeout bounds the wait for in-flight files on Stop (default: 30s)
	ShutdownTimeout time.Duration `env:"WATCH_SHUTDOWN_TIMEOUT" default:"30s"`
}

// UploadPath returns the effective upload folder path.
func (c *WatchConfig) UploadPath() string { return c.folder(c.UploadDir, "upload") }

// WipPath returns the effective work-in-progress folder path.
func (c *WatchConfig) WipPath() string { return c.folder(c.WipDir, "wip") }

// ErrorPath returns the effective error folder path.
func (c *WatchConfig) ErrorPath() string { return c.folder(c.ErrorDir, "error") }

// ArchivePath returns the effective archive folder path.
func (c *WatchConfig) ArchivePath() string { return c.folder(c.ArchiveDir, "archive") }

func (c *WatchConfig) folder(override, name string) string {
	if override != "" {
		return override
	}
	return filepath.Join(c.Root, name)
}

// RoutingConfig holds filename-to-table routing settings.
type RoutingConfig struct {
	// Enabled turns pattern routing on. When off every file falls back to the
	// sanitized filename stem (default: true)
	Enabled bool `env:"ROUTING_ENABLED" default:"true"`

	// Regex extracts routing groups from the filename stem.
	// The default matches legacy feed names such as PM162 or IM262.
	Regex string `env:"ROUTING_REGEX" default:"^([A-Za-z]{2})(\\d)(?:\\d+)?$"`

	// Template builds the table name from the captured groups.
	Template string `env:"ROUTING_TEMPLATE" default:"${g1}${g2}"`

	// TablePrefix is prepended to every routed table name (default: staging)
	TablePrefix string `env:"ROUTING_TABLE_PREFIX" default:"staging"`
}

// IngestConfig holds file processing settings.
type IngestConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"INGEST_MAX_FILE_SIZE" default:"104857600"`

	// LoadRulesFromDB controls whether per-pattern validation rules are read
	// from the file_validation_rules table at startup (default: true)
	LoadRulesFromDB bool `env:"INGEST_LOAD_RULES_FROM_DB" default:"true"`

	// Timeout is the maximum duration for processing a single file (default: 30m)
	Timeout time.Duration `env:"INGEST_TIMEOUT" default:"30m"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
