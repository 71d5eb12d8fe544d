// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/binaflow/binaflow-go/pkg/problem"
	"github.com/binaflow/binaflow-go/pkg/semver"
)

const logPrefix = "config:LoadConfig"

// Config holds binaflow router configuration.
type Config struct {
	// Schema sources. An unset directory stops startup with code 203.
	SchemaDirectory string `envconfig:"BINAFLOW_SCHEMA_DIRECTORY"`
	SchemaExtension string `envconfig:"BINAFLOW_SCHEMA_EXTENSION" default:".proto"`

	// WebSocket endpoint; also the Instance prefix of unhandled errors.
	HTTPPath       string   `envconfig:"BINAFLOW_HTTP_PATH" default:"/binaflow"`
	MaxFrameBytes  int64    `envconfig:"BINAFLOW_MAX_FRAME_BYTES" default:"1048576"`
	AllowedOrigins []string `envconfig:"BINAFLOW_ALLOWED_ORIGINS"`

	// Unhandled error verbosity
	FillMessage    bool `envconfig:"BINAFLOW_UNHANDLED_FILL_MESSAGE" default:"false"`
	FillErrorType  bool `envconfig:"BINAFLOW_UNHANDLED_FILL_ERROR_TYPE" default:"false"`
	FillStackTrace bool `envconfig:"BINAFLOW_UNHANDLED_FILL_STACK_TRACE" default:"false"`

	// Client version gate (empty = any client)
	ClientVersion         string `envconfig:"BINAFLOW_CLIENT_VERSION"`
	ClientVersionRequired bool   `envconfig:"BINAFLOW_CLIENT_VERSION_REQUIRED" default:"false"`

	// COMMS: optional NATS transport and event publishing.
	COMMSEnabled       bool          `envconfig:"COMMS_ENABLED" default:"false"`
	COMMSURL           string        `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName          string        `envconfig:"SERVICE_NAME" default:"binaflow"`
	COMMSSubjectPrefix string        `envconfig:"COMMS_SUBJECT_PREFIX" default:"binaflow"`
	COMMSSessionIdle   time.Duration `envconfig:"COMMS_SESSION_IDLE" default:"5m"`
	COMMSPublishEvents bool          `envconfig:"COMMS_PUBLISH_EVENTS" default:"true"`

	// Database for the notes service; in-memory storage when empty.
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP server (BINAFLOW_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"BINAFLOW_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the router. The schema
// directory is not checked here: the schema build reports it with its own code.
func (c *Config) ValidateForServe() error {
	if !strings.HasPrefix(c.HTTPPath, "/") {
		return fmt.Errorf("%s - BINAFLOW_HTTP_PATH must start with /", logPrefix)
	}
	switch c.HTTPPath {
	case "/health", "/ready", "/metrics":
		return fmt.Errorf("%s - BINAFLOW_HTTP_PATH %s collides with a built-in endpoint", logPrefix, c.HTTPPath)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("%s - BINAFLOW_MAX_FRAME_BYTES must be positive", logPrefix)
	}
	if _, err := semver.NewGate(c.ClientVersion, c.ClientVersionRequired); err != nil {
		return fmt.Errorf("%s - BINAFLOW_CLIENT_VERSION: %w", logPrefix, err)
	}
	if c.COMMSEnabled {
		if c.COMMSURL == "" {
			return fmt.Errorf("%s - COMMS_URL is required when COMMS_ENABLED", logPrefix)
		}
		if c.COMMSSessionIdle <= 0 {
			return fmt.Errorf("%s - COMMS_SESSION_IDLE must be positive", logPrefix)
		}
		if c.COMMSSubjectPrefix == "" || strings.ContainsAny(c.COMMSSubjectPrefix, "*> ") {
			return fmt.Errorf("%s - COMMS_SUBJECT_PREFIX %q is not a valid subject prefix", logPrefix, c.COMMSSubjectPrefix)
		}
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s - SHUTDOWN_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, ensure-db).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// Verbosity returns the unhandled error verbosity flags.
func (c *Config) Verbosity() problem.Verbosity {
	return problem.Verbosity{
		FillMessage:    c.FillMessage,
		FillErrorType:  c.FillErrorType,
		FillStackTrace: c.FillStackTrace,
	}
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}
