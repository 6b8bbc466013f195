// Package config defines the configuration for the changewatch notification
// queue daemon. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles.
//
// The one exception is the retry policy (NOTIFICATION_RETRY_COUNT and
// NOTIFICATION_RETRY_DELAY), which is owned by the retry package: those two
// variables are clamped with a warning rather than failing validation, and
// may be re-read at runtime without a restart.
package config

import "time"

// Config is the top-level configuration struct for the notification queue
// daemon. Sub-components receive only the specific config subsets they
// require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"changewatch-notifier"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Queue    QueueConfig
	Delivery DeliveryConfig
}

// ServerConfig holds the operator HTTP API settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// QueueConfig selects and tunes the storage backend and worker pool.
//
// Storage kinds:
//   - file:     default, NAS-safe (atomic rename, no advisory locks)
//   - sqlite:   local disk only, single-writer discipline required
//   - postgres: shared SQL store, safe across processes
//   - redis:    distributed key-value store
type QueueConfig struct {
	Storage      string        `envconfig:"QUEUE_STORAGE" default:"file" validate:"oneof=file sqlite postgres redis"`
	DataDir      string        `envconfig:"QUEUE_DATA_DIR" default:"./data/queue"`
	SQLitePath   string        `envconfig:"SQLITE_PATH" default:"./data/queue.db"`
	RedisURL     string        `envconfig:"REDIS_URL" validate:"required_if=Storage redis,omitempty,url"`
	DatabaseURL  string        `envconfig:"DATABASE_URL" validate:"required_if=Storage postgres"`
	Workers      int           `envconfig:"QUEUE_WORKERS" default:"2" validate:"min=1,max=4"`
	PollInterval time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"500ms"`

	// MaxAgeDays is the dead-letter auto-cleanup cutoff applied as a side
	// effect of listing failed notifications.
	MaxAgeDays int `envconfig:"NOTIFICATION_MAX_AGE_DAYS" default:"30" validate:"min=1"`
}

// DeliveryConfig tunes the outbound delivery HTTP client.
type DeliveryConfig struct {
	UserAgent string        `envconfig:"DELIVERY_USER_AGENT" default:"ChangeWatch-Notifier/1.0"`
	Timeout   time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"10s"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
