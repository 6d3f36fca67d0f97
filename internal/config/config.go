// Package config defines the process configuration for the messaging schedule
// engine. Configuration is loaded once at process initialization and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"log/slog"
	"time"
)

const redacted = "***REDACTED***"

// SecretString holds a credential loaded from the environment or SSM. It
// prints, marshals and logs as a placeholder; Unmask returns the raw value.
type SecretString string

func (s SecretString) String() string   { return redacted }
func (s SecretString) GoString() string { return redacted }

// LogValue keeps the value out of slog output.
func (s SecretString) LogValue() slog.Value { return slog.StringValue(redacted) }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Unmask returns the raw value, for handing to the database driver.
func (s SecretString) Unmask() string {
	return string(s)
}

// Config is the top-level configuration struct.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"messaging-scheduler"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Database      DatabaseConfig
	AWS           AWSConfig
	Scheduler     SchedulerConfig
	Dispatch      DispatchConfig
	Feature       FeatureConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"gte=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"gte=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// MessageQueueURL receives rendered messages for the SMS/email gateway.
	MessageQueueURL string `envconfig:"SQS_MESSAGES" validate:"required,url"`
	// MessageQueueFIFO enables MessageGroupId/MessageDeduplicationId on sends.
	MessageQueueFIFO bool `envconfig:"SQS_MESSAGES_FIFO" default:"false"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SchedulerConfig tunes due processing and refresh.
type SchedulerConfig struct {
	BatchSize      int           `envconfig:"SCHEDULER_BATCH_SIZE" default:"500" validate:"gte=1,lte=10000"`
	Concurrency    int           `envconfig:"SCHEDULER_CONCURRENCY" default:"8" validate:"gte=1,lte=256"`
	LeaseTTL       time.Duration `envconfig:"SCHEDULER_LEASE_TTL" default:"2m"`
	RefreshLockTTL time.Duration `envconfig:"SCHEDULER_REFRESH_LOCK_TTL" default:"5m"`
	LookupTimeout  time.Duration `envconfig:"SCHEDULER_LOOKUP_TIMEOUT" default:"5s"`
	// DefaultTimezone applies when neither the recipient nor the domain has one.
	DefaultTimezone string `envconfig:"SCHEDULER_DEFAULT_TIMEZONE" default:"UTC" validate:"timezone"`
	// SendRatePerSecond caps outbound sends per process. Zero disables the cap.
	SendRatePerSecond float64 `envconfig:"SCHEDULER_SEND_RATE" default:"50" validate:"gte=0"`
	SendBurst         int     `envconfig:"SCHEDULER_SEND_BURST" default:"10" validate:"gte=1"`
}

// DispatchConfig tunes the outbound gateway publisher.
type DispatchConfig struct {
	// CompressThreshold is the body size in bytes above which messages are
	// zstd-compressed. Zero disables compression.
	CompressThreshold int `envconfig:"DISPATCH_COMPRESS_THRESHOLD" default:"65536" validate:"gte=0"`

	BreakerFailures    uint32        `envconfig:"DISPATCH_BREAKER_FAILURES" default:"5" validate:"gte=1"`
	BreakerOpenTimeout time.Duration `envconfig:"DISPATCH_BREAKER_OPEN_TIMEOUT" default:"30s"`
	BreakerResetWindow time.Duration `envconfig:"DISPATCH_BREAKER_RESET_WINDOW" default:"1m"`
}

// FeatureConfig holds process-wide defaults for per-domain toggles.
type FeatureConfig struct {
	// UsePhoneEntries is the default for domains that do not set the toggle.
	UsePhoneEntries bool `envconfig:"FEATURE_USE_PHONE_ENTRIES" default:"true"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Messaging/Scheduling"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
