package runtime

import (
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/localstack/lambda-runtime-client/internal/utils"
)

// Config is the process-wide runtime configuration. It is built once at
// startup and never mutated; every component that needs it receives it by
// reference.
type Config struct {
	// Endpoint is the base address of the control endpoint, host:port or a
	// full URL. A protocol-compatible emulator is addressed the same way.
	Endpoint string

	// FunctionName and FunctionVersion are carried for diagnostics only.
	FunctionName    string
	FunctionVersion string

	// ReportTimeout bounds the response/error report calls. Zero disables the
	// bound, which streaming responses of unknown duration may need.
	ReportTimeout time.Duration

	// Backoff policy for retryable fetch errors. Operational policy, not
	// protocol semantics, hence configurable.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxAttempts     uint64
}

const (
	defaultReportTimeout        = 15 * time.Second
	defaultRetryInitialInterval = 100 * time.Millisecond
	defaultRetryMaxInterval     = 5 * time.Second
	defaultRetryMaxAttempts     = 6
)

// ConfigFromEnv builds the runtime configuration from the standard execution
// environment variables. AWS_LAMBDA_RUNTIME_API is required; everything else
// has defaults.
func ConfigFromEnv() (*Config, error) {
	endpoint, err := utils.GetEnv("AWS_LAMBDA_RUNTIME_API")
	if err != nil {
		return nil, fmt.Errorf("runtime API endpoint is not configured: %w", err)
	}

	cfg := &Config{
		Endpoint:             endpoint,
		FunctionName:         utils.GetEnvWithDefault("AWS_LAMBDA_FUNCTION_NAME", "function"),
		FunctionVersion:      utils.GetEnvWithDefault("AWS_LAMBDA_FUNCTION_VERSION", "$LATEST"),
		ReportTimeout:        utils.GetDurationWithDefault("LAMBDA_RUNTIME_REPORT_TIMEOUT", defaultReportTimeout),
		RetryInitialInterval: utils.GetDurationWithDefault("LAMBDA_RUNTIME_RETRY_INITIAL_INTERVAL", defaultRetryInitialInterval),
		RetryMaxInterval:     utils.GetDurationWithDefault("LAMBDA_RUNTIME_RETRY_MAX_INTERVAL", defaultRetryMaxInterval),
		RetryMaxAttempts:     defaultRetryMaxAttempts,
	}

	if raw := utils.GetEnvWithDefault("LAMBDA_RUNTIME_RETRY_MAX_ATTEMPTS", ""); raw != "" {
		attempts, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid LAMBDA_RUNTIME_RETRY_MAX_ATTEMPTS %q: %w", raw, err)
		}
		cfg.RetryMaxAttempts = attempts
	}

	if raw := utils.GetEnvWithDefault("LAMBDA_RUNTIME_LOG_LEVEL", ""); raw != "" {
		level, err := log.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid LAMBDA_RUNTIME_LOG_LEVEL %q: %w", raw, err)
		}
		log.SetLevel(level)
	}

	return cfg.withDefaults(), nil
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.ReportTimeout < 0 {
		cfg.ReportTimeout = defaultReportTimeout
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = defaultRetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = defaultRetryMaxInterval
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = defaultRetryMaxAttempts
	}
	return &cfg
}
