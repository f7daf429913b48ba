package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/livinlefevreloca/punctual/internal/action"
	"github.com/livinlefevreloca/punctual/internal/db"
	"github.com/livinlefevreloca/punctual/internal/outcome"
	"github.com/livinlefevreloca/punctual/internal/stats"
	"github.com/livinlefevreloca/punctual/internal/substrate/kube"
	"github.com/livinlefevreloca/punctual/internal/substrate/local"
	"github.com/livinlefevreloca/punctual/internal/timer"
	"github.com/livinlefevreloca/punctual/internal/workflow"
)

// Substrate kinds
const (
	SubstrateLocal = "local"
	SubstrateKube  = "kube"
)

// Config represents the application configuration
type Config struct {
	Database  db.Config            `toml:"database"`
	Timer     timer.ScheduleConfig `toml:"timer"`
	Executor  ExecutorConfig       `toml:"executor"`
	Substrate SubstrateConfig      `toml:"substrate"`
	Outcomes  outcome.Config       `toml:"outcomes"`
	Stats     stats.Config         `toml:"stats"`
	HTTP      HTTPConfig           `toml:"http"`
	Metrics   MetricsConfig        `toml:"metrics"`
	Logging   LoggingConfig        `toml:"logging"`
}

// ExecutorConfig holds the precision executor settings
type ExecutorConfig struct {
	// Downstream action address: "log:" or an http(s) URL
	Action string `toml:"action"`

	// Hard bound on a single invocation, residual wait included
	MaxWait time.Duration `toml:"max_wait"`

	// Timeout of the downstream HTTP call
	ActionTimeout time.Duration `toml:"action_timeout"`
}

// SubstrateConfig selects and configures the durable timer substrate
type SubstrateConfig struct {
	Kind string `toml:"kind"`

	// poll_interval, dispatch_timeout and batch_size sit directly in [substrate]
	local.PollerConfig

	Kube kube.Config `toml:"kube"`
}

// HTTPConfig holds HTTP API server settings
type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`

	// Intake requests per second across all clients. Zero disables limiting.
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`

	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// MetricsConfig holds metrics/monitoring settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults. The target action
// has no default and must be configured.
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "punctual.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			SkipMigrations:  false,
		},
		Timer: timer.ScheduleConfig{
			TargetLeadSeconds: 10,
			NamePrefix:        "TimerStateMachine",
		},
		Executor: ExecutorConfig{
			Action:        "log:",
			MaxWait:       2 * time.Minute,
			ActionTimeout: 30 * time.Second,
		},
		Substrate: SubstrateConfig{
			Kind:         SubstrateLocal,
			PollerConfig: local.DefaultPollerConfig(),
			Kube:         kube.DefaultConfig(),
		},
		Outcomes: outcome.DefaultConfig(),
		Stats:    stats.DefaultConfig(),
		HTTP: HTTPConfig{
			Enabled:         true,
			Address:         "0.0.0.0",
			Port:            8080,
			RateLimit:       0,
			RateBurst:       50,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return config, nil
}

// Environment overrides. The first group keeps the names used by earlier
// deployments of the timer.
const (
	EnvTargetLambdaARN   = "TARGET_LAMBDA_ARN"
	EnvCallBeforeSeconds = "TARGET_LAMBDA_CALL_BEFORE_SEC"
	EnvNamePrefix        = "STATE_MACHINE_NAME_PREFIX"
	EnvRoleARN           = "STATE_MACHINE_ROLE_ARN"

	EnvTargetAction = "PUNCTUAL_TARGET_ACTION"
	EnvAction       = "PUNCTUAL_ACTION"
)

// ApplyEnv overlays environment variables onto c. PUNCTUAL_TARGET_ACTION
// wins over TARGET_LAMBDA_ARN when both are set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvTargetLambdaARN); ok {
		c.Timer.TargetAction = v
	}
	if v, ok := lookup(EnvTargetAction); ok {
		c.Timer.TargetAction = v
	}
	if v, ok := lookup(EnvCallBeforeSeconds); ok {
		lead, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCallBeforeSeconds, err)
		}
		c.Timer.TargetLeadSeconds = lead
	}
	if v, ok := lookup(EnvNamePrefix); ok {
		c.Timer.NamePrefix = v
	}
	if v, ok := lookup(EnvRoleARN); ok {
		c.Timer.ExecutionRole = v
	}
	if v, ok := lookup(EnvAction); ok {
		c.Executor.Action = v
	}
	return nil
}

// ScheduleConfig returns the coordinator configuration
func (c *Config) ScheduleConfig() timer.ScheduleConfig {
	return c.Timer
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var result *multierror.Error

	// Database validation
	if c.Database.Driver != "sqlite3" {
		result = multierror.Append(result, fmt.Errorf("unsupported database driver: %q (must be sqlite3)", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		result = multierror.Append(result, errors.New("database DSN must be specified"))
	}

	// Timer validation
	if c.Timer.TargetLeadSeconds < 0 {
		result = multierror.Append(result, fmt.Errorf("timer target_lead_seconds cannot be negative, got %d", c.Timer.TargetLeadSeconds))
	} else if int64(c.Timer.TargetLeadSeconds) > workflow.MaxLeadSeconds {
		result = multierror.Append(result, fmt.Errorf("timer target_lead_seconds must be at most %d, got %d", workflow.MaxLeadSeconds, c.Timer.TargetLeadSeconds))
	}
	if c.Timer.NamePrefix == "" {
		result = multierror.Append(result, errors.New("timer name_prefix must be specified"))
	}
	if c.Timer.TargetAction == "" {
		result = multierror.Append(result, timer.ErrMissingTargetConfiguration)
	} else if err := action.ValidateTarget(c.Timer.TargetAction); err != nil {
		result = multierror.Append(result, fmt.Errorf("timer target_action: %w", err))
	}

	// Executor validation
	if err := action.ValidateAddress(c.Executor.Action); err != nil {
		result = multierror.Append(result, fmt.Errorf("executor action: %w", err))
	}
	if c.Executor.MaxWait <= 0 {
		result = multierror.Append(result, fmt.Errorf("executor max_wait must be positive, got %v", c.Executor.MaxWait))
	}
	if c.Executor.ActionTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("executor action_timeout must be positive, got %v", c.Executor.ActionTimeout))
	}

	// Substrate validation
	switch c.Substrate.Kind {
	case SubstrateLocal:
		if err := c.Substrate.PollerConfig.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("substrate: %w", err))
		}
	case SubstrateKube:
		if err := c.Substrate.Kube.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("substrate kube: %w", err))
		}
		if c.Timer.NamePrefix != "" {
			if err := kube.ValidateNamePrefix(c.Timer.NamePrefix); err != nil {
				result = multierror.Append(result, fmt.Errorf("timer name_prefix: %w", err))
			}
		}
		if c.Timer.TargetAction == action.LocalExecutor {
			result = multierror.Append(result, errors.New("timer target_action cannot be the local executor with the kube substrate"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown substrate kind: %q (must be local or kube)", c.Substrate.Kind))
	}

	// Outcome recorder validation
	if err := c.Outcomes.Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("outcomes: %w", err))
	}

	// Stats sampler validation
	if err := c.Stats.Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stats: %w", err))
	}

	// HTTP validation
	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			result = multierror.Append(result, errors.New("HTTP port must be between 1 and 65535"))
		}
		if c.HTTP.RateLimit < 0 {
			result = multierror.Append(result, fmt.Errorf("HTTP rate_limit cannot be negative, got %v", c.HTTP.RateLimit))
		}
		if c.HTTP.RateLimit > 0 && c.HTTP.RateBurst <= 0 {
			result = multierror.Append(result, fmt.Errorf("HTTP rate_burst must be positive when rate limiting, got %d", c.HTTP.RateBurst))
		}
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			result = multierror.Append(result, errors.New("metrics port must be between 1 and 65535"))
		}
	}

	// Logging validation
	if _, err := c.Logging.level(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		result = multierror.Append(result, fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format))
	}

	return result.ErrorOrNil()
}

func (c LoggingConfig) level() (slog.Level, error) {
	switch c.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Level)
	}
}

// NewLogger builds the process logger writing to w
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
