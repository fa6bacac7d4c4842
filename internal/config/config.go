// Package config loads gcdplay settings from defaults, an optional YAML file,
// GCDPLAY_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Swind/go-dispatch"
	"github.com/Swind/go-dispatch/core"
)

// EnvPrefix is prepended to every environment override, e.g.
// GCDPLAY_POOL_WORKERS for pool.workers.
const EnvPrefix = "GCDPLAY"

// Config is the complete gcdplay configuration.
type Config struct {
	Pool       PoolConfig       `mapstructure:"pool"`
	Operations OperationsConfig `mapstructure:"operations"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Demo       DemoConfig       `mapstructure:"demo"`
}

// PoolConfig configures the shared worker pool.
type PoolConfig struct {
	ID                   string        `mapstructure:"id"`
	Workers              int           `mapstructure:"workers"`
	FIFO                 bool          `mapstructure:"fifo"`
	GlobalMaxConcurrency int           `mapstructure:"global_max_concurrency"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
}

// OperationsConfig configures the demo operation queue.
type OperationsConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr         string        `mapstructure:"addr"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DemoConfig tunes the demo scenarios.
type DemoConfig struct {
	// SleepScale multiplies every simulated sleep; 1 reproduces real pacing.
	SleepScale float64 `mapstructure:"sleep_scale"`
}

// Scale applies SleepScale to d.
func (d DemoConfig) Scale(dur time.Duration) time.Duration {
	return time.Duration(float64(dur) * d.SleepScale)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			ID:              "gcdplay",
			Workers:         runtime.NumCPU(),
			ShutdownTimeout: 5 * time.Second,
		},
		Operations: OperationsConfig{MaxConcurrency: 2},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Metrics:    MetricsConfig{PollInterval: time.Second},
		Demo:       DemoConfig{SleepScale: 0.05},
	}
}

// SetDefaults registers Default() on v so every key is known to viper,
// which also makes each key overridable from the environment.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("pool.id", defaults.Pool.ID)
	v.SetDefault("pool.workers", defaults.Pool.Workers)
	v.SetDefault("pool.fifo", defaults.Pool.FIFO)
	v.SetDefault("pool.global_max_concurrency", defaults.Pool.GlobalMaxConcurrency)
	v.SetDefault("pool.shutdown_timeout", defaults.Pool.ShutdownTimeout)

	v.SetDefault("operations.max_concurrency", defaults.Operations.MaxConcurrency)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)

	v.SetDefault("metrics.addr", defaults.Metrics.Addr)
	v.SetDefault("metrics.poll_interval", defaults.Metrics.PollInterval)

	v.SetDefault("demo.sleep_scale", defaults.Demo.SleepScale)
}

// NewViper returns a viper instance with defaults and environment binding.
// If configFile is set it must exist; otherwise gcdplay.yaml is looked up in
// the working directory and silently skipped when absent.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("gcdplay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Runtime converts the pool settings into a dispatch.Config.
func (c *Config) Runtime(scheduler *core.SchedulerConfig) dispatch.Config {
	return dispatch.Config{
		PoolID:               c.Pool.ID,
		Workers:              c.Pool.Workers,
		FIFO:                 c.Pool.FIFO,
		GlobalMaxConcurrency: c.Pool.GlobalMaxConcurrency,
		ShutdownTimeout:      c.Pool.ShutdownTimeout,
		Scheduler:            scheduler,
	}
}
