package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log formats
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Pool.Workers < 1 {
		add("pool.workers", c.Pool.Workers, "must be at least 1")
	}
	if c.Pool.GlobalMaxConcurrency < 0 {
		add("pool.global_max_concurrency", c.Pool.GlobalMaxConcurrency, "must not be negative")
	}
	if c.Pool.ShutdownTimeout <= 0 {
		add("pool.shutdown_timeout", c.Pool.ShutdownTimeout, "must be positive")
	}
	if c.Operations.MaxConcurrency < 1 {
		add("operations.max_concurrency", c.Operations.MaxConcurrency, "must be at least 1")
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Logging.Format)) {
		add("logging.format", c.Logging.Format, "must be one of "+strings.Join(ValidLogFormats(), ", "))
	}
	if c.Metrics.Addr != "" && c.Metrics.PollInterval <= 0 {
		add("metrics.poll_interval", c.Metrics.PollInterval, "must be positive when metrics are enabled")
	}
	if c.Demo.SleepScale < 0 {
		add("demo.sleep_scale", c.Demo.SleepScale, "must not be negative")
	}
	return errs
}
