package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing every problem found.
func Validate(cfg *Config) error {
	var errs []error

	// Suite file is required
	if strings.TrimSpace(cfg.SuitePath) == "" {
		errs = append(errs, ValidationError{
			Field:   "suite",
			Message: "suite file is required",
		})
	}

	// Runner is required
	if strings.TrimSpace(cfg.RunnerPath) == "" {
		errs = append(errs, ValidationError{
			Field:   "runner",
			Message: "runner executable is required",
		})
	}

	// Target must be valid
	if cfg.Target != TargetURL && cfg.Target != TargetFile {
		errs = append(errs, ValidationError{
			Field:   "target",
			Message: fmt.Sprintf("must be 'url' or 'file' (got %q)", cfg.Target),
		})
	}

	if cfg.MaxParallel < 0 {
		errs = append(errs, ValidationError{
			Field:   "max_parallel",
			Message: "must not be negative",
		})
	}

	if cfg.ReadyTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "ready_timeout",
			Message: "must not be negative",
		})
	}

	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "shutdown_timeout",
			Message: "must be positive",
		})
	}

	if err := validateAddr(cfg.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "listen",
			Message: err.Error(),
		})
	}

	if cfg.MetricsAddr != "" {
		if err := validateAddr(cfg.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics",
				Message: err.Error(),
			})
		}
	}

	if cfg.BundleDir == "" {
		errs = append(errs, ValidationError{
			Field:   "bundle_dir",
			Message: "must not be empty",
		})
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateAddr checks a host:port listen address.
func validateAddr(addr string) error {
	if strings.Contains(addr, "://") {
		return errors.New("must be host:port, not a URL")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	return nil
}
