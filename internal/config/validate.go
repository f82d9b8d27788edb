package config

import (
	"fmt"
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

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, "  - "+err.Error())
	}
	return fmt.Sprintf("%d validation errors:\n%s", len(e), strings.Join(msgs, "\n"))
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.PostgresDSN == "" {
		errs = append(errs, ValidationError{Field: "POSTGRES_DSN", Message: "required"})
	}

	// Recovery must not fire while a healthy worker still heartbeats its lease.
	if cfg.StaleThreshold <= 0 {
		errs = append(errs, ValidationError{Field: "STALE_THRESHOLD", Message: "must be positive"})
	} else if cfg.WorkerHeartbeatInterval > 0 && cfg.StaleThreshold <= 2*cfg.WorkerHeartbeatInterval {
		errs = append(errs, ValidationError{
			Field:   "STALE_THRESHOLD",
			Message: fmt.Sprintf("must exceed twice WORKER_HEARTBEAT_INTERVAL (%s)", cfg.WorkerHeartbeatInterval),
		})
	}

	if cfg.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "MAX_ATTEMPTS", Message: "must be at least 1"})
	}

	switch cfg.BackoffStrategy {
	case "fixed", "exponential":
	default:
		errs = append(errs, ValidationError{
			Field:   "BACKOFF_STRATEGY",
			Message: fmt.Sprintf("must be 'fixed' or 'exponential', got %q", cfg.BackoffStrategy),
		})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{Field: "BACKOFF_MAX", Message: "must be >= BACKOFF_INITIAL"})
	}

	for field, backend := range map[string]string{
		"RATE_LIMIT_BACKEND": cfg.RateLimitBackend,
		"CACHE_BACKEND":      cfg.CacheBackend,
	} {
		if backend != "memory" && backend != "redis" {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("must be 'memory' or 'redis', got %q", backend),
			})
		}
	}

	if cfg.RateLimitMax < 1 {
		errs = append(errs, ValidationError{Field: "RATE_LIMIT_MAX", Message: "must be at least 1"})
	}
	if cfg.RateLimitWindow <= 0 {
		errs = append(errs, ValidationError{Field: "RATE_LIMIT_WINDOW", Message: "must be positive"})
	}
	if len(cfg.PipelineAllowedStatuses) == 0 {
		errs = append(errs, ValidationError{Field: "PIPELINE_ALLOWED_STATUSES", Message: "required"})
	}
	if cfg.NotifyMaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "NOTIFY_MAX_ATTEMPTS", Message: "must be at least 1"})
	}
	if cfg.NotifyChannelRate <= 0 {
		errs = append(errs, ValidationError{Field: "NOTIFY_CHANNEL_RATE", Message: "must be positive"})
	}
	if cfg.NotifyBreakerThreshold > 0 && cfg.NotifyBreakerCooldown <= 0 {
		errs = append(errs, ValidationError{Field: "NOTIFY_BREAKER_COOLDOWN", Message: "must be positive when the breaker is enabled"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
