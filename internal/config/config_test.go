package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPPort != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.HTTPPort)
	}
	if cfg.StaleThreshold != 15*time.Minute {
		t.Fatalf("expected stale threshold 15m, got %s", cfg.StaleThreshold)
	}
	if cfg.BackoffStrategy != "exponential" {
		t.Fatalf("expected exponential backoff, got %s", cfg.BackoffStrategy)
	}
	if len(cfg.PipelineAllowedStatuses) != 5 || cfg.PipelineAllowedStatuses[0] != "NEW" {
		t.Fatalf("unexpected allowed statuses: %v", cfg.PipelineAllowedStatuses)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STALE_THRESHOLD", "45m")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("BACKOFF_JITTER", "false")
	t.Setenv("PIPELINE_ALLOWED_STATUSES", " NEW , ENRICHED ,")
	t.Setenv("NOTIFY_CHANNEL_RATE", "0.5")
	t.Setenv("NOTIFY_BREAKER_THRESHOLD", "0")

	cfg := Load()
	if cfg.StaleThreshold != 45*time.Minute {
		t.Fatalf("expected 45m, got %s", cfg.StaleThreshold)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.BackoffJitter {
		t.Fatalf("expected jitter disabled")
	}
	if len(cfg.PipelineAllowedStatuses) != 2 || cfg.PipelineAllowedStatuses[1] != "ENRICHED" {
		t.Fatalf("unexpected allowed statuses: %v", cfg.PipelineAllowedStatuses)
	}
	if cfg.NotifyChannelRate != 0.5 {
		t.Fatalf("expected rate 0.5, got %v", cfg.NotifyChannelRate)
	}
	if cfg.NotifyBreakerThreshold != 0 || cfg.NotifyBreakerCooldown != time.Minute {
		t.Fatalf("unexpected breaker settings: %d %s", cfg.NotifyBreakerThreshold, cfg.NotifyBreakerCooldown)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "many")
	t.Setenv("STALE_THRESHOLD", "soon")

	cfg := Load()
	if cfg.MaxAttempts != 5 {
		t.Fatalf("expected fallback to 5, got %d", cfg.MaxAttempts)
	}
	if cfg.StaleThreshold != 15*time.Minute {
		t.Fatalf("expected fallback to 15m, got %s", cfg.StaleThreshold)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{
			name:   "missing dsn",
			mutate: func(c *Config) { c.PostgresDSN = "" },
			fields: []string{"POSTGRES_DSN"},
		},
		{
			name:   "stale threshold below heartbeat margin",
			mutate: func(c *Config) { c.StaleThreshold = 20 * time.Second },
			fields: []string{"STALE_THRESHOLD"},
		},
		{
			name:   "unknown backoff strategy",
			mutate: func(c *Config) { c.BackoffStrategy = "linear" },
			fields: []string{"BACKOFF_STRATEGY"},
		},
		{
			name: "bad backends",
			mutate: func(c *Config) {
				c.RateLimitBackend = "etcd"
				c.CacheBackend = "memcached"
			},
			fields: []string{"RATE_LIMIT_BACKEND", "CACHE_BACKEND"},
		},
		{
			name: "backoff max below initial",
			mutate: func(c *Config) {
				c.BackoffInitial = time.Minute
				c.BackoffMax = time.Second
			},
			fields: []string{"BACKOFF_MAX"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(&cfg)

			err := Validate(cfg)
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			if len(verrs) != len(tt.fields) {
				t.Fatalf("expected %d errors, got %d: %v", len(tt.fields), len(verrs), verrs)
			}
			for _, field := range tt.fields {
				found := false
				for _, v := range verrs {
					if v.Field == field {
						found = true
					}
				}
				if !found {
					t.Fatalf("expected error for %s, got %v", field, verrs)
				}
			}
		})
	}
}
