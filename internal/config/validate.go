package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aiox-platform/quotaengine/internal/window"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// Secrets
	if len(c.Auth.TokenSecret) < 32 {
		errs = append(errs, "AUTH_TOKEN_SECRET must be at least 32 characters")
	}
	if len(c.Referral.AddressSecret) < 16 {
		errs = append(errs, "REFERRAL_ADDRESS_SECRET must be at least 16 characters")
	}
	if c.Auth.TokenSecret != "" && c.Auth.TokenSecret == c.Referral.AddressSecret {
		errs = append(errs, "AUTH_TOKEN_SECRET and REFERRAL_ADDRESS_SECRET must differ")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	// Quota policy
	if c.Quota.Store != StorePostgres && c.Quota.Store != StoreRedis {
		errs = append(errs, fmt.Sprintf("QUOTA_STORE must be postgres or redis, got %q", c.Quota.Store))
	}
	if c.Quota.Mode != ModeSoft && c.Quota.Mode != ModeStrict {
		errs = append(errs, fmt.Sprintf("QUOTA_MODE must be soft or strict, got %q", c.Quota.Mode))
	}
	if len(c.Quota.Resources) == 0 {
		errs = append(errs, "QUOTA_RESOURCES must name at least one resource")
	}
	seen := make(map[string]bool)
	for _, r := range c.Quota.Resources {
		if seen[r.Name] {
			errs = append(errs, fmt.Sprintf("QUOTA_RESOURCES lists %s twice", r.Name))
		}
		seen[r.Name] = true
		if !r.Regime.Valid() {
			errs = append(errs, fmt.Sprintf("QUOTA_REGIMES: %s has unknown regime %q", r.Name, r.Regime))
		}
		for kind, n := range r.Base {
			if n < 0 {
				errs = append(errs, fmt.Sprintf("QUOTA_LIMITS: %s %s limit must be non-negative", r.Name, kind))
			}
		}
	}

	// Referral policy
	if c.Referral.BonusFactor < 1.0 {
		errs = append(errs, "REFERRAL_BONUS_FACTOR must be at least 1.0")
	}
	if c.Referral.MaxMultiplier < 1.0 {
		errs = append(errs, "REFERRAL_MAX_MULTIPLIER must be at least 1.0")
	}
	if c.Referral.MaxPerAddress < 1 {
		errs = append(errs, "REFERRAL_MAX_PER_ADDRESS must be at least 1")
	}
	if c.Referral.Cooldown <= 0 {
		errs = append(errs, "REFERRAL_COOLDOWN must be positive")
	}

	// Reaper
	if c.Reaper.Interval <= 0 {
		errs = append(errs, "REAPER_INTERVAL must be positive")
	}
	if c.Reaper.WindowRetention < window.Day.Duration() {
		errs = append(errs, "REAPER_WINDOW_RETENTION must cover at least one day window")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.Exporter != "otlp" && c.Tracing.Exporter != "stdout" {
		errs = append(errs, fmt.Sprintf("TRACING_EXPORTER must be otlp or stdout, got %q", c.Tracing.Exporter))
	}

	// NATS: warn only
	if c.NATS.URL == "" {
		slog.Warn("NATS_URL is empty, referral bonuses and provisioning retries run inline")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
