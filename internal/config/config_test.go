package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPPort != "8080" {
		t.Fatalf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.ConcurrencyCap != 3 {
		t.Fatalf("ConcurrencyCap = %d", cfg.ConcurrencyCap)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.PollInterval != time.Second {
		t.Fatalf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.PollBudget != 300*time.Second {
		t.Fatalf("PollBudget = %s", cfg.PollBudget)
	}
	if cfg.SubscriptionTTL != 6*time.Hour {
		t.Fatalf("SubscriptionTTL = %s", cfg.SubscriptionTTL)
	}
	if cfg.HealthAttempts != 2 {
		t.Fatalf("HealthAttempts = %d", cfg.HealthAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONCURRENCY_CAP", "5")
	t.Setenv("POLL_BUDGET", "2m")
	t.Setenv("S3_PATH_STYLE", "true")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "1.5")

	cfg := Load()
	if cfg.ConcurrencyCap != 5 {
		t.Fatalf("ConcurrencyCap = %d", cfg.ConcurrencyCap)
	}
	if cfg.PollBudget != 2*time.Minute {
		t.Fatalf("PollBudget = %s", cfg.PollBudget)
	}
	if !cfg.S3PathStyle {
		t.Fatal("S3PathStyle not set")
	}
	if cfg.RateLimitRefill != 1.5 {
		t.Fatalf("RateLimitRefill = %f", cfg.RateLimitRefill)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("CONCURRENCY_CAP", "lots")
	t.Setenv("POLL_BUDGET", "soon")

	cfg := Load()
	if cfg.ConcurrencyCap != 3 {
		t.Fatalf("ConcurrencyCap = %d, want default", cfg.ConcurrencyCap)
	}
	if cfg.PollBudget != 300*time.Second {
		t.Fatalf("PollBudget = %s, want default", cfg.PollBudget)
	}
}
