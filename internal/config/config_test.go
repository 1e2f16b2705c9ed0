package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DSN", "host=localhost user=test password=test dbname=test port=5432 sslmode=disable")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REPORT_API_URL", "https://reports.internal/api/v1/generate")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.DefaultConcurrency != 5 {
		t.Errorf("DefaultConcurrency = %d, want 5", cfg.DefaultConcurrency)
	}
	if cfg.ItemTimeout() != 30*time.Second {
		t.Errorf("ItemTimeout() = %v, want 30s", cfg.ItemTimeout())
	}
	if cfg.ThrottleInterval() != 2*time.Second {
		t.Errorf("ThrottleInterval() = %v, want 2s", cfg.ThrottleInterval())
	}
	if cfg.StaleSubscriptionMaxAge() != time.Hour {
		t.Errorf("StaleSubscriptionMaxAge() = %v, want 1h", cfg.StaleSubscriptionMaxAge())
	}
	if cfg.DailyBudget != 500 {
		t.Errorf("DailyBudget = %v, want 500", cfg.DailyBudget)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ITEM_TIMEOUT_SEC", "45")
	t.Setenv("DAILY_BUDGET", "1250.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.ItemTimeout() != 45*time.Second {
		t.Errorf("ItemTimeout() = %v, want 45s", cfg.ItemTimeout())
	}
	if cfg.DailyBudget != 1250.5 {
		t.Errorf("DailyBudget = %v, want 1250.5", cfg.DailyBudget)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("REPORT_API_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing required env vars")
	}
}
