package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPPort != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.HTTPPort)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected 3 max retries, got %d", cfg.MaxRetries)
	}
	if cfg.BackoffInitial != 2*time.Second {
		t.Fatalf("expected 2s initial backoff, got %s", cfg.BackoffInitial)
	}
	if cfg.StreamInterval != 500*time.Millisecond {
		t.Fatalf("expected 500ms stream interval, got %s", cfg.StreamInterval)
	}
	if cfg.AuditDir != "./audit_logs" {
		t.Fatalf("unexpected audit dir %s", cfg.AuditDir)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("STAGE_PACING", "250ms")
	t.Setenv("EXPORT_S3_PATH_STYLE", "true")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "2.5")

	cfg := Load()
	if cfg.HTTPPort != "9090" {
		t.Fatalf("expected port 9090, got %s", cfg.HTTPPort)
	}
	if cfg.MaxRetries != 5 {
		t.Fatalf("expected 5 max retries, got %d", cfg.MaxRetries)
	}
	if cfg.StagePacing != 250*time.Millisecond {
		t.Fatalf("expected 250ms pacing, got %s", cfg.StagePacing)
	}
	if !cfg.ExportS3PathStyle {
		t.Fatalf("expected path style enabled")
	}
	if cfg.RateLimitRefill != 2.5 {
		t.Fatalf("expected refill 2.5, got %f", cfg.RateLimitRefill)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_RETRIES", "not-a-number")
	t.Setenv("STAGE_PACING", "soon")

	cfg := Load()
	if cfg.MaxRetries != 3 {
		t.Fatalf("malformed int should fall back to default, got %d", cfg.MaxRetries)
	}
	if cfg.StagePacing != time.Second {
		t.Fatalf("malformed duration should fall back to default, got %s", cfg.StagePacing)
	}
}
