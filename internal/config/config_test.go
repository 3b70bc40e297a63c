package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("DEVICE_SECRET", "")
	t.Setenv("DEVICE_CREDENTIALS", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.DeviceSecret != "" {
		t.Fatalf("expected empty DEVICE_SECRET when unset, got %q", cfg.DeviceSecret)
	}
	if len(cfg.DeviceCredentials) != 0 {
		t.Fatalf("expected no device credentials, got %v", cfg.DeviceCredentials)
	}
}

func TestLoadSyncSettings(t *testing.T) {
	t.Setenv("SYNC_MAX_RETRIES", "3")
	t.Setenv("SYNC_BASE_BACKOFF_MS", "200")
	t.Setenv("SYNC_MAX_BACKOFF_MS", "50")
	t.Setenv("SYNC_JITTER_FRACTION", "2.5")
	t.Setenv("SYNC_ATTEMPT_TIMEOUT_SECONDS", "-4")

	cfg := Load()
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.MaxRetries)
	}
	if cfg.BaseBackoff != 200*time.Millisecond {
		t.Fatalf("unexpected base backoff %s", cfg.BaseBackoff)
	}
	if cfg.MaxBackoff != cfg.BaseBackoff {
		t.Fatalf("max backoff must not be below base, got %s", cfg.MaxBackoff)
	}
	if cfg.JitterFraction != 0.5 {
		t.Fatalf("out of range jitter should fall back, got %v", cfg.JitterFraction)
	}
	if cfg.AttemptTimeout != 10*time.Second {
		t.Fatalf("negative timeout should fall back, got %s", cfg.AttemptTimeout)
	}
}

func TestLoadPolicyDefaults(t *testing.T) {
	t.Setenv("DISCOUNT_APPROVAL_PERCENT", "not-a-number")
	t.Setenv("AUTO_COMPLETE_EXACT_CASH", "")
	t.Setenv("CRITICAL_EXPOSURE", "250.5")

	cfg := Load()
	if cfg.DiscountApprovalPercent.String() != "10" {
		t.Fatalf("expected default approval threshold 10, got %s", cfg.DiscountApprovalPercent)
	}
	if cfg.AutoCompleteExactCash {
		t.Fatal("exact cash auto-complete must default to off")
	}
	if cfg.CriticalExposure.String() != "250.50" {
		t.Fatalf("unexpected critical exposure %s", cfg.CriticalExposure)
	}
}

func TestParseDeviceCredentials(t *testing.T) {
	got := parsePairs(" dev-1:secret-a , bad, :x, dev-2:secret-b")
	if len(got) != 2 || got["dev-1"] != "secret-a" || got["dev-2"] != "secret-b" {
		t.Fatalf("unexpected credentials %v", got)
	}
}
