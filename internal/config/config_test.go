package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("VOTE_MAX_ATTEMPTS", "")
	t.Setenv("DIRECTIONS_TIMEOUT_MS", "")

	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Errorf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.VoteMaxAttempts != 3 {
		t.Errorf("expected 3 vote attempts, got %d", cfg.VoteMaxAttempts)
	}
	if cfg.DirectionsTimeout != 4*time.Second {
		t.Errorf("expected 4s directions timeout, got %s", cfg.DirectionsTimeout)
	}
	if cfg.DirectionsProfile != "driving" {
		t.Errorf("expected driving profile, got %q", cfg.DirectionsProfile)
	}
}

func TestLoadVoteAttemptsFloor(t *testing.T) {
	t.Setenv("VOTE_MAX_ATTEMPTS", "1")
	cfg := Load()
	if cfg.VoteMaxAttempts != 2 {
		t.Errorf("vote attempts must allow at least one retry, got %d", cfg.VoteMaxAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("PIN_SWEEP_SECONDS", "15")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("POSITION_TTL_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.StoreDriver != "memory" {
		t.Errorf("expected lowercased driver, got %q", cfg.StoreDriver)
	}
	if cfg.PinSweepInterval != 15*time.Second {
		t.Errorf("expected 15s sweep, got %s", cfg.PinSweepInterval)
	}
	if !cfg.MinioUseSSL {
		t.Error("expected MinioUseSSL")
	}
	if cfg.PositionTTL != 600*time.Second {
		t.Errorf("invalid TTL should fall back, got %s", cfg.PositionTTL)
	}
}
