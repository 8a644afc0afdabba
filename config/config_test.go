package config

import (
	"os"
	"testing"
	"time"
)

func clearMcpdEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key := kv[:i]
				if len(key) >= 5 && key[:5] == "MCPD_" {
					old, had := os.LookupEnv(key)
					_ = os.Unsetenv(key)
					if had {
						t.Cleanup(func() { _ = os.Setenv(key, old) })
					}
				}
				break
			}
		}
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearMcpdEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != "httpsse" {
		t.Fatalf("expected default transport httpsse, got %q", cfg.Transport)
	}
	if cfg.MaxSessions != 64 {
		t.Fatalf("expected default MaxSessions 64, got %d", cfg.MaxSessions)
	}
	if cfg.SessionIdleTTL != 30*time.Minute {
		t.Fatalf("expected default idle TTL 30m, got %s", cfg.SessionIdleTTL)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Fatalf("expected default breaker failure threshold 5, got %d", cfg.BreakerFailureThreshold)
	}
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	clearMcpdEnv(t)
	t.Setenv("MCPD_TRANSPORT", "websocket")
	t.Setenv("MCPD_MAX_SESSIONS", "8")
	t.Setenv("MCPD_BREAKER_RECOVERY_TIMEOUT", "1s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != "websocket" {
		t.Fatalf("expected overridden transport websocket, got %q", cfg.Transport)
	}
	if cfg.MaxSessions != 8 {
		t.Fatalf("expected overridden MaxSessions 8, got %d", cfg.MaxSessions)
	}
	if cfg.BreakerConfig().RecoveryTimeout != time.Second {
		t.Fatalf("expected overridden recovery timeout 1s, got %s", cfg.BreakerConfig().RecoveryTimeout)
	}
}

func TestProjectionsMatchFields(t *testing.T) {
	clearMcpdEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	sc := cfg.SessionsConfig()
	if sc.MaxSessions != cfg.MaxSessions || sc.IdleTTL != cfg.SessionIdleTTL {
		t.Fatalf("SessionsConfig projection mismatch: %+v", sc)
	}

	tc := cfg.TasksConfig()
	if tc.MaxTasks != cfg.MaxTasks || tc.DefaultPollInterval != cfg.TaskDefaultPollInterval {
		t.Fatalf("TasksConfig projection mismatch: %+v", tc)
	}

	rl := cfg.RateLimit()
	if rl.GlobalRatePerSec != cfg.GlobalRatePerSec || rl.PerKeyBurst != cfg.PerKeyBurst {
		t.Fatalf("RateLimit projection mismatch: %+v", rl)
	}
}
