// Package config loads the process-level configuration that assembles a
// full server instance from environment variables decoded via envdecode.
// The access-control role mapping YAML file is not read here: Config only
// carries its path, and accesscontrol.WatchRoleFile loads and hot-reloads it.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/edgemcp/mcpd/breaker"
	"github.com/edgemcp/mcpd/sessions"
	"github.com/edgemcp/mcpd/tasks"
)

// Config holds every environment-driven setting needed to construct a
// server instance. Each field carries the env var it is decoded from and a
// default via envdecode's struct tag convention.
type Config struct {
	// Transport selects which concrete transport cmd/mcpd wires up.
	// ENV: MCPD_TRANSPORT (one of "httpsse", "websocket")
	Transport string `env:"MCPD_TRANSPORT,default=httpsse"`

	// ListenAddr is the address the chosen HTTP-based transport binds.
	// ENV: MCPD_LISTEN_ADDR
	ListenAddr string `env:"MCPD_LISTEN_ADDR,default=:8080"`

	// RoleFilePath, if set, is watched and applied to AccessControl.
	// ENV: MCPD_ROLE_FILE
	RoleFilePath string `env:"MCPD_ROLE_FILE"`

	// Sessions.
	MaxSessions  int           `env:"MCPD_MAX_SESSIONS,default=64"`
	SessionIdleTTL time.Duration `env:"MCPD_SESSION_IDLE_TTL,default=30m"`

	// Rate limiting. A zero RatePerSec disables the global limiter.
	GlobalRatePerSec float64 `env:"MCPD_RATE_PER_SEC,default=50"`
	GlobalBurst      int     `env:"MCPD_RATE_BURST,default=10"`
	PerKeyRatePerSec float64 `env:"MCPD_PERKEY_RATE_PER_SEC,default=10"`
	PerKeyBurst      int     `env:"MCPD_PERKEY_RATE_BURST,default=5"`
	PerKeyRegistrySize int   `env:"MCPD_PERKEY_REGISTRY_SIZE,default=256"`

	// Circuit breaker.
	BreakerFailureThreshold        int           `env:"MCPD_BREAKER_FAILURE_THRESHOLD,default=5"`
	BreakerRecoveryTimeout         time.Duration `env:"MCPD_BREAKER_RECOVERY_TIMEOUT,default=30s"`
	BreakerHalfOpenSuccessThreshold int          `env:"MCPD_BREAKER_HALF_OPEN_SUCCESS_THRESHOLD,default=1"`
	BreakerRegistrySize            int           `env:"MCPD_BREAKER_REGISTRY_SIZE,default=128"`

	// Retry.
	RetryRegistrySize int `env:"MCPD_RETRY_REGISTRY_SIZE,default=128"`

	// Tasks.
	MaxTasks            int           `env:"MCPD_MAX_TASKS,default=16"`
	TaskDefaultPollInterval time.Duration `env:"MCPD_TASK_POLL_INTERVAL,default=5s"`

	// EventStore / audit / state store capacities.
	EventStoreCapacity int `env:"MCPD_EVENTSTORE_CAPACITY,default=512"`
	AuditLogCapacity   int `env:"MCPD_AUDIT_CAPACITY,default=512"`
	StateStoreCapacity int `env:"MCPD_STATESTORE_CAPACITY,default=0"`

	// Watchdog.
	WatchdogMaxEntries int `env:"MCPD_WATCHDOG_MAX_ENTRIES,default=32"`

	// Redis, for the optional statestore/redisstore backing. Empty disables it.
	RedisAddr   string `env:"MCPD_REDIS_ADDR"`
	RedisPrefix string `env:"MCPD_REDIS_PREFIX,default=mcpd:"`
}

// Load decodes Config from the process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}
	return &cfg, nil
}

// SessionsConfig projects the subset of Config that sessions.New expects.
func (c *Config) SessionsConfig() sessions.Config {
	return sessions.Config{MaxSessions: c.MaxSessions, IdleTTL: c.SessionIdleTTL}
}

// RateLimitConfig is the resolved pair of global and per-key rate limiter
// settings; a zero GlobalRatePerSec means "no global limiter".
type RateLimitConfig struct {
	GlobalRatePerSec float64
	GlobalBurst      int
	PerKeyRatePerSec float64
	PerKeyBurst      int
	PerKeyRegistrySize int
}

func (c *Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{
		GlobalRatePerSec:   c.GlobalRatePerSec,
		GlobalBurst:        c.GlobalBurst,
		PerKeyRatePerSec:   c.PerKeyRatePerSec,
		PerKeyBurst:        c.PerKeyBurst,
		PerKeyRegistrySize: c.PerKeyRegistrySize,
	}
}

// BreakerConfig projects the subset of Config that breaker.Registry expects.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:         c.BreakerFailureThreshold,
		RecoveryTimeout:          c.BreakerRecoveryTimeout,
		HalfOpenSuccessThreshold: c.BreakerHalfOpenSuccessThreshold,
	}
}

// TasksConfig projects the subset of Config that tasks.New expects.
func (c *Config) TasksConfig() tasks.Config {
	return tasks.Config{MaxTasks: c.MaxTasks, DefaultPollInterval: c.TaskDefaultPollInterval}
}
