package dispatcher

import (
	"time"

	"recon/internal/config"
	"recon/pkg/backoff"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize       int            // pending events (default: 256)
	Workers          int            // delivery goroutines (default: 2)
	HTTPTimeout      time.Duration  // per-request timeout (default: 10s)
	Retry            backoff.Policy // per-event retry policy
	BreakerThreshold int            // consecutive failures before a host is skipped (default: 5)
	BreakerCooldown  time.Duration  // wait before probing a failing host (default: 30s)
	MaxRequeues      int            // requeues while a breaker is open (default: 10)
}

// ConfigFrom builds a dispatcher configuration from the callback settings.
// Lifecycle events of a run form one stream, so a single worker is used
// unless more are configured; a single worker delivers in dispatch order.
func ConfigFrom(cfg config.CallbackConfig) MemoryConfig {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return MemoryConfig{
		BufferSize:  cfg.BufferSize,
		Workers:     workers,
		HTTPTimeout: cfg.Timeout,
	}.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}
