package notify

import (
	"time"

	"previewstudio/internal/config"
)

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// MemoryConfig holds configuration for the in-memory notifier.
type MemoryConfig struct {
	BufferSize  int           // pending events buffer (default: 10000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("NOTIFIER_BUFFER_SIZE", 10000),
		Workers:     config.GetIntEnv("NOTIFIER_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("NOTIFIER_HTTP_TIMEOUT", 10*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}
