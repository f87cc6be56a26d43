package queue

import (
	"time"

	"previewstudio/internal/config"
	"previewstudio/pkg/backoff"
)

// Retention caps how many finished entries are kept and for how long.
// An entry is pruned once it falls beyond the count ceiling (oldest evicted
// first) or once it is older than the age window.
type Retention struct {
	Count int
	Age   time.Duration
}

// Config holds configuration for the durable queue service.
type Config struct {
	LockDuration       time.Duration // how long a worker may hold a job before it counts as stalled (default: 30m)
	LockRenewInterval  time.Duration // how often the worker renews its lock (default: LockDuration/2)
	StallCheckInterval time.Duration // how often expired locks are scanned for (default: 30s)
	CleanupInterval    time.Duration // how often retention pruning runs (default: 1m)

	RemoveOnComplete Retention // completed entries (default: 20 entries, 24h)
	RemoveOnFail     Retention // failed entries, kept longer for diagnosis (default: 50 entries, 168h)

	RetryBackoff *backoff.Config // delay schedule between explicit re-run attempts
}

// LoadConfigFromEnv loads queue configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		LockDuration:       config.GetDurationEnv("QUEUE_LOCK_DURATION", 30*time.Minute),
		StallCheckInterval: config.GetDurationEnv("QUEUE_STALL_CHECK_INTERVAL", 30*time.Second),
		CleanupInterval:    config.GetDurationEnv("QUEUE_CLEANUP_INTERVAL", time.Minute),
		RemoveOnComplete: Retention{
			Count: config.GetIntEnv("QUEUE_COMPLETED_COUNT", 20),
			Age:   config.GetDurationEnv("QUEUE_COMPLETED_AGE", 24*time.Hour),
		},
		RemoveOnFail: Retention{
			Count: config.GetIntEnv("QUEUE_FAILED_COUNT", 50),
			Age:   config.GetDurationEnv("QUEUE_FAILED_AGE", 7*24*time.Hour),
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.LockDuration <= 0 {
		c.LockDuration = 30 * time.Minute
	}
	if c.LockRenewInterval <= 0 {
		c.LockRenewInterval = c.LockDuration / 2
	}
	if c.StallCheckInterval <= 0 {
		c.StallCheckInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.RetryBackoff == nil {
		c.RetryBackoff = &backoff.Config{
			Initial: 5 * time.Second,
			Max:     time.Minute,
		}
	}
	return c
}
