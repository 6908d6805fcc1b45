package scheduler

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls batch cadence and sizing for the rebill coordinator.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	RetryBatchSize    int
	JobTimeout        time.Duration
	RecoveryThreshold time.Duration

	// LeaseKey and LeaseTTL configure the optional cross-instance lease.
	// With no Redis client wired, the in-process guard is the only
	// exclusion and a deployment must run a single scheduler instance.
	LeaseKey string
	LeaseTTL time.Duration

	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         100,
		RetryBatchSize:    50,
		JobTimeout:        5 * time.Minute,
		RecoveryThreshold: 15 * time.Minute,
		LeaseKey:          "rebill:scheduler:lease",
		LeaseTTL:          2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = defaults.RetryBatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.LeaseKey == "" {
		c.LeaseKey = defaults.LeaseKey
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	return c
}

func ProvideConfig() Config {
	cfg := DefaultConfig()
	cfg.RunInterval = envDuration("SCHEDULER_RUN_INTERVAL", cfg.RunInterval)
	cfg.BatchSize = envInt("SCHEDULER_BATCH_SIZE", cfg.BatchSize)
	cfg.RetryBatchSize = envInt("SCHEDULER_RETRY_BATCH_SIZE", cfg.RetryBatchSize)
	cfg.JobTimeout = envDuration("SCHEDULER_JOB_TIMEOUT", cfg.JobTimeout)
	cfg.RecoveryThreshold = envDuration("SCHEDULER_RECOVERY_THRESHOLD", cfg.RecoveryThreshold)
	cfg.LeaseTTL = envDuration("SCHEDULER_LEASE_TTL", cfg.LeaseTTL)
	if key := os.Getenv("SCHEDULER_LEASE_KEY"); key != "" {
		cfg.LeaseKey = key
	}
	if jobs := os.Getenv("SCHEDULER_ENABLED_JOBS"); jobs != "" {
		for _, job := range strings.Split(jobs, ",") {
			if job = strings.TrimSpace(job); job != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, job)
			}
		}
	}
	return cfg
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
