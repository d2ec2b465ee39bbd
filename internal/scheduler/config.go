package scheduler

import (
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
)

const (
	JobBillingPeriodTransitions = "billing_period_transitions"
	JobNonRenewingGrants        = "non_renewing_grants"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	EnabledJobs []string
	LockTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		JobTimeout:  30 * time.Second,
		LockTTL:     30 * time.Second,
	}
}

// ProvideConfig reads the current transition settings.
func ProvideConfig(holder *config.TransitionConfigHolder) Config {
	tc := holder.Get()
	return Config{
		RunInterval: tc.RunInterval,
		BatchSize:   tc.BatchSize,
		JobTimeout:  tc.JobTimeout,
		EnabledJobs: tc.EnabledJobs,
		LockTTL:     tc.LockTTL,
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
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	return c
}
