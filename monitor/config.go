package monitor

import "time"

// Config configures the monitor service.
type Config struct {
	// BatchSize is how many due jobs one scheduler poll leases.
	BatchSize int
	// MaxConcurrency is how many source checks run at once.
	MaxConcurrency int
	// InterBatchDelay separates consecutive groups of concurrent checks.
	// Negative disables the delay.
	InterBatchDelay time.Duration
	// PollInterval is how often the scheduler looks for due jobs.
	PollInterval time.Duration
	// LeaseVisibility is how long a leased job stays invisible to other
	// workers before it becomes due again.
	LeaseVisibility time.Duration

	// DefaultTimeout bounds an adapter call for sources without their own.
	DefaultTimeout time.Duration
	// DefaultInterval is the re-check interval, in minutes, of sources that
	// set neither an interval nor a cron expression.
	DefaultInterval int
	// HashMode is the fingerprint policy of sources that do not set one.
	HashMode string

	// RetentionDays is how long snapshots are kept. The newest snapshot of
	// an entity is always kept.
	RetentionDays int
	// PruneInterval is how often retention runs.
	PruneInterval time.Duration

	// AdapterURL is the extraction adapter endpoint.
	AdapterURL string
	// AdapterToken is sent as a bearer token to the adapter.
	AdapterToken string
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}
	if c.InterBatchDelay == 0 {
		c.InterBatchDelay = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseVisibility <= 0 {
		c.LeaseVisibility = 5 * time.Minute
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 120 * time.Second
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 1440
	}
	if c.HashMode == "" {
		c.HashMode = "both"
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 365
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 24 * time.Hour
	}
}

func defaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}
