package scheduler

import (
	"fmt"
	"time"
)

// Config holds scheduler configuration.
type Config struct {
	// PollInterval is how often the claim loop scans for eligible jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxConcurrent caps the number of jobs executing at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// LeaseDuration is the lease window granted on claim and on each
	// heartbeat renewal.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// HeartbeatInterval is how often a running job renews its lease. Must be
	// shorter than LeaseDuration or the lease expires between beats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ZombieGrace is how long past lease expiry a RUNNING job is left alone
	// before recovery kicks in.
	ZombieGrace time.Duration `yaml:"zombie_grace"`

	// DrainTimeout bounds how long Stop waits for in-flight jobs before
	// cancelling them.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// EventLogSize is the capacity of the in-memory lifecycle event ring.
	EventLogSize int `yaml:"event_log_size"`

	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig tunes the retry delay curve.
type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Factor float64       `yaml:"factor"`
	Max    time.Duration `yaml:"max"`
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ZombieGrace <= 0 {
		c.ZombieGrace = time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.EventLogSize <= 0 {
		c.EventLogSize = 1000
	}
}

func (c *Config) validate() error {
	if c.HeartbeatInterval >= c.LeaseDuration {
		return fmt.Errorf("scheduler: heartbeat_interval (%s) must be shorter than lease_duration (%s)",
			c.HeartbeatInterval, c.LeaseDuration)
	}
	if c.Backoff.Factor != 0 && c.Backoff.Factor < 1 {
		return fmt.Errorf("scheduler: backoff factor must be >= 1, got %g", c.Backoff.Factor)
	}
	return nil
}
