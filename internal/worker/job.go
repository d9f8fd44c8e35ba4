// Package worker provides a goroutine pool that claims evaluation jobs from
// the queue, calls the scoring service and records the outcome.
//
// Each of Config.Concurrency goroutines polls the queue independently; the
// queue's atomic claim guarantees a job is held by one goroutine at a time.
// A shared recovery goroutine returns jobs whose holder stopped responding.
package worker

import "time"

// Defaults applied by New to zero Config fields.
const (
	DefaultConcurrency        = 4
	DefaultPollInterval       = 2 * time.Second
	DefaultLeaseTimeout       = 5 * time.Minute
	DefaultStaleCheckInterval = 1 * time.Minute
	DefaultScoreTimeout       = 90 * time.Second
	DefaultBackoffBase        = 5 * time.Second
	DefaultBackoffMax         = 10 * time.Minute
)

// Config holds pool tuning parameters (sourced from config.Config).
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// LeaseTimeout is how long a job may stay active before stale recovery
	// hands it to another worker. Must exceed ScoreTimeout.
	LeaseTimeout       time.Duration
	StaleCheckInterval time.Duration
	ScoreTimeout       time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	// HeartbeatInterval defaults to PollInterval.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = DefaultStaleCheckInterval
	}
	if c.ScoreTimeout <= 0 {
		c.ScoreTimeout = DefaultScoreTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.PollInterval
	}
	return c
}
