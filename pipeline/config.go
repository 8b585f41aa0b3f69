package pipeline

import (
	"fmt"
	"time"

	"github.com/c360/renderflow/errors"
)

// QueueConfig controls one queue's worker pool and retry policy
type QueueConfig struct {
	Concurrency int           `json:"concurrency" yaml:"concurrency"`
	MaxAttempts int           `json:"maxAttempts" yaml:"max_attempts"`
	BackoffBase time.Duration `json:"backoffBase" yaml:"backoff_base"`
	BackoffCap  time.Duration `json:"backoffCap" yaml:"backoff_cap"`
}

// Config controls the pipeline as a whole
type Config struct {
	Queues map[Queue]QueueConfig `json:"queues" yaml:"queues"`

	// LeaseTimeout is how stale a worker heartbeat may get before the
	// janitor reclaims the job
	LeaseTimeout    time.Duration `json:"leaseTimeout" yaml:"lease_timeout"`
	JanitorInterval time.Duration `json:"janitorInterval" yaml:"janitor_interval"`

	// Retention is how long terminal jobs stay queryable in memory
	// before being archived and dropped
	Retention     time.Duration `json:"retention" yaml:"retention"`
	SweepInterval time.Duration `json:"sweepInterval" yaml:"sweep_interval"`
}

// DefaultConfig returns the production defaults. Single renders get the
// widest pool; batch and webhook work is heavier or slower per job and
// runs narrower.
func DefaultConfig() Config {
	return Config{
		Queues: map[Queue]QueueConfig{
			QueueSingle: {
				Concurrency: 8,
				MaxAttempts: 3,
				BackoffBase: 500 * time.Millisecond,
				BackoffCap:  30 * time.Second,
			},
			QueueBatch: {
				Concurrency: 2,
				MaxAttempts: 2,
				BackoffBase: 2 * time.Second,
				BackoffCap:  30 * time.Second,
			},
			QueueWebhook: {
				Concurrency: 2,
				MaxAttempts: 5,
				BackoffBase: time.Second,
				BackoffCap:  30 * time.Second,
			},
		},
		LeaseTimeout:    30 * time.Second,
		JanitorInterval: 5 * time.Second,
		Retention:       10 * time.Minute,
		SweepInterval:   time.Minute,
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Queues == nil {
		c.Queues = def.Queues
	} else {
		for name, defQueue := range def.Queues {
			qc, ok := c.Queues[name]
			if !ok {
				c.Queues[name] = defQueue
				continue
			}
			if qc.Concurrency <= 0 {
				qc.Concurrency = defQueue.Concurrency
			}
			if qc.MaxAttempts <= 0 {
				qc.MaxAttempts = defQueue.MaxAttempts
			}
			if qc.BackoffBase <= 0 {
				qc.BackoffBase = defQueue.BackoffBase
			}
			if qc.BackoffCap <= 0 {
				qc.BackoffCap = defQueue.BackoffCap
			}
			c.Queues[name] = qc
		}
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = def.LeaseTimeout
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = def.JanitorInterval
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// Validate checks the configuration for unusable values
func (c Config) Validate() error {
	for name := range c.Queues {
		if !name.Known() {
			return errors.WrapFatal(errors.ErrInvalidConfig,
				"Config", "Validate", fmt.Sprintf("unknown queue %q", name))
		}
	}
	return nil
}
