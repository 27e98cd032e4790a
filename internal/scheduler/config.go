package scheduler

import (
	"errors"
	"time"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

// Config controls the scheduling sweep.
type Config struct {
	// SweepInterval is how often RunForever scans for due groups.
	SweepInterval time.Duration
	// MinDelay clamps the enqueue delay so past-due dates still run
	// slightly in the future, never immediately or negatively.
	MinDelay time.Duration
	// BatchSize bounds one sweep's claim.
	BatchSize int
	// LockTTL bounds the per-group scheduling lock.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	return c
}
