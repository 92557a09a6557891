package pool

import "time"

// Config controls pool sizing, recycling and backpressure.
type Config struct {
	// Size is the fixed number of driver instances.
	Size int
	// MaxPages recycles an instance once it has served this many pages.
	MaxPages int
	// MaxAge recycles an instance once it is this old.
	MaxAge               time.Duration
	HealthCheckInterval  time.Duration
	RecycleCheckInterval time.Duration
	MaxQueueSize         int
	QueueTimeout         time.Duration
	// CreateTimeout bounds a single driver launch.
	CreateTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 3
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 100
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.RecycleCheckInterval <= 0 {
		c.RecycleCheckInterval = time.Minute
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 50
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 30 * time.Second
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 30 * time.Second
	}
	return c
}
