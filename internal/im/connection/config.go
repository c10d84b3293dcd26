package connection

import "time"

type Config struct {
	Enabled         bool
	DedupTTL        time.Duration
	DedupCapacity   int
	AlertCooldown   time.Duration
	DisconnectGrace time.Duration
	StartTimeout    time.Duration
	QueueSize       int
	HandlerTimeout  time.Duration
	AffinityTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 2000
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = 300 * time.Second
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 8 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	if c.AffinityTTL <= 0 {
		c.AffinityTTL = 30 * 24 * time.Hour
	}
	return c
}
