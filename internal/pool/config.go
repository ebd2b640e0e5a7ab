package pool

import (
	"time"

	"github.com/JakeFAU/adharvest/internal/config"
)

// Config is the coordinator's supervision policy.
type Config struct {
	MaxSize      int
	RestartDelay time.Duration
	// MaxRestarts caps consecutive restarts of a slot whose runs produce no
	// records. Zero picks the default; a negative value removes the cap.
	MaxRestarts     int
	HealthInterval  time.Duration
	StallUptime     time.Duration
	StallMinRecords int64
	StopGrace       time.Duration
	EventBuffer     int
}

// FromConfig extracts the pool settings from the service configuration.
func FromConfig(c config.Config) Config {
	return Config{
		MaxSize:         c.Pool.MaxSize,
		RestartDelay:    c.Pool.RestartDelay,
		MaxRestarts:     c.Pool.MaxRestarts,
		HealthInterval:  c.Pool.HealthInterval,
		StallUptime:     c.Pool.StallUptime,
		StallMinRecords: c.Pool.StallMinRecords,
		StopGrace:       c.Pool.StopGrace,
		EventBuffer:     c.Pool.EventBuffer,
	}
}

func (c *Config) defaults() {
	if c.MaxSize <= 0 || c.MaxSize > config.MaxPoolSize {
		c.MaxSize = config.MaxPoolSize
	}
	if c.RestartDelay < 0 {
		c.RestartDelay = 0
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 5
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}
