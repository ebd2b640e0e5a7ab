package worker

import (
	"time"

	"github.com/JakeFAU/adharvest/internal/config"
	"github.com/JakeFAU/adharvest/internal/memstat"
)

// Config governs one worker's cycle, recovery and resource policy.
type Config struct {
	CycleInterval        time.Duration
	ScrollMin            int
	ScrollMax            int
	CheckpointEvery      int
	ReloadInterval       time.Duration
	StuckNudgeAfter      int
	StuckRotateAfter     int
	DedupCap             int
	DedupShrinkTo        int
	RecentCap            int
	MaxConsecutiveErrors int
	LaunchAttempts       int
	LaunchBackoff        time.Duration

	ReconnectAttempts int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration

	SampleEvery     int
	Thresholds      memstat.Thresholds
	UptimeCeiling   time.Duration
	CriticalSamples int
	RecycleCooldown time.Duration

	QueueDepth   int
	WriteBudget  time.Duration
	DrainTimeout time.Duration
}

// FromConfig extracts the worker settings from the service configuration.
func FromConfig(c config.Config) Config {
	return Config{
		CycleInterval:        c.Worker.CycleInterval,
		ScrollMin:            c.Worker.ScrollMin,
		ScrollMax:            c.Worker.ScrollMax,
		CheckpointEvery:      c.Worker.CheckpointEvery,
		ReloadInterval:       c.Worker.ReloadInterval,
		StuckNudgeAfter:      c.Worker.StuckNudgeAfter,
		StuckRotateAfter:     c.Worker.StuckRotateAfter,
		DedupCap:             c.Worker.DedupCap,
		DedupShrinkTo:        c.Worker.DedupShrinkTo,
		RecentCap:            c.Worker.RecentCap,
		MaxConsecutiveErrors: c.Worker.MaxConsecutiveErrors,
		LaunchAttempts:       c.Worker.LaunchAttempts,
		LaunchBackoff:        c.Worker.LaunchBackoff,
		ReconnectAttempts:    c.Reconnect.MaxAttempts,
		ReconnectInitial:     c.Reconnect.InitialBackoff,
		ReconnectMax:         c.Reconnect.MaxBackoff,
		SampleEvery:          c.Memory.SampleEvery,
		Thresholds: memstat.Thresholds{
			HeapHighMB:     c.Memory.HeapHighMB,
			HeapCriticalMB: c.Memory.HeapCriticalMB,
			RSSHighMB:      c.Memory.RSSHighMB,
			RSSCriticalMB:  c.Memory.RSSCriticalMB,

			BrowserHighMB:     c.Memory.BrowserHighMB,
			BrowserCriticalMB: c.Memory.BrowserCriticalMB,
		},
		UptimeCeiling:   c.Memory.UptimeCeiling,
		CriticalSamples: c.Memory.CriticalSamples,
		RecycleCooldown: c.Memory.RecycleCooldown,
		QueueDepth:      c.Store.QueueDepth,
		WriteBudget:     c.Store.WriteBudget,
		DrainTimeout:    c.Pool.StopGrace / 2,
	}
}

func (c *Config) defaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 3 * time.Second
	}
	if c.ScrollMin <= 0 {
		c.ScrollMin = 300
	}
	if c.ScrollMax < c.ScrollMin {
		c.ScrollMax = c.ScrollMin
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10
	}
	if c.StuckNudgeAfter <= 0 {
		c.StuckNudgeAfter = 3
	}
	if c.StuckRotateAfter <= c.StuckNudgeAfter {
		c.StuckRotateAfter = 2 * c.StuckNudgeAfter
	}
	if c.DedupCap <= 0 {
		c.DedupCap = 5000
	}
	if c.DedupShrinkTo <= 0 || c.DedupShrinkTo > c.DedupCap {
		c.DedupShrinkTo = c.DedupCap / 5
	}
	if c.RecentCap <= 0 {
		c.RecentCap = 10
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 10
	}
	if c.LaunchAttempts <= 0 {
		c.LaunchAttempts = 3
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 2 * time.Second
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = c.ReconnectInitial
	}
	if c.SampleEvery <= 0 {
		c.SampleEvery = 5
	}
	if c.CriticalSamples <= 0 {
		c.CriticalSamples = 1
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}
