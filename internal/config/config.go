// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

// MaxPoolSize is the hard upper bound on concurrent workers in one pool.
const MaxPoolSize = 10

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Targets   []harvest.Target `mapstructure:"targets"`
	Session   SessionConfig    `mapstructure:"session"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Reconnect ReconnectConfig  `mapstructure:"reconnect"`
	Memory    MemoryConfig     `mapstructure:"memory"`
	Pool      PoolConfig       `mapstructure:"pool"`
	Lifecycle LifecycleConfig  `mapstructure:"lifecycle"`
	Store     StoreConfig      `mapstructure:"store"`
	State     StateConfig      `mapstructure:"state"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the log ring size.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	RingSize    int  `mapstructure:"ring_size"`
}

// SessionConfig configures the automation-session driver.
type SessionConfig struct {
	Driver        string        `mapstructure:"driver"`
	Headless      bool          `mapstructure:"headless"`
	UserAgent     string        `mapstructure:"user_agent"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	ScanSelector  string        `mapstructure:"scan_selector"`
}

// WorkerConfig governs the extraction cycle.
type WorkerConfig struct {
	CycleInterval        time.Duration `mapstructure:"cycle_interval"`
	ScrollMin            int           `mapstructure:"scroll_min"`
	ScrollMax            int           `mapstructure:"scroll_max"`
	CheckpointEvery      int           `mapstructure:"checkpoint_every"`
	ReloadInterval       time.Duration `mapstructure:"reload_interval"`
	StuckNudgeAfter      int           `mapstructure:"stuck_nudge_after"`
	StuckRotateAfter     int           `mapstructure:"stuck_rotate_after"`
	DedupCap             int           `mapstructure:"dedup_cap"`
	DedupShrinkTo        int           `mapstructure:"dedup_shrink_to"`
	RecentCap            int           `mapstructure:"recent_cap"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	LaunchAttempts       int           `mapstructure:"launch_attempts"`
	LaunchBackoff        time.Duration `mapstructure:"launch_backoff"`
}

// ReconnectConfig bounds disconnect recovery.
type ReconnectConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// MemoryConfig holds resource-pressure high-water marks.
type MemoryConfig struct {
	SampleEvery    int `mapstructure:"sample_every"`
	HeapHighMB     int `mapstructure:"heap_high_mb"`
	HeapCriticalMB int `mapstructure:"heap_critical_mb"`
	RSSHighMB      int `mapstructure:"rss_high_mb"`
	RSSCriticalMB  int `mapstructure:"rss_critical_mb"`
	// Browser marks apply to one session's browser process tree.
	BrowserHighMB     int           `mapstructure:"browser_high_mb"`
	BrowserCriticalMB int           `mapstructure:"browser_critical_mb"`
	UptimeCeiling     time.Duration `mapstructure:"uptime_ceiling"`
	CriticalSamples   int           `mapstructure:"critical_samples"`
	RecycleCooldown   time.Duration `mapstructure:"recycle_cooldown"`
}

// PoolConfig governs the pool coordinator's supervision policy.
type PoolConfig struct {
	MaxSize         int           `mapstructure:"max_size"`
	DefaultSize     int           `mapstructure:"default_size"`
	RestartDelay    time.Duration `mapstructure:"restart_delay"`
	MaxRestarts     int           `mapstructure:"max_restarts"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	StallUptime     time.Duration `mapstructure:"stall_uptime"`
	StallMinRecords int64         `mapstructure:"stall_min_records"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

// LifecycleConfig holds the resumability staleness windows.
type LifecycleConfig struct {
	StaleBounded   time.Duration `mapstructure:"stale_bounded"`
	StaleUnbounded time.Duration `mapstructure:"stale_unbounded"`
}

// StoreConfig selects and tunes the durable store.
type StoreConfig struct {
	Driver        string        `mapstructure:"driver"`
	DSN           string        `mapstructure:"dsn"`
	MaxConns      int32         `mapstructure:"max_conns"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	WriteBudget   time.Duration `mapstructure:"write_budget"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	QueueDepth    int           `mapstructure:"queue_depth"`
}

// StateConfig locates local state (checkpoints, spill files, reports).
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if raw := v.GetString("targets_csv"); raw != "" && len(cfg.Targets) == 0 {
		cfg.Targets = ParseTargets(raw)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ParseTargets splits a comma-separated URL list into targets.
func ParseTargets(raw string) []harvest.Target {
	var out []harvest.Target
	for _, part := range strings.Split(raw, ",") {
		if u := strings.TrimSpace(part); u != "" {
			out = append(out, harvest.Target{URL: u})
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.ring_size", 2000)
	v.SetDefault("session.driver", "chromedp")
	v.SetDefault("session.headless", true)
	v.SetDefault("session.nav_timeout", "45s")
	v.SetDefault("session.action_timeout", "15s")
	v.SetDefault("session.scan_selector", "[data-record], article")
	v.SetDefault("worker.cycle_interval", "3s")
	v.SetDefault("worker.scroll_min", 300)
	v.SetDefault("worker.scroll_max", 900)
	v.SetDefault("worker.checkpoint_every", 10)
	v.SetDefault("worker.reload_interval", "5m")
	v.SetDefault("worker.stuck_nudge_after", 3)
	v.SetDefault("worker.stuck_rotate_after", 6)
	v.SetDefault("worker.dedup_cap", 5000)
	v.SetDefault("worker.dedup_shrink_to", 1000)
	v.SetDefault("worker.recent_cap", 10)
	v.SetDefault("worker.max_consecutive_errors", 10)
	v.SetDefault("worker.launch_attempts", 3)
	v.SetDefault("worker.launch_backoff", "2s")
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.initial_backoff", "2s")
	v.SetDefault("reconnect.max_backoff", "60s")
	v.SetDefault("memory.sample_every", 5)
	v.SetDefault("memory.heap_high_mb", 256)
	v.SetDefault("memory.heap_critical_mb", 384)
	v.SetDefault("memory.rss_high_mb", 768)
	v.SetDefault("memory.rss_critical_mb", 1024)
	v.SetDefault("memory.browser_high_mb", 1536)
	v.SetDefault("memory.browser_critical_mb", 2560)
	v.SetDefault("memory.uptime_ceiling", "2h")
	v.SetDefault("memory.critical_samples", 2)
	v.SetDefault("memory.recycle_cooldown", "2m")
	v.SetDefault("pool.max_size", MaxPoolSize)
	v.SetDefault("pool.default_size", 3)
	v.SetDefault("pool.restart_delay", "5s")
	v.SetDefault("pool.max_restarts", 5)
	v.SetDefault("pool.health_interval", "30s")
	v.SetDefault("pool.stall_uptime", "10m")
	v.SetDefault("pool.stall_min_records", 1)
	v.SetDefault("pool.stop_grace", "10s")
	v.SetDefault("pool.event_buffer", 256)
	v.SetDefault("lifecycle.stale_bounded", "15m")
	v.SetDefault("lifecycle.stale_unbounded", "6h")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:harvest.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.retry_interval", "30s")
	v.SetDefault("store.write_budget", "2s")
	v.SetDefault("store.write_timeout", "10s")
	v.SetDefault("store.queue_depth", 64)
	v.SetDefault("state.dir", "state")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MaxSize < 1 || c.Pool.MaxSize > MaxPoolSize {
		return fmt.Errorf("pool.max_size must be within [1,%d]", MaxPoolSize)
	}
	if c.Pool.DefaultSize < 1 || c.Pool.DefaultSize > c.Pool.MaxSize {
		return fmt.Errorf("pool.default_size must be within [1,%d]", c.Pool.MaxSize)
	}
	if c.Worker.CycleInterval <= 0 {
		return fmt.Errorf("worker.cycle_interval must be > 0")
	}
	if c.Worker.ScrollMin <= 0 || c.Worker.ScrollMax < c.Worker.ScrollMin {
		return fmt.Errorf("worker.scroll_min must be > 0 and <= worker.scroll_max")
	}
	if c.Worker.CheckpointEvery <= 0 {
		return fmt.Errorf("worker.checkpoint_every must be > 0")
	}
	if c.Worker.DedupCap <= 0 || c.Worker.DedupShrinkTo <= 0 || c.Worker.DedupShrinkTo > c.Worker.DedupCap {
		return fmt.Errorf("worker.dedup_shrink_to must be within [1, worker.dedup_cap]")
	}
	if c.Worker.StuckRotateAfter <= c.Worker.StuckNudgeAfter {
		return fmt.Errorf("worker.stuck_rotate_after must exceed worker.stuck_nudge_after")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be > 0")
	}
	if c.Memory.SampleEvery <= 0 {
		return fmt.Errorf("memory.sample_every must be > 0")
	}
	if c.Memory.CriticalSamples <= 0 {
		return fmt.Errorf("memory.critical_samples must be > 0")
	}
	if c.Pool.HealthInterval <= 0 {
		return fmt.Errorf("pool.health_interval must be > 0")
	}
	switch c.Session.Driver {
	case "chromedp", "rod":
	default:
		return fmt.Errorf("session.driver must be chromedp or rod")
	}
	switch c.Store.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("store.driver must be postgres, sqlite or memory")
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
	}
	if strings.TrimSpace(c.State.Dir) == "" {
		return fmt.Errorf("state.dir is required")
	}
	return nil
}
