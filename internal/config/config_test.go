package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
  ring_size: 50
targets:
  - url: https://example.com/a
  - url: https://example.com/b
session:
  driver: rod
  nav_timeout: 20s
worker:
  cycle_interval: 500ms
  checkpoint_every: 4
  dedup_cap: 200
  dedup_shrink_to: 50
reconnect:
  max_attempts: 7
  max_backoff: 30s
pool:
  max_size: 6
  default_size: 2
  stall_uptime: 3m
lifecycle:
  stale_bounded: 5m
  stale_unbounded: 2h
store:
  driver: memory
state:
  dir: /tmp/harvest
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if len(cfg.Targets) != 2 || cfg.Targets[1].URL != "https://example.com/b" {
		t.Fatalf("expected two targets, got %+v", cfg.Targets)
	}
	if cfg.Session.Driver != "rod" || cfg.Session.NavTimeout != 20*time.Second {
		t.Fatalf("expected session overrides to apply: %+v", cfg.Session)
	}
	if cfg.Worker.CycleInterval != 500*time.Millisecond || cfg.Worker.CheckpointEvery != 4 {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Worker.RecentCap != 10 {
		t.Fatalf("expected default recent cap 10, got %d", cfg.Worker.RecentCap)
	}
	if cfg.Reconnect.MaxAttempts != 7 || cfg.Reconnect.MaxBackoff != 30*time.Second {
		t.Fatalf("expected reconnect overrides to apply: %+v", cfg.Reconnect)
	}
	if cfg.Pool.MaxSize != 6 || cfg.Pool.StallUptime != 3*time.Minute {
		t.Fatalf("expected pool overrides to apply: %+v", cfg.Pool)
	}
	if cfg.Lifecycle.StaleUnbounded != 2*time.Hour || cfg.Lifecycle.StaleBounded != 5*time.Minute {
		t.Fatalf("expected lifecycle windows to apply: %+v", cfg.Lifecycle)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.MaxSize != MaxPoolSize {
		t.Fatalf("expected pool max %d, got %d", MaxPoolSize, cfg.Pool.MaxSize)
	}
	if cfg.Worker.LaunchAttempts != 3 {
		t.Fatalf("expected 3 launch attempts, got %d", cfg.Worker.LaunchAttempts)
	}
	if cfg.Pool.MaxRestarts != 5 {
		t.Fatalf("expected 5 max restarts, got %d", cfg.Pool.MaxRestarts)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("expected sqlite store by default, got %q", cfg.Store.Driver)
	}
}

func TestParseTargets(t *testing.T) {
	t.Parallel()

	got := ParseTargets(" https://a.example , ,https://b.example")
	if len(got) != 2 || got[0].URL != "https://a.example" || got[1].URL != "https://b.example" {
		t.Fatalf("unexpected targets: %+v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "pool above bound",
			cfg: func() Config {
				c := base
				c.Pool.MaxSize = 11
				return c
			}(),
			want: "pool.max_size",
		},
		{
			name: "shrink above cap",
			cfg: func() Config {
				c := base
				c.Worker.DedupShrinkTo = c.Worker.DedupCap + 1
				return c
			}(),
			want: "worker.dedup_shrink_to",
		},
		{
			name: "rotate before nudge",
			cfg: func() Config {
				c := base
				c.Worker.StuckRotateAfter = c.Worker.StuckNudgeAfter
				return c
			}(),
			want: "worker.stuck_rotate_after",
		},
		{
			name: "no critical confirmation",
			cfg: func() Config {
				c := base
				c.Memory.CriticalSamples = 0
				return c
			}(),
			want: "memory.critical_samples",
		},
		{
			name: "unknown driver",
			cfg: func() Config {
				c := base
				c.Session.Driver = "selenium"
				return c
			}(),
			want: "session.driver",
		},
		{
			name: "postgres without dsn",
			cfg: func() Config {
				c := base
				c.Store.Driver = "postgres"
				c.Store.DSN = ""
				return c
			}(),
			want: "store.dsn",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
