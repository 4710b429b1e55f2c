// Package config loads Hensu's runtime configuration via
// github.com/spf13/viper: scheduler shape, the rubric auto-backtrack
// ladder, plan defaults, and lease timing, per spec.md §6.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of knobs the core recognizes.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Plan      PlanConfig      `mapstructure:"plan"`
	Rubric    RubricConfig    `mapstructure:"rubric"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Hooks     HooksConfig     `mapstructure:"hooks"`
}

// TelemetryConfig selects the observability backend the environment wires
// into the executor and lease manager.
type TelemetryConfig struct {
	// LogBackend is "noop" or "clue" (goa.design/clue/log).
	LogBackend string `mapstructure:"log_backend"`
	// MetricsBackend is "noop", "otel", or "prometheus".
	MetricsBackend string `mapstructure:"metrics_backend"`
}

// HooksConfig controls the event bus an Environment constructs when the
// caller does not supply its own via Collaborators.Bus.
type HooksConfig struct {
	// Backend is "local" (in-process only, the default) or "redis", which
	// additionally fans events out to RedisAddr/RedisChannel for
	// cross-instance dashboards.
	Backend      string `mapstructure:"backend"`
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisChannel string `mapstructure:"redis_channel"`
}

// SchedulerConfig selects the task pool shape node-level fan-out
// (Parallel/Fork) runs on.
type SchedulerConfig struct {
	UseVirtualThreads bool `mapstructure:"use_virtual_threads"`
	ThreadPoolSize    int  `mapstructure:"thread_pool_size"`
}

// AgentsConfig controls agent provider resolution.
type AgentsConfig struct {
	StubEnabled bool `mapstructure:"stub_enabled"`
}

// ExecutionConfig controls the per-execution orchestrator loop.
type ExecutionConfig struct {
	MaxSteps int `mapstructure:"max_execution_steps"`
}

// PlanConfig supplies the plan sub-state-machine's defaults; a Standard
// node's own PlanningConfig overrides these per-node.
type PlanConfig struct {
	DefaultMaxSteps   int           `mapstructure:"default_max_steps"`
	DefaultMaxReplans int           `mapstructure:"default_max_replans"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
}

// RubricConfig overrides the auto-backtrack ladder thresholds and the
// minor-retry ceiling. Keys left unset keep the values from Defaults
// (30/60/80, 3 retries); values that are set, zero included, reach the
// pipeline unchanged.
type RubricConfig struct {
	CriticalThreshold int `mapstructure:"critical_threshold"`
	ModerateThreshold int `mapstructure:"moderate_threshold"`
	MinorThreshold    int `mapstructure:"minor_threshold"`
	MaxRetries        int `mapstructure:"max_retries"`
}

// LeaseConfig controls heartbeat and recovery-sweep timing.
type LeaseConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	LeaseStaleThreshold time.Duration `mapstructure:"lease_stale_threshold"`
	HeartbeatJitter    time.Duration `mapstructure:"heartbeat_jitter"`
}

// StorageConfig points at the sqlite database backing persistence.
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
	TenantID   string `mapstructure:"tenant_id"`
}

// Defaults mirrors the spec-mandated defaults wherever a knob is absent
// from the loaded file.
func Defaults() Config {
	return Config{
		Scheduler: SchedulerConfig{UseVirtualThreads: true},
		Execution: ExecutionConfig{MaxSteps: 10000},
		Plan: PlanConfig{
			DefaultMaxSteps:   20,
			DefaultMaxReplans: 2,
			DefaultTimeout:    2 * time.Minute,
		},
		Rubric: RubricConfig{
			CriticalThreshold: 30,
			ModerateThreshold: 60,
			MinorThreshold:    80,
			MaxRetries:        3,
		},
		Lease: LeaseConfig{
			HeartbeatInterval:   30 * time.Second,
			LeaseStaleThreshold: 90 * time.Second,
			HeartbeatJitter:     5 * time.Second,
		},
		Storage: StorageConfig{SQLitePath: "hensu.db", TenantID: "default"},
		Telemetry: TelemetryConfig{
			LogBackend:     "noop",
			MetricsBackend: "noop",
		},
		Hooks: HooksConfig{Backend: "local", RedisChannel: "hensu.events"},
	}
}

// Load reads configPath (any format viper supports: yaml, json, toml) and
// env overrides (HENSU_SCHEDULER_THREAD_POOL_SIZE etc., via
// SetEnvKeyReplacer), merging onto Defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("hensu")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Defaults()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %q: %w", configPath, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %q: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the core cannot safely run with.
func (c *Config) Validate() error {
	if !c.Scheduler.UseVirtualThreads && c.Scheduler.ThreadPoolSize <= 0 {
		return fmt.Errorf("config: thread_pool_size must be > 0 when use_virtual_threads is false")
	}
	if c.Execution.MaxSteps <= 0 {
		return fmt.Errorf("config: max_execution_steps must be > 0")
	}
	if c.Rubric.CriticalThreshold < 0 || c.Rubric.CriticalThreshold > c.Rubric.ModerateThreshold {
		return fmt.Errorf("config: rubric.critical_threshold must be between 0 and moderate_threshold")
	}
	if c.Rubric.ModerateThreshold > c.Rubric.MinorThreshold {
		return fmt.Errorf("config: rubric.moderate_threshold must be <= minor_threshold")
	}
	if c.Rubric.MinorThreshold > 100 {
		return fmt.Errorf("config: rubric.minor_threshold must be <= 100")
	}
	if c.Lease.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: lease.heartbeat_interval must be > 0")
	}
	if c.Lease.LeaseStaleThreshold <= c.Lease.HeartbeatInterval {
		return fmt.Errorf("config: lease.lease_stale_threshold must exceed heartbeat_interval")
	}
	if c.Storage.TenantID == "" {
		return fmt.Errorf("config: storage.tenant_id is required")
	}
	switch c.Telemetry.LogBackend {
	case "", "noop", "clue":
	default:
		return fmt.Errorf("config: telemetry.log_backend must be one of noop, clue")
	}
	switch c.Telemetry.MetricsBackend {
	case "", "noop", "otel", "prometheus":
	default:
		return fmt.Errorf("config: telemetry.metrics_backend must be one of noop, otel, prometheus")
	}
	switch c.Hooks.Backend {
	case "", "local":
	case "redis":
		if c.Hooks.RedisAddr == "" {
			return fmt.Errorf("config: hooks.redis_addr is required when hooks.backend is redis")
		}
	default:
		return fmt.Errorf("config: hooks.backend must be one of local, redis")
	}
	return nil
}
