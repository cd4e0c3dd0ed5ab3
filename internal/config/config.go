package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulingConfig controls admission and engine locking.
type SchedulingConfig struct {
	MaxConcurrentRuns   int   `yaml:"max_concurrent_runs"`
	AutoResume          *bool `yaml:"auto_resume"` // pointer to distinguish unset (default true) from false
	RequireEngineLock   *bool `yaml:"require_engine_lock"`
	EngineLockTimeoutMs int   `yaml:"engine_lock_timeout_ms"`
	MaxLockAgeMs        int   `yaml:"max_lock_age_ms"`
	SlotStaleMs         int   `yaml:"slot_stale_ms"`
}

// QueueConfig controls per-session queue behavior.
type QueueConfig struct {
	Mode string `yaml:"mode"` // default queue mode for inbound messages
	Cap  int    `yaml:"cap"`  // 0 = unlimited
	Drop string `yaml:"drop"` // oldest or newest
}

// CoalescingConfig controls stream coalescer thresholds.
type CoalescingConfig struct {
	MinChars     int `yaml:"min_chars"`
	IdleMs       int `yaml:"idle_ms"`
	MaxLatencyMs int `yaml:"max_latency_ms"`
}

// LifecycleConfig controls run lifecycle timers.
type LifecycleConfig struct {
	FollowupDebounceMs    int `yaml:"followup_debounce_ms"`
	IdleWatchdogMs        int `yaml:"idle_watchdog_ms"`
	IdleWatchdogConfirmMs int `yaml:"idle_watchdog_confirm_ms"`
	EngineDeathGraceMs    int `yaml:"engine_death_grace_ms"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig holds per-channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// AgentProfile defines a named agent's defaults.
type AgentProfile struct {
	AgentID       string `yaml:"agent_id"`
	DefaultEngine string `yaml:"default_engine"`
	DefaultModel  string `yaml:"default_model"`
	PolicyFile    string `yaml:"policy_file"`
	Cwd           string `yaml:"cwd"`
}

// ObservabilityConfig controls otel exporter setup.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty = localhost:4318 (OTLP over HTTP)
}

// RetentionConfig bounds durable history growth.
type RetentionConfig struct {
	RunHistoryDays int `yaml:"run_history_days"` // 0 = keep forever
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	DefaultEngine string `yaml:"default_engine"`
	DefaultModel  string `yaml:"default_model"`

	Scheduling SchedulingConfig    `yaml:"scheduling"`
	Queue      QueueConfig         `yaml:"queue"`
	Coalescing CoalescingConfig    `yaml:"coalescing"`
	Lifecycle  LifecycleConfig     `yaml:"lifecycle"`
	Channels   ChannelsConfig      `yaml:"channels"`
	Agents     []AgentProfile      `yaml:"agents"`
	Otel       ObservabilityConfig `yaml:"otel"`
	Retention  RetentionConfig     `yaml:"retention"`

	DBPath string `yaml:"db_path"`
}

// AutoResume reports the effective auto-resume setting (default true).
func (c Config) AutoResume() bool {
	return c.Scheduling.AutoResume == nil || *c.Scheduling.AutoResume
}

// RequireEngineLock reports the effective engine-lock setting (default true).
func (c Config) RequireEngineLock() bool {
	return c.Scheduling.RequireEngineLock == nil || *c.Scheduling.RequireEngineLock
}

// EngineLockTimeout returns the lock acquisition timeout.
func (c Config) EngineLockTimeout() time.Duration {
	return time.Duration(c.Scheduling.EngineLockTimeoutMs) * time.Millisecond
}

// MaxLockAge returns the stale-reap horizon.
func (c Config) MaxLockAge() time.Duration {
	return time.Duration(c.Scheduling.MaxLockAgeMs) * time.Millisecond
}

// SlotStale returns how long a queued slot request may wait before GC.
func (c Config) SlotStale() time.Duration {
	return time.Duration(c.Scheduling.SlotStaleMs) * time.Millisecond
}

// Profile returns the agent profile for id, falling back to "default".
func (c Config) Profile(agentID string) AgentProfile {
	var fallback AgentProfile
	for _, p := range c.Agents {
		if p.AgentID == agentID {
			return p
		}
		if p.AgentID == "default" {
			fallback = p
		}
	}
	if fallback.AgentID == "" {
		fallback = AgentProfile{AgentID: "default"}
	}
	return fallback
}

// Fingerprint returns a stable hash of the scheduling-relevant config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "max=%d|resume=%v|lock=%v|lock_timeout=%d|queue=%s/%d/%s|coalesce=%d/%d/%d|engine=%s",
		c.Scheduling.MaxConcurrentRuns, c.AutoResume(), c.RequireEngineLock(),
		c.Scheduling.EngineLockTimeoutMs,
		c.Queue.Mode, c.Queue.Cap, c.Queue.Drop,
		c.Coalescing.MinChars, c.Coalescing.IdleMs, c.Coalescing.MaxLatencyMs,
		c.DefaultEngine)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:      "127.0.0.1:18990",
		LogLevel:      "info",
		DefaultEngine: "lemon",
		Scheduling: SchedulingConfig{
			MaxConcurrentRuns:   2,
			EngineLockTimeoutMs: 60_000,
			MaxLockAgeMs:        120_000,
			SlotStaleMs:         30_000,
		},
		Queue: QueueConfig{
			Mode: "collect",
			Drop: "oldest",
		},
		Coalescing: CoalescingConfig{
			MinChars:     48,
			IdleMs:       400,
			MaxLatencyMs: 1200,
		},
		Lifecycle: LifecycleConfig{
			FollowupDebounceMs:    500,
			IdleWatchdogMs:        7_200_000,
			IdleWatchdogConfirmMs: 300_000,
			EngineDeathGraceMs:    200,
		},
		Retention: RetentionConfig{
			RunHistoryDays: 90,
		},
	}
}

// HomeDir resolves the configuration directory.
func HomeDir() string {
	if override := os.Getenv("LEMONGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lemongate")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads the effective configuration: defaults, then config.yaml, then
// env overrides, then normalization.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads configuration rooted at homeDir.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create lemongate home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Scheduling.MaxConcurrentRuns <= 0 {
		cfg.Scheduling.MaxConcurrentRuns = 2
	}
	if cfg.Scheduling.EngineLockTimeoutMs <= 0 {
		cfg.Scheduling.EngineLockTimeoutMs = 60_000
	}
	if cfg.Scheduling.MaxLockAgeMs <= 0 {
		cfg.Scheduling.MaxLockAgeMs = 120_000
	}
	if cfg.Scheduling.SlotStaleMs <= 0 {
		cfg.Scheduling.SlotStaleMs = 30_000
	}
	if cfg.Queue.Mode == "" {
		cfg.Queue.Mode = "collect"
	}
	if cfg.Queue.Drop != "newest" {
		cfg.Queue.Drop = "oldest"
	}
	if cfg.Coalescing.MinChars <= 0 {
		cfg.Coalescing.MinChars = 48
	}
	if cfg.Coalescing.IdleMs <= 0 {
		cfg.Coalescing.IdleMs = 400
	}
	if cfg.Coalescing.MaxLatencyMs <= 0 {
		cfg.Coalescing.MaxLatencyMs = 1200
	}
	if cfg.Lifecycle.FollowupDebounceMs <= 0 {
		cfg.Lifecycle.FollowupDebounceMs = 500
	}
	if cfg.Lifecycle.IdleWatchdogMs <= 0 {
		cfg.Lifecycle.IdleWatchdogMs = 7_200_000
	}
	if cfg.Lifecycle.IdleWatchdogConfirmMs <= 0 {
		cfg.Lifecycle.IdleWatchdogConfirmMs = 300_000
	}
	if cfg.Lifecycle.EngineDeathGraceMs <= 0 {
		cfg.Lifecycle.EngineDeathGraceMs = 200
	}
	if cfg.DefaultEngine == "" {
		cfg.DefaultEngine = "lemon"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "lemongate.db")
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LEMONGATE_MAX_CONCURRENT_RUNS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduling.MaxConcurrentRuns = v
		}
	}
	if raw := os.Getenv("LEMONGATE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("LEMONGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LEMONGATE_DEFAULT_ENGINE"); raw != "" {
		cfg.DefaultEngine = raw
	}
	if raw := os.Getenv("LEMONGATE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("LEMONGATE_AUTO_RESUME"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Scheduling.AutoResume = &v
		}
	}
	if raw := os.Getenv("LEMONGATE_REQUIRE_ENGINE_LOCK"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Scheduling.RequireEngineLock = &v
		}
	}
}
