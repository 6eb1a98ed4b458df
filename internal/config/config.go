package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig sets the defaults applied to tasks that do not specify
// their own retry policy.
type RetryConfig struct {
	// MaxAttempts is the default attempt budget for new tasks. 1-20.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffSeconds is the default fixed delay between attempts. 1-3600.
	BackoffSeconds int `yaml:"backoff_seconds"`
}

// SchedulerConfig controls the cron engine.
type SchedulerConfig struct {
	// IntervalSeconds is the tick interval for due-schedule evaluation.
	IntervalSeconds int `yaml:"interval_seconds"`
}

// MailboxConfig controls session mailbox defaults.
type MailboxConfig struct {
	// DefaultTTLSeconds is applied to envelopes that do not set a TTL.
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
}

// RateLimitConfig throttles API clients per token. Disabled by default.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// ExecutorConfig names the external command that performs task and
// session-run work. The prompt arrives on stdin and stdout becomes the
// result. Empty means no executor is attached and claimed work fails
// with an upstream error.
type ExecutorConfig struct {
	Command string `yaml:"command"`
}

// OtelConfig controls trace and metric export.
type OtelConfig struct {
	// Exporter is one of "none", "stdout", "otlp-http".
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount        int    `yaml:"worker_count"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	BindAddr           string `yaml:"bind_addr"`
	LogLevel           string `yaml:"log_level"`

	// APIToken guards the REST and WS surface. Empty disables auth
	// (local-only deployments). Env override: TASKDECK_API_TOKEN.
	APIToken string `yaml:"api_token"`

	// AllowOrigins controls which Origin headers are accepted for
	// browser WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// MaxQueueDepth is the maximum number of queued tasks before
	// enqueue requests are rejected. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// RetentionTaskEventsDays prunes the task event ledger. 0 = keep forever.
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`

	HeartbeatIntervalMinutes int `yaml:"heartbeat_interval_minutes"`

	Executor  ExecutorConfig  `yaml:"executor"`
	Retry     RetryConfig     `yaml:"retry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Mailbox   MailboxConfig   `yaml:"mailbox"`
	Otel      OtelConfig      `yaml:"otel"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	NeedsGenesis bool `yaml:"-"`
}

// Fingerprint returns a stable hash of the active config, logged at
// startup and on reload so drift between processes is visible.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|bind=%s|log=%s|queue=%d|retry=%d/%d|sched=%d|origins=%v",
		c.WorkerCount, c.TaskTimeoutSeconds, c.BindAddr, c.LogLevel, c.MaxQueueDepth,
		c.Retry.MaxAttempts, c.Retry.BackoffSeconds, c.Scheduler.IntervalSeconds, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		WorkerCount:              4,
		TaskTimeoutSeconds:       int((10 * time.Minute).Seconds()),
		BindAddr:                 "127.0.0.1:18790",
		LogLevel:                 "info",
		MaxQueueDepth:            100,
		DrainTimeoutSeconds:      5,
		RetentionTaskEventsDays:  90,
		HeartbeatIntervalMinutes: 30,
		Retry: RetryConfig{
			MaxAttempts:    3,
			BackoffSeconds: 60,
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds: 30,
		},
		Mailbox: MailboxConfig{
			DefaultTTLSeconds: int((24 * time.Hour).Seconds()),
		},
		Otel: OtelConfig{
			Exporter: "none",
		},
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the taskdeck home directory. TASKDECK_HOME overrides
// the default ~/.taskdeck.
func HomeDir() string {
	if override := os.Getenv("TASKDECK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskdeck")
}

// Load reads config.yaml from the taskdeck home, applies env overrides,
// and validates ranges. A missing file yields defaults with NeedsGenesis set.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskdeck home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKDECK_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("TASKDECK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKDECK_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("TASKDECK_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerCount = n
		}
	}
	if v := os.Getenv("TASKDECK_EXECUTOR_CMD"); v != "" {
		cfg.Executor.Command = v
	}
	if v := os.Getenv("TASKDECK_OTEL_EXPORTER"); v != "" {
		cfg.Otel.Exporter = v
	}
	if v := os.Getenv("TASKDECK_OTEL_ENDPOINT"); v != "" {
		cfg.Otel.Endpoint = v
	}
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.HeartbeatIntervalMinutes <= 0 {
		cfg.HeartbeatIntervalMinutes = 30
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BackoffSeconds <= 0 {
		cfg.Retry.BackoffSeconds = 60
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 30
	}
	if cfg.Mailbox.DefaultTTLSeconds <= 0 {
		cfg.Mailbox.DefaultTTLSeconds = int((24 * time.Hour).Seconds())
	}
	if strings.TrimSpace(cfg.Otel.Exporter) == "" {
		cfg.Otel.Exporter = "none"
	}
}

func validate(cfg Config) error {
	if cfg.Retry.MaxAttempts < 1 || cfg.Retry.MaxAttempts > 20 {
		return fmt.Errorf("retry.max_attempts must be in [1,20], got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BackoffSeconds < 1 || cfg.Retry.BackoffSeconds > 3600 {
		return fmt.Errorf("retry.backoff_seconds must be in [1,3600], got %d", cfg.Retry.BackoffSeconds)
	}
	switch cfg.Otel.Exporter {
	case "none", "stdout", "otlp-http":
	default:
		return fmt.Errorf("otel.exporter must be one of none, stdout, otlp-http; got %q", cfg.Otel.Exporter)
	}
	return nil
}

// Save writes the config back to config.yaml, preserving unknown keys.
func Save(homeDir string, mutate func(raw map[string]interface{})) error {
	path := ConfigPath(homeDir)
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	mutate(raw)
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
