// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Driver    DriverConfig    `mapstructure:"driver" yaml:"driver"`
	Explore   ExploreConfig   `mapstructure:"explore" yaml:"explore"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge" yaml:"knowledge"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the console color for each log level.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// LLMConfig defines the inference endpoint used by the decision oracle.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// RequestsPerMinute rate limits calls across all sessions sharing a client.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	// BackoffBudget bounds the total retry time for transient endpoint
	// failures before they become session-fatal.
	BackoffBudget time.Duration `mapstructure:"backoff_budget" yaml:"backoff_budget"`
}

// DeviceConfig describes one attached device/emulator and its driver server.
type DeviceConfig struct {
	Serial    string `mapstructure:"serial" yaml:"serial"`
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`
	// LogcatFile, when set, is tailed for fatal-exception lines so crashes
	// are detected even when the driver call itself succeeds.
	LogcatFile string `mapstructure:"logcat_file" yaml:"logcat_file"`
}

// DriverConfig tunes the automation driver boundary.
type DriverConfig struct {
	Devices        []DeviceConfig `mapstructure:"devices" yaml:"devices"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout" yaml:"request_timeout"`
	// TimeoutRetries bounds how often a driver-timeout is retried before the
	// step is recorded as failed.
	TimeoutRetries int `mapstructure:"timeout_retries" yaml:"timeout_retries"`
	// RestartSettle is how long to wait after an app restart before the next
	// observation.
	RestartSettle time.Duration `mapstructure:"restart_settle" yaml:"restart_settle"`
}

// ExploreConfig carries the per-session exploration tuning values. The caps
// are product-tuning inputs, so they all live here rather than as constants.
type ExploreConfig struct {
	// StepBudget is the default cap on loop iterations when a job does not
	// set its own.
	StepBudget int `mapstructure:"step_budget" yaml:"step_budget"`
	// CaptureRetries bounds consecutive snapshot failures before the session
	// fails with a capture reason.
	CaptureRetries int `mapstructure:"capture_retries" yaml:"capture_retries"`
	// OracleRetries bounds correction-prompt retries after a malformed or
	// invalid oracle reply before the fallback policy takes over the step.
	OracleRetries int `mapstructure:"oracle_retries" yaml:"oracle_retries"`
	// HistorySteps is how many recent edges are summarized into the prompt.
	HistorySteps int `mapstructure:"history_steps" yaml:"history_steps"`
	// DeadEndRetries is how many times an already-tried action may be
	// repeated from a node before the node counts as exhausted.
	DeadEndRetries int `mapstructure:"dead_end_retries" yaml:"dead_end_retries"`
	// StepPause is the settle time between loop iterations.
	StepPause time.Duration `mapstructure:"step_pause" yaml:"step_pause"`
	// ForegroundWhitelist lists packages tolerated in the foreground besides
	// the target app (system dialogs, camera, file pickers).
	ForegroundWhitelist []string `mapstructure:"foreground_whitelist" yaml:"foreground_whitelist"`
}

// PostgresConfig holds the connection details for a PostgreSQL database.
type PostgresConfig struct {
	URL string `mapstructure:"url" yaml:"-"`
}

// KnowledgeConfig selects and tunes the knowledge store backend.
type KnowledgeConfig struct {
	// Backend is "file" or "postgres".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the file backend's location; "~" expands to the home directory.
	Path     string         `mapstructure:"path" yaml:"path"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// SchedulerConfig tunes the device pool.
type SchedulerConfig struct {
	// WallClockCeiling bounds the whole run; in-flight sessions are asked to
	// stop gracefully when it is hit.
	WallClockCeiling time.Duration `mapstructure:"wall_clock_ceiling" yaml:"wall_clock_ceiling"`
	// CheckpointInterval is how often merged knowledge is flushed mid-run.
	// Zero disables checkpointing; the store is always flushed at pool end.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
}

// SetDefaults initializes default values for all configuration parameters.
// The retry caps and backoff budgets are tuning values, not structural; these
// defaults were chosen empirically against emulator runs.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "droidprowl")
	v.SetDefault("logger.log_file", "droidprowl.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- LLM --
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "45s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.requests_per_minute", 30.0)
	v.SetDefault("llm.backoff_budget", "2m")

	// -- Driver --
	v.SetDefault("driver.request_timeout", "30s")
	v.SetDefault("driver.timeout_retries", 2)
	v.SetDefault("driver.restart_settle", "3s")

	// -- Explore --
	v.SetDefault("explore.step_budget", 30)
	v.SetDefault("explore.capture_retries", 3)
	v.SetDefault("explore.oracle_retries", 3)
	v.SetDefault("explore.history_steps", 10)
	v.SetDefault("explore.dead_end_retries", 2)
	v.SetDefault("explore.step_pause", "3s")
	v.SetDefault("explore.foreground_whitelist", []string{
		"com.android.camera2",
		"com.android.documentsui",
		"com.android.permissioncontroller",
	})

	// -- Knowledge --
	v.SetDefault("knowledge.backend", "file")
	v.SetDefault("knowledge.path", "~/.droidprowl/knowledge.json.br")

	// -- Scheduler --
	v.SetDefault("scheduler.wall_clock_ceiling", "1h")
	v.SetDefault("scheduler.checkpoint_interval", "5m")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with the defaults above, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper builds and validates a configuration from a viper
// instance that has already read the config file, env, and flags.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Sensitive values come from the environment, never the config file.
	v.BindEnv("llm.api_key", "DROIDPROWL_LLM_API_KEY")
	v.BindEnv("knowledge.postgres.url", "DROIDPROWL_KNOWLEDGE_PG_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Explore.StepBudget <= 0 {
		return fmt.Errorf("explore.step_budget must be a positive integer")
	}
	if c.Explore.CaptureRetries < 0 || c.Explore.OracleRetries < 0 {
		return fmt.Errorf("explore retry caps must not be negative")
	}
	if c.Driver.TimeoutRetries < 0 {
		return fmt.Errorf("driver.timeout_retries must not be negative")
	}
	switch c.Knowledge.Backend {
	case "file":
		if c.Knowledge.Path == "" {
			return fmt.Errorf("knowledge.path is required for the file backend")
		}
	case "postgres":
		if c.Knowledge.Postgres.URL == "" {
			return fmt.Errorf("knowledge.postgres.url is required for the postgres backend (DROIDPROWL_KNOWLEDGE_PG_URL)")
		}
	default:
		return fmt.Errorf("knowledge.backend must be 'file' or 'postgres', got %q", c.Knowledge.Backend)
	}
	if c.Scheduler.WallClockCeiling <= 0 {
		return fmt.Errorf("scheduler.wall_clock_ceiling must be a positive duration")
	}
	return nil
}
