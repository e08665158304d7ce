// Package config provides configuration management for the background task
// plugin. It supports loading configuration from environment variables,
// config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
)

// Config holds all configuration sections for the plugin.
type Config struct {
	Manager       ManagerConfig       `mapstructure:"manager"`
	Limiter       LimiterConfig       `mapstructure:"limiter"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging       logger.Config       `mapstructure:"logging"`
}

// ManagerConfig holds task manager limits and timings.
type ManagerConfig struct {
	// MaxConcurrentStarts caps how many tasks may be dispatched out of the
	// admission queue at once.
	MaxConcurrentStarts int `mapstructure:"maxConcurrentStarts"`

	// MaxCompletedTasks caps how many terminal tasks are retained before
	// the oldest are evicted.
	MaxCompletedTasks int `mapstructure:"maxCompletedTasks"`

	// IdleDebounceMs is the quiet window after a session idle event before
	// the task is considered complete.
	IdleDebounceMs int `mapstructure:"idleDebounceMs"`

	// ResultMaxBytes caps the stored task result; longer results are
	// truncated with a marker suffix.
	ResultMaxBytes int `mapstructure:"resultMaxBytes"`

	// OrphanSweepIntervalSec is how often running tasks are reconciled
	// against the host.
	OrphanSweepIntervalSec int `mapstructure:"orphanSweepIntervalSec"`

	// RunningTimeoutMin is the maximum time a task may stay running before
	// the sweep fails it.
	RunningTimeoutMin int `mapstructure:"runningTimeoutMin"`

	// StatePath is the on-disk JSON document for crash recovery. Relative
	// paths are resolved against the working directory.
	StatePath string `mapstructure:"statePath"`

	// TmuxMirror enables the short pane-attach delay after session creation.
	TmuxMirror bool `mapstructure:"tmuxMirror"`
}

// LimiterConfig holds per-model concurrency limiter settings.
type LimiterConfig struct {
	DefaultLimit      int            `mapstructure:"defaultLimit"`
	AcquireTimeoutSec int            `mapstructure:"acquireTimeoutSec"`
	ModelLimits       map[string]int `mapstructure:"modelLimits"`
}

// NotificationsConfig holds completion notification retry and breaker settings.
type NotificationsConfig struct {
	RetryAttempts     int `mapstructure:"retryAttempts"`
	RetryDelayMs      int `mapstructure:"retryDelayMs"`
	FailureThreshold  int `mapstructure:"failureThreshold"`
	RecoveryTimeoutMs int `mapstructure:"recoveryTimeoutMs"`
	HalfOpenMaxCalls  int `mapstructure:"halfOpenMaxCalls"`
}

// IdleDebounce returns the idle debounce as a time.Duration.
func (m *ManagerConfig) IdleDebounce() time.Duration {
	return time.Duration(m.IdleDebounceMs) * time.Millisecond
}

// OrphanSweepInterval returns the sweep interval as a time.Duration.
func (m *ManagerConfig) OrphanSweepInterval() time.Duration {
	return time.Duration(m.OrphanSweepIntervalSec) * time.Second
}

// RunningTimeout returns the running-state timeout as a time.Duration.
func (m *ManagerConfig) RunningTimeout() time.Duration {
	return time.Duration(m.RunningTimeoutMin) * time.Minute
}

// AcquireTimeout returns the limiter acquire timeout as a time.Duration.
func (l *LimiterConfig) AcquireTimeout() time.Duration {
	return time.Duration(l.AcquireTimeoutSec) * time.Second
}

// RetryDelay returns the base notification retry delay as a time.Duration.
func (n *NotificationsConfig) RetryDelay() time.Duration {
	return time.Duration(n.RetryDelayMs) * time.Millisecond
}

// RecoveryTimeout returns the breaker recovery timeout as a time.Duration.
func (n *NotificationsConfig) RecoveryTimeout() time.Duration {
	return time.Duration(n.RecoveryTimeoutMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Manager defaults
	v.SetDefault("manager.maxConcurrentStarts", 10)
	v.SetDefault("manager.maxCompletedTasks", 100)
	v.SetDefault("manager.idleDebounceMs", 500)
	v.SetDefault("manager.resultMaxBytes", 102400) // 100 KiB
	v.SetDefault("manager.orphanSweepIntervalSec", 60)
	v.SetDefault("manager.runningTimeoutMin", 30)
	v.SetDefault("manager.statePath", ".opencode/background-tasks.json")
	v.SetDefault("manager.tmuxMirror", false)

	// Limiter defaults; known provider caps
	v.SetDefault("limiter.defaultLimit", 3)
	v.SetDefault("limiter.acquireTimeoutSec", 300)
	v.SetDefault("limiter.modelLimits", map[string]int{
		"anthropic/*": 3,
		"openai/*":    5,
		"google/*":    10,
	})

	// Notification defaults
	v.SetDefault("notifications.retryAttempts", 3)
	v.SetDefault("notifications.retryDelayMs", 1000)
	v.SetDefault("notifications.failureThreshold", 5)
	v.SetDefault("notifications.recoveryTimeoutMs", 30000)
	v.SetDefault("notifications.halfOpenMaxCalls", 3)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix BGTASKS_ with underscore
// naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BGTASKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("bgtasks")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(".opencode")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration with all defaults applied and no file
// or environment lookups.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Manager.MaxConcurrentStarts <= 0 {
		errs = append(errs, "manager.maxConcurrentStarts must be positive")
	}
	if cfg.Manager.MaxCompletedTasks < 0 {
		errs = append(errs, "manager.maxCompletedTasks must not be negative")
	}
	if cfg.Manager.IdleDebounceMs <= 0 {
		errs = append(errs, "manager.idleDebounceMs must be positive")
	}
	if cfg.Manager.ResultMaxBytes <= 0 {
		errs = append(errs, "manager.resultMaxBytes must be positive")
	}
	if cfg.Manager.StatePath == "" {
		errs = append(errs, "manager.statePath is required")
	}
	if cfg.Limiter.DefaultLimit <= 0 {
		errs = append(errs, "limiter.defaultLimit must be positive")
	}
	for pattern, limit := range cfg.Limiter.ModelLimits {
		if limit <= 0 {
			errs = append(errs, fmt.Sprintf("limiter.modelLimits[%s] must be positive", pattern))
		}
	}
	if cfg.Notifications.RetryAttempts < 0 {
		errs = append(errs, "notifications.retryAttempts must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
