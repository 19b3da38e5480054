// Package config handles configuration loading for the coordination core.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the coordinator. Scoring weights are
// deliberately configuration, not constants: they are illustrative
// heuristics, not correctness requirements.
type Config struct {
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	Breaker     BreakerConfig     `mapstructure:"circuit_breaker"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Bus         BusConfig         `mapstructure:"bus"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Distributor DistributorConfig `mapstructure:"distributor"`
	Planner     PlannerConfig     `mapstructure:"planner"`
	Knowledge   KnowledgeConfig   `mapstructure:"knowledge"`
}

// TimeoutsConfig bounds each operation class. No unbounded waits.
type TimeoutsConfig struct {
	// MessageRoundTrip bounds one request/response exchange with an agent.
	MessageRoundTrip time.Duration `mapstructure:"message_round_trip"`
	// ConsensusPhase bounds each prepare/accept phase.
	ConsensusPhase time.Duration `mapstructure:"consensus_phase"`
	// TaskExecution is the default per-task execution bound, used when
	// a task unit carries no estimate of its own.
	TaskExecution time.Duration `mapstructure:"task_execution"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold is the failures within MonitoringPeriod that open the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// MonitoringPeriod is the rolling failure-counting window.
	MonitoringPeriod time.Duration `mapstructure:"monitoring_period"`
	// Timeout is the open-state cooldown before a half-open trial.
	Timeout time.Duration `mapstructure:"timeout"`
}

// RetryConfig holds retry policy settings.
type RetryConfig struct {
	// MaxAttempts is the total attempts, including the first.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `mapstructure:"base_delay"`
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// BusConfig holds message transport settings.
type BusConfig struct {
	// QueueDepth bounds each recipient's message queue.
	QueueDepth int `mapstructure:"queue_depth"`
}

// RegistryConfig holds heartbeat supervision settings.
type RegistryConfig struct {
	// HeartbeatInterval is how often agents are expected to report in.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// MissedHeartbeatLimit is the consecutive misses before unreachable.
	MissedHeartbeatLimit int `mapstructure:"missed_heartbeat_limit"`
}

// DistributorConfig holds assignment settings.
type DistributorConfig struct {
	// FeasibilityCeiling rejects assignments whose cost exceeds it.
	FeasibilityCeiling float64 `mapstructure:"feasibility_ceiling"`
}

// PlannerConfig holds decomposition and risk settings.
type PlannerConfig struct {
	// RiskThreshold is the per-task risk above which a contingency is generated.
	RiskThreshold float64 `mapstructure:"risk_threshold"`
	// ComplexityWeight weighs the complexity factor in risk scoring.
	ComplexityWeight float64 `mapstructure:"complexity_weight"`
	// ConstraintWeight weighs flagged constraint violations.
	ConstraintWeight float64 `mapstructure:"constraint_weight"`
	// ScarcityWeight weighs the registry resource-scarcity signal.
	ScarcityWeight float64 `mapstructure:"scarcity_weight"`
	// TemplateCatalog optionally points at a YAML phase-template catalog.
	TemplateCatalog string `mapstructure:"template_catalog"`
}

// KnowledgeConfig holds knowledge store settings.
type KnowledgeConfig struct {
	// Path is the SQLite database path. Empty disables persistence.
	Path string `mapstructure:"path"`
}

// Load loads configuration with the usual precedence:
// environment variables, then project config (.qicoord.yaml in the
// current directory or a parent), then user config
// (~/.config/qicoord/config.yaml), then built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("QICOORD")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in defaults without touching the filesystem.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

// setDefaults installs built-in defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("timeouts.message_round_trip", "10s")
	v.SetDefault("timeouts.consensus_phase", "5s")
	v.SetDefault("timeouts.task_execution", "5m")

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.monitoring_period", "60s")
	v.SetDefault("circuit_breaker.timeout", "30s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "10s")

	v.SetDefault("bus.queue_depth", 64)

	v.SetDefault("registry.heartbeat_interval", "10s")
	v.SetDefault("registry.missed_heartbeat_limit", 3)

	v.SetDefault("distributor.feasibility_ceiling", 100.0)

	v.SetDefault("planner.risk_threshold", 0.6)
	v.SetDefault("planner.complexity_weight", 0.5)
	v.SetDefault("planner.constraint_weight", 0.3)
	v.SetDefault("planner.scarcity_weight", 0.2)
	v.SetDefault("planner.template_catalog", "")

	v.SetDefault("knowledge.path", "")
}

// userConfigDir returns the XDG config directory for qicoord.
func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "qicoord")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "qicoord")
}

// findProjectConfig walks from the current directory upward looking for
// a .qicoord.yaml project override.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".qicoord.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
