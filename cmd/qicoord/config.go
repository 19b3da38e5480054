package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show effective configuration",
	Long: `Display the effective qicoord configuration.

Without arguments, displays all configuration values.
With one argument (key), displays the value for that key.

Configuration is read from ~/.config/qicoord/config.yaml, with
project-specific overrides in .qicoord.yaml and QICOORD_* environment
variables taking precedence. Edit those files to change values.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		if len(args) == 0 {
			displayAllConfig(cfg)
			return
		}
		displayConfigKey(cfg, args[0])
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	catalog := cfg.Planner.TemplateCatalog
	if catalog == "" {
		catalog = "(built-in)"
	}
	knowledgePath := cfg.Knowledge.Path
	if knowledgePath == "" {
		knowledgePath = "(disabled)"
	}

	fmt.Printf("timeouts.message_round_trip: %s\n", cfg.Timeouts.MessageRoundTrip)
	fmt.Printf("timeouts.consensus_phase: %s\n", cfg.Timeouts.ConsensusPhase)
	fmt.Printf("timeouts.task_execution: %s\n", cfg.Timeouts.TaskExecution)
	fmt.Printf("circuit_breaker.failure_threshold: %d\n", cfg.Breaker.FailureThreshold)
	fmt.Printf("circuit_breaker.monitoring_period: %s\n", cfg.Breaker.MonitoringPeriod)
	fmt.Printf("circuit_breaker.timeout: %s\n", cfg.Breaker.Timeout)
	fmt.Printf("retry.max_attempts: %d\n", cfg.Retry.MaxAttempts)
	fmt.Printf("retry.base_delay: %s\n", cfg.Retry.BaseDelay)
	fmt.Printf("retry.max_delay: %s\n", cfg.Retry.MaxDelay)
	fmt.Printf("bus.queue_depth: %d\n", cfg.Bus.QueueDepth)
	fmt.Printf("registry.heartbeat_interval: %s\n", cfg.Registry.HeartbeatInterval)
	fmt.Printf("registry.missed_heartbeat_limit: %d\n", cfg.Registry.MissedHeartbeatLimit)
	fmt.Printf("distributor.feasibility_ceiling: %g\n", cfg.Distributor.FeasibilityCeiling)
	fmt.Printf("planner.risk_threshold: %g\n", cfg.Planner.RiskThreshold)
	fmt.Printf("planner.complexity_weight: %g\n", cfg.Planner.ComplexityWeight)
	fmt.Printf("planner.constraint_weight: %g\n", cfg.Planner.ConstraintWeight)
	fmt.Printf("planner.scarcity_weight: %g\n", cfg.Planner.ScarcityWeight)
	fmt.Printf("planner.template_catalog: %s\n", catalog)
	fmt.Printf("knowledge.path: %s\n", knowledgePath)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "timeouts.message_round_trip":
		return cfg.Timeouts.MessageRoundTrip.String(), nil
	case "timeouts.consensus_phase":
		return cfg.Timeouts.ConsensusPhase.String(), nil
	case "timeouts.task_execution":
		return cfg.Timeouts.TaskExecution.String(), nil
	case "circuit_breaker.failure_threshold":
		return strconv.Itoa(cfg.Breaker.FailureThreshold), nil
	case "circuit_breaker.monitoring_period":
		return cfg.Breaker.MonitoringPeriod.String(), nil
	case "circuit_breaker.timeout":
		return cfg.Breaker.Timeout.String(), nil
	case "retry.max_attempts":
		return strconv.Itoa(cfg.Retry.MaxAttempts), nil
	case "retry.base_delay":
		return cfg.Retry.BaseDelay.String(), nil
	case "retry.max_delay":
		return cfg.Retry.MaxDelay.String(), nil
	case "bus.queue_depth":
		return strconv.Itoa(cfg.Bus.QueueDepth), nil
	case "registry.heartbeat_interval":
		return cfg.Registry.HeartbeatInterval.String(), nil
	case "registry.missed_heartbeat_limit":
		return strconv.Itoa(cfg.Registry.MissedHeartbeatLimit), nil
	case "distributor.feasibility_ceiling":
		return strconv.FormatFloat(cfg.Distributor.FeasibilityCeiling, 'g', -1, 64), nil
	case "planner.risk_threshold":
		return strconv.FormatFloat(cfg.Planner.RiskThreshold, 'g', -1, 64), nil
	case "planner.complexity_weight":
		return strconv.FormatFloat(cfg.Planner.ComplexityWeight, 'g', -1, 64), nil
	case "planner.constraint_weight":
		return strconv.FormatFloat(cfg.Planner.ConstraintWeight, 'g', -1, 64), nil
	case "planner.scarcity_weight":
		return strconv.FormatFloat(cfg.Planner.ScarcityWeight, 'g', -1, 64), nil
	case "planner.template_catalog":
		if cfg.Planner.TemplateCatalog == "" {
			return "(built-in)", nil
		}
		return cfg.Planner.TemplateCatalog, nil
	case "knowledge.path":
		if cfg.Knowledge.Path == "" {
			return "(disabled)", nil
		}
		return cfg.Knowledge.Path, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}
