package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Timeouts.ConsensusPhase != 5*time.Second {
		t.Errorf("default consensus phase = %s, want 5s", cfg.Timeouts.ConsensusPhase)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("default failure threshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Registry.MissedHeartbeatLimit != 3 {
		t.Errorf("default missed heartbeat limit = %d, want 3", cfg.Registry.MissedHeartbeatLimit)
	}
	if cfg.Planner.RiskThreshold != 0.6 {
		t.Errorf("default risk threshold = %v, want 0.6", cfg.Planner.RiskThreshold)
	}
	if cfg.Bus.QueueDepth != 64 {
		t.Errorf("default queue depth = %d, want 64", cfg.Bus.QueueDepth)
	}
}

func TestLoadFromPath_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
timeouts:
  consensus_phase: 2s
circuit_breaker:
  failure_threshold: 10
planner:
  risk_threshold: 0.8
  complexity_weight: 0.7
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Timeouts.ConsensusPhase != 2*time.Second {
		t.Errorf("consensus phase = %s, want 2s", cfg.Timeouts.ConsensusPhase)
	}
	if cfg.Breaker.FailureThreshold != 10 {
		t.Errorf("failure threshold = %d, want 10", cfg.Breaker.FailureThreshold)
	}
	if cfg.Planner.RiskThreshold != 0.8 {
		t.Errorf("risk threshold = %v, want 0.8", cfg.Planner.RiskThreshold)
	}
	if cfg.Planner.ComplexityWeight != 0.7 {
		t.Errorf("complexity weight = %v, want 0.7", cfg.Planner.ComplexityWeight)
	}

	// Unspecified keys keep their defaults.
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("retry max attempts = %d, want default 3", cfg.Retry.MaxAttempts)
	}
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadFromPath with missing file should fail")
	}
}
