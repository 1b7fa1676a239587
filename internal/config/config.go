// Package config defines the orchestration configuration for evolved.
// The Config struct is supplied once at construction and is immutable for the
// orchestrator's lifetime; changing it means building a new orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Orchestration modes.
const (
	ModeAdaptive = "adaptive" // serial, health-prioritized action scheduling
	ModeParallel = "parallel" // bounded-concurrent action scheduling
)

// Failure handling policies.
const (
	FailureContinue = "continue" // isolate failing components, keep going
	FailureAbort    = "abort"    // first failure aborts startup / errors the component
)

// Component kinds shipped with evolved.
const (
	KindPatternMining         = "pattern-mining"
	KindReinforcementLearning = "reinforcement-learning"
)

// ResourceLimits bounds concurrent work and sets advisory resource ceilings.
// Zero means unlimited for the advisory ceilings.
type ResourceLimits struct {
	MaxConcurrentTasks int     `yaml:"max_concurrent_tasks"` // hard cap on in-flight tasks
	MaxMemoryBytes     uint64  `yaml:"max_memory_bytes"`     // advisory process RSS ceiling
	MaxCPUPercent      float64 `yaml:"max_cpu_percent"`      // advisory process CPU ceiling
	MaxDiskBytes       uint64  `yaml:"max_disk_bytes"`       // advisory workspace disk ceiling
}

// Config holds the full orchestration configuration.
type Config struct {
	// EnabledComponents lists component kinds to instantiate at startup.
	EnabledComponents []string `yaml:"enabled_components"`

	// Mode selects the scheduling discipline: adaptive or parallel.
	Mode string `yaml:"orchestration_mode"`

	// ImprovementThreshold triggers automatic plan proposal when overall
	// health drops below it. Range [0,1].
	ImprovementThreshold float64 `yaml:"improvement_threshold"`

	// CoordinationInterval is the period of the coordination loop.
	CoordinationInterval time.Duration `yaml:"coordination_interval"`

	// FailureHandling selects the failure isolation policy: continue or abort.
	FailureHandling string `yaml:"failure_handling"`

	// Resources bounds task concurrency and advisory ceilings.
	Resources ResourceLimits `yaml:"resource_limits"`

	// SnapshotRetention is the number of system snapshots kept in memory.
	SnapshotRetention int `yaml:"snapshot_retention"`

	// Workspace is the root directory for logs and local state.
	Workspace string `yaml:"workspace"`

	// StorePath is the SQLite database path for best-effort persistence.
	// Empty disables persistence.
	StorePath string `yaml:"store_path"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		EnabledComponents:    []string{KindPatternMining, KindReinforcementLearning},
		Mode:                 ModeAdaptive,
		ImprovementThreshold: 0.7,
		CoordinationInterval: 30 * time.Second,
		FailureHandling:      FailureContinue,
		Resources: ResourceLimits{
			MaxConcurrentTasks: 4,
		},
		SnapshotRetention: 64,
		Workspace:         ".",
	}
}

// Load reads a YAML config file, applying defaults for unset fields.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Workspace == "" {
		cfg.Workspace = filepath.Dir(path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeAdaptive, ModeParallel:
	default:
		return fmt.Errorf("invalid orchestration_mode: %q (valid: %s, %s)", c.Mode, ModeAdaptive, ModeParallel)
	}

	switch c.FailureHandling {
	case FailureContinue, FailureAbort:
	default:
		return fmt.Errorf("invalid failure_handling: %q (valid: %s, %s)", c.FailureHandling, FailureContinue, FailureAbort)
	}

	if c.ImprovementThreshold < 0 || c.ImprovementThreshold > 1 {
		return fmt.Errorf("improvement_threshold must be in [0,1], got %v", c.ImprovementThreshold)
	}
	if c.CoordinationInterval <= 0 {
		return fmt.Errorf("coordination_interval must be positive, got %v", c.CoordinationInterval)
	}
	if c.Resources.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1, got %d", c.Resources.MaxConcurrentTasks)
	}
	if c.Resources.MaxCPUPercent < 0 || c.Resources.MaxCPUPercent > 100 {
		return fmt.Errorf("max_cpu_percent must be in [0,100], got %v", c.Resources.MaxCPUPercent)
	}
	if c.SnapshotRetention < 1 {
		return fmt.Errorf("snapshot_retention must be >= 1, got %d", c.SnapshotRetention)
	}

	seen := make(map[string]bool, len(c.EnabledComponents))
	for _, kind := range c.EnabledComponents {
		if kind == "" {
			return fmt.Errorf("enabled_components contains an empty kind")
		}
		if seen[kind] {
			return fmt.Errorf("enabled_components contains duplicate kind %q", kind)
		}
		seen[kind] = true
	}

	return nil
}
