package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"evolved/internal/config"
	"evolved/internal/events"
	"evolved/internal/logging"
	"evolved/internal/orchestrator"
	"evolved/internal/store"
)

const version = "0.3.0"

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// run flags
	modeOverride     string
	intervalOverride time.Duration
	runFor           time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "evolved",
	Short: "evolved - self-improvement orchestrator",
	Long: `evolved coordinates a registry of self-improvement components
(pattern mining, reinforcement learning) through a periodic loop:
capture system health, propose improvement plans when health drops
below the configured threshold, and advance plan actions serially
(adaptive mode) or with bounded concurrency (parallel mode).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("File logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// runCmd starts the coordination loop until interrupted.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator and run until interrupted",
	Long: `Loads the orchestration config, initializes every enabled component,
and runs coordination cycles until SIGINT/SIGTERM (or --for elapses).

Snapshots and plans are persisted to the configured SQLite store when
store_path is set; persistence failures never interrupt orchestration.`,
	RunE: runOrchestrator,
}

// checkCmd validates a config file without starting anything.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the orchestration config and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("Config OK: mode=%s threshold=%.2f interval=%v components=%v\n",
			cfg.Mode, cfg.ImprovementThreshold, cfg.CoordinationInterval, cfg.EnabledComponents)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the evolved version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("evolved %s\n", version)
	},
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	cfg := config.Default()
	cfg.Workspace = workspace
	return cfg, nil
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	if modeOverride != "" {
		cfg.Mode = modeOverride
	}
	if intervalOverride > 0 {
		cfg.CoordinationInterval = intervalOverride
	}

	var st store.Store
	if cfg.StorePath != "" {
		st, err = store.NewLocalStore(cfg.StorePath)
		if err != nil {
			// Degraded but operational: the orchestrator runs without persistence.
			logger.Warn("Store unavailable, continuing without persistence",
				zap.String("path", cfg.StorePath), zap.Error(err))
			st = nil
		} else {
			defer st.Close()
		}
	}

	orch, err := orchestrator.New(cfg, st)
	if err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orch.Shutdown()

	orch.Subscribe(events.TopicImprovementDetected, func(ev events.Event) {
		if payload, ok := ev.Payload.(events.ImprovementDetected); ok {
			logger.Info("Improvement opportunity detected",
				zap.Float64("overall_health", payload.Snapshot.OverallHealth),
				zap.Float64("threshold", payload.Threshold))
		}
	})
	orch.Subscribe(events.TopicOrchestrationCycleCompleted, func(ev events.Event) {
		if payload, ok := ev.Payload.(events.CycleCompleted); ok {
			logger.Debug("Cycle completed",
				zap.Duration("duration", payload.Duration),
				zap.Int("plans_advanced", payload.PlansAdvanced))
		}
	})

	logger.Info("Orchestrator running",
		zap.String("mode", cfg.Mode),
		zap.Duration("interval", cfg.CoordinationInterval),
		zap.Strings("components", cfg.EnabledComponents))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	var deadline <-chan time.Time
	if runFor > 0 {
		deadline = time.After(runFor)
	}

	select {
	case s := <-sig:
		logger.Info("Signal received, shutting down", zap.String("signal", s.String()))
	case <-deadline:
		logger.Info("Run duration elapsed, shutting down", zap.Duration("after", runFor))
	}

	for _, rec := range orch.ComponentStatus() {
		logger.Info("Component final state",
			zap.String("id", rec.ID),
			zap.String("status", string(rec.Status)),
			zap.Float64("health", rec.LastHealth))
	}
	logger.Info("Final system health", zap.Float64("health", orch.SystemHealth()))
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: cwd)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to orchestration config YAML")

	runCmd.Flags().StringVar(&modeOverride, "mode", "", "Override coordination mode (adaptive|parallel)")
	runCmd.Flags().DurationVar(&intervalOverride, "interval", 0, "Override coordination interval")
	runCmd.Flags().DurationVar(&runFor, "for", 0, "Run for a fixed duration then shut down (0 = until signal)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
