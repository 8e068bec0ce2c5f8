package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrpan/selfrunner/internal/config"
	"github.com/terrpan/selfrunner/internal/coordinator"
	"github.com/terrpan/selfrunner/internal/engine"
	"github.com/terrpan/selfrunner/internal/githubapi"
	"github.com/terrpan/selfrunner/internal/state"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "selfrunner",
	Short: "Self-hosted GitHub Actions runners on demand",
	Long: `selfrunner starts a self-hosted GitHub Actions runner for every queued
workflow run, removes it when it stops and keeps the run's logs.

Runners are containers (engine.type: docker) or Compute Engine VMs
(engine.type: gcp).  Configuration is read from a YAML file (--config)
written by the register commands, with optional CLI flag overrides.`,
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "selfrunner.yaml", "Path to YAML configuration file")

	// Overrides
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token")
	f.StringVar(&flagOverrides.Runners.StateDir, "state-dir", "", "Directory holding the runner registry and worker configs")
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute engine (docker, gcp)")
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(
		fillWorkflowsCmd,
		removeRunnerCmd,
		startServerCmd,
		registerPATCmd,
		registerServerCmd,
		versionCmd,
	)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.Runners.StateDir != "" {
		cfg.Runners.StateDir = flagOverrides.Runners.StateDir
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// loadConfig reads the config file and applies flag overrides and defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)
	cfg.ApplyDefaults()
	return cfg, nil
}

// userError reports whether err is caused by how the command was invoked
// or configured rather than by a failure of selfrunner itself.
func userError(err error) bool {
	return errors.Is(err, config.ErrConfigurationMissing) ||
		errors.Is(err, githubapi.ErrNotFound) ||
		errors.Is(err, coordinator.ErrNoRunners) ||
		errors.Is(err, coordinator.ErrRunnerNotFound)
}

// report prints user errors as a diagnostic and returns nil so the process
// exits normally.  Everything else is returned to cobra.
func report(w io.Writer, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coordinator.ErrNoRunners):
		fmt.Fprintln(w, "No Runners Found")
		return nil
	case userError(err):
		fmt.Fprintf(w, "Error: %v\n", err)
		return nil
	default:
		return err
	}
}

// session bundles what the one-shot commands need to drive the coordinator.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	coord  *coordinator.Coordinator
	store  *state.Store
	engine engine.Engine
}

func (s *session) Close() {
	if err := s.engine.Close(); err != nil {
		s.logger.Warn("closing engine", slog.String("error", err.Error()))
	}
}

// newSession loads and validates the configuration and wires the
// coordinator with its state, GitHub client and engine.
func newSession(ctx context.Context, validate func(*config.Config) error) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logger := cfg.NewLogger()
	logger.Debug("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("engine", cfg.Engine.Type),
		slog.String("stateDir", cfg.Runners.StateDir),
	)

	store, err := state.Open(cfg.Runners.StateDir)
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}

	gh, err := cfg.NewGitHubClient()
	if err != nil {
		return nil, fmt.Errorf("creating github client: %w", err)
	}

	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing engine: %w", err)
	}

	coord := coordinator.New(coordinator.Config{
		Store:         store,
		GitHub:        gh,
		Engine:        eng,
		DefaultImage:  cfg.Runners.DefaultImage,
		LogsDir:       cfg.Runners.LogsDir,
		Labels:        cfg.Runners.Labels,
		EngineTimeout: cfg.Timeouts.Engine,
		SyncInterval:  cfg.Runners.SyncInterval,
		SyncAttempts:  cfg.Runners.SyncAttempts,
		Logger:        logger.WithGroup("coordinator"),
	})

	return &session{
		cfg:    cfg,
		logger: logger,
		coord:  coord,
		store:  store,
		engine: eng,
	}, nil
}
