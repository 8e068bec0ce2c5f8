package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/selfrunner/internal/buildinfo"
	"github.com/terrpan/selfrunner/internal/config"
	"github.com/terrpan/selfrunner/internal/health"
	"github.com/terrpan/selfrunner/internal/otel"
	"github.com/terrpan/selfrunner/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

// ---------------------------------------------------------------------------
// fillworkflows
// ---------------------------------------------------------------------------

var fillWorkflowsCmd = &cobra.Command{
	Use:   "fillworkflows [owner repo]",
	Short: "Start a runner for every queued workflow run",
	Long: `fillworkflows starts one non-ephemeral runner per queued workflow run of
owner/repo, or of every repository with a worker config when no
repository is given.  The runners stay registered until removerunner.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) != 0 && len(args) != 2 {
			fmt.Fprintln(out, "Usage: selfrunner fillworkflows [owner repo]")
			return nil
		}

		ctx := cmd.Context()
		s, err := newSession(ctx, validateFill)
		if err != nil {
			return report(out, err)
		}
		defer s.Close()

		if len(args) == 2 {
			return report(out, s.coord.FillWorkflows(ctx, args[0], args[1]))
		}
		return report(out, s.coord.FillAllWorkflows(ctx))
	},
}

func validateFill(cfg *config.Config) error {
	if err := cfg.ValidateCredentials(); err != nil {
		return err
	}
	if cfg.Runners.DefaultImage == "" {
		return fmt.Errorf("%w: default image is not set, register it with the 'registerserver' command", config.ErrConfigurationMissing)
	}
	return nil
}

// ---------------------------------------------------------------------------
// removerunner
// ---------------------------------------------------------------------------

var removeRunnerCmd = &cobra.Command{
	Use:   "removerunner [owner repo [runnerID]]",
	Short: "Deregister runners and remove their workloads",
	Long: `removerunner with no arguments removes every runner in the local
registry.  With owner and repo it removes every runner of that
repository, and with a runner id only that runner.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		var runnerID int64
		switch len(args) {
		case 0, 2:
		case 3:
			id, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil || id <= 0 {
				fmt.Fprintf(out, "Invalid runner id %q\n", args[2])
				return nil
			}
			runnerID = id
		default:
			fmt.Fprintln(out, "Usage: selfrunner removerunner [owner repo [runnerID]]")
			return nil
		}

		ctx := cmd.Context()
		s, err := newSession(ctx, (*config.Config).ValidateCredentials)
		if err != nil {
			return report(out, err)
		}
		defer s.Close()

		switch len(args) {
		case 0:
			err = s.coord.RemoveRegisteredRunners(ctx)
		case 2:
			err = s.coord.RemoveRepoRunners(ctx, args[0], args[1])
		default:
			err = s.coord.RemoveRunnerByID(ctx, args[0], args[1], runnerID)
		}
		return report(out, err)
	},
}

// ---------------------------------------------------------------------------
// startserver
// ---------------------------------------------------------------------------

var startServerCmd = &cobra.Command{
	Use:   "startserver",
	Short: "Serve the webhook and start runners for queued workflow runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) != 0 {
			fmt.Fprintln(out, "Usage: selfrunner startserver")
			return nil
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := newSession(ctx, (*config.Config).ValidateServer)
		if err != nil {
			return report(out, err)
		}
		defer s.Close()

		return serve(ctx, s)
	},
}

func serve(ctx context.Context, s *session) error {
	cfg, logger := s.cfg, s.logger

	// ---------------------------------------------------------------
	// 1. Telemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, health.ServiceName, otel.Config{
		Enabled:    cfg.OTel.Enabled,
		Endpoint:   cfg.OTel.Endpoint,
		Insecure:   cfg.OTel.Insecure,
		StdOut:     cfg.OTel.StdOut,
		Prometheus: cfg.OTel.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 2. Webhook server
	// ---------------------------------------------------------------
	handler := webhook.New(webhook.Config{
		Secret:      cfg.Webhook.Secret,
		Events:      s.coord,
		BaseContext: ctx,
		Logger:      logger.WithGroup("webhook"),
	})
	srv := webhook.NewServer(handler, webhook.ServerConfig{
		Port:    cfg.Webhook.Port,
		Engine:  cfg.Engine.Type,
		Runners: s.store.RunnerCount,
		Metrics: cfg.OTel.Prometheus,
	})

	logger.Info("starting server",
		slog.String("version", buildinfo.Version),
		slog.String("addr", srv.Addr),
		slog.String("engine", cfg.Engine.Type),
		slog.Int("registeredRunners", s.store.RunnerCount()),
	)

	// ---------------------------------------------------------------
	// 3. Run until interrupted
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.coord.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	handler.Wait()
	return err
}

// ---------------------------------------------------------------------------
// registerpat / registerserver
// ---------------------------------------------------------------------------

var registerPATCmd = &cobra.Command{
	Use:   "registerpat <token>",
	Short: "Store the GitHub personal access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) != 1 || args[0] == "" {
			fmt.Fprintln(out, "Usage: selfrunner registerpat <token>")
			return nil
		}

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg.GitHub.Token = args[0]
		if err := cfg.Save(cfgPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "Token saved to %s\n", cfgPath)
		return nil
	},
}

var registerServerCmd = &cobra.Command{
	Use:   "registerserver <secret> <image> <port> <logsDir>",
	Short: "Store the webhook server settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) != 4 {
			fmt.Fprintln(out, "Usage: selfrunner registerserver <secret> <image> <port> <logsDir>")
			return nil
		}

		port, err := strconv.Atoi(args[2])
		if err != nil || port <= 0 || port > 65535 {
			fmt.Fprintf(out, "Invalid port %q\n", args[2])
			return nil
		}
		if err := config.ValidateLogsDir(args[3]); err != nil {
			return report(out, err)
		}

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg.Webhook.Secret = args[0]
		cfg.Runners.DefaultImage = args[1]
		cfg.Webhook.Port = port
		cfg.Runners.LogsDir = args[3]
		if err := cfg.Save(cfgPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "Server settings saved to %s\n", cfgPath)
		return nil
	},
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}
