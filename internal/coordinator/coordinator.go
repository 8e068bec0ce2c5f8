// Package coordinator drives the runner lifecycle: it spawns a runner
// for every queued workflow run, records it in local state, saves the
// run's logs on completion and tears the runner down when its workload
// stops.  It also implements the fill and removal commands.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/selfrunner/internal/engine"
	"github.com/terrpan/selfrunner/internal/githubapi"
	"github.com/terrpan/selfrunner/internal/runner"
	"github.com/terrpan/selfrunner/internal/state"
)

// WebhookLabel is added to every runner spawned from a webhook delivery.
const WebhookLabel = "selfrunner-webhook"

var (
	// ErrNoRunners is returned by the removal commands when the
	// repository has no self-hosted runners registered.
	ErrNoRunners = errors.New("no runners found")

	// ErrRunnerNotFound is returned when a runner id is not registered
	// to the repository.
	ErrRunnerNotFound = errors.New("runner not found")
)

// GitHub is the remote API the coordinator uses.
type GitHub interface {
	runner.Registrar
	GetRepository(ctx context.Context, owner, name string) (githubapi.Repository, error)
	ListWorkflowRuns(ctx context.Context, repo githubapi.Repository, status string) ([]githubapi.WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, repo githubapi.Repository, runID int64) (githubapi.WorkflowRun, error)
	DownloadRunLogs(ctx context.Context, repo githubapi.Repository, runID int64) ([]byte, error)
}

// Config holds the coordinator's collaborators and settings.
type Config struct {
	Store        *state.Store
	GitHub       GitHub
	Engine       engine.Engine
	DefaultImage string
	LogsDir      string
	Labels       []string

	// EngineTimeout bounds each engine call.  Zero means 5m.
	EngineTimeout time.Duration

	// SyncInterval and SyncAttempts are passed to non-ephemeral runners.
	SyncInterval time.Duration
	SyncAttempts int

	Logger *slog.Logger
}

type stopNotice struct {
	runner state.RegisteredRunner
	exit   engine.Exit
}

// Coordinator owns the runner lifecycle.
type Coordinator struct {
	store         *state.Store
	gh            GitHub
	engine        engine.Engine
	defaultImage  string
	logsDir       string
	labels        []string
	engineTimeout time.Duration
	syncInterval  time.Duration
	syncAttempts  int
	logger        *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // owner/repo/name of runners being spawned

	stops      chan stopNotice
	done       chan struct{} // closed when Run returns
	doneOnce   sync.Once
	forwarding sync.WaitGroup

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runnersStarted        metric.Int64Counter
	runnersDestroyed      metric.Int64Counter
	startFailures         metric.Int64Counter
	eventsSkipped         metric.Int64Counter
	logsSaved             metric.Int64Counter
	runnerStartupDuration metric.Float64Histogram
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 5 * time.Minute
	}

	c := &Coordinator{
		store:         cfg.Store,
		gh:            cfg.GitHub,
		engine:        cfg.Engine,
		defaultImage:  cfg.DefaultImage,
		logsDir:       cfg.LogsDir,
		labels:        cfg.Labels,
		engineTimeout: cfg.EngineTimeout,
		syncInterval:  cfg.SyncInterval,
		syncAttempts:  cfg.SyncAttempts,
		logger:        cfg.Logger,
		inflight:      make(map[string]struct{}),
		stops:         make(chan stopNotice, 64),
		done:          make(chan struct{}),
		tracer:        otel.Tracer("selfrunner/coordinator"),
		meter:         otel.Meter("selfrunner/coordinator"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	c.runnersStarted, err = c.meter.Int64Counter(
		"selfrunner.runners.started",
		metric.WithDescription("Total number of runners started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersStarted counter", slog.String("error", err.Error()))
	}

	c.runnersDestroyed, err = c.meter.Int64Counter(
		"selfrunner.runners.destroyed",
		metric.WithDescription("Total number of runners torn down"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersDestroyed counter", slog.String("error", err.Error()))
	}

	c.startFailures, err = c.meter.Int64Counter(
		"selfrunner.runners.start_failures",
		metric.WithDescription("Total number of runners that failed to start"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create startFailures counter", slog.String("error", err.Error()))
	}

	c.eventsSkipped, err = c.meter.Int64Counter(
		"selfrunner.events.skipped",
		metric.WithDescription("Queued events skipped because the runner already exists"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create eventsSkipped counter", slog.String("error", err.Error()))
	}

	c.logsSaved, err = c.meter.Int64Counter(
		"selfrunner.logs.saved",
		metric.WithDescription("Total number of workflow run log archives written"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create logsSaved counter", slog.String("error", err.Error()))
	}

	c.runnerStartupDuration, err = c.meter.Float64Histogram(
		"selfrunner.runner.startup.duration",
		metric.WithDescription("Time to register and start a runner (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnerStartupDuration histogram", slog.String("error", err.Error()))
	}

	_, err = c.meter.Int64ObservableGauge(
		"selfrunner.runners.registered",
		metric.WithDescription("Current number of runners in the registry"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.store.RunnerCount()))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create registered gauge", slog.String("error", err.Error()))
	}

	_, err = c.meter.Int64ObservableGauge(
		"selfrunner.runners.inflight",
		metric.WithDescription("Current number of runners being spawned"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			c.mu.Lock()
			count := len(c.inflight)
			c.mu.Unlock()
			o.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create inflight gauge", slog.String("error", err.Error()))
	}

	return c
}

// ---------------------------------------------------------------------------
// Event handling
// ---------------------------------------------------------------------------

// OnWorkflowQueued spawns an ephemeral runner for a queued workflow run
// and records it.  A run whose runner is already being spawned or is
// already registered is skipped.
func (c *Coordinator) OnWorkflowQueued(ctx context.Context, run githubapi.WorkflowRun) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.OnWorkflowQueued")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("github.run_id", run.ID),
		attribute.String("github.repo", run.Repository.FullName()),
	)

	repo, err := c.gh.GetRepository(ctx, run.Repository.Owner, run.Repository.Name)
	if err != nil {
		return fmt.Errorf("resolve repository %s: %w", run.Repository.FullName(), err)
	}

	labels := append(c.runLabels(run.ID), WebhookLabel)
	return c.spawn(ctx, repo, run.ID, true, labels, true)
}

// OnWorkflowCompleted saves the logs of a completed workflow run.  A run
// that cannot be found is ignored.
func (c *Coordinator) OnWorkflowCompleted(ctx context.Context, run githubapi.WorkflowRun) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.OnWorkflowCompleted")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("github.run_id", run.ID),
		attribute.String("github.repo", run.Repository.FullName()),
	)

	repo := run.Repository
	if _, err := c.gh.GetWorkflowRun(ctx, repo, run.ID); err != nil {
		if errors.Is(err, githubapi.ErrNotFound) {
			c.logger.Info("workflow run not found, skipping logs",
				slog.String("repo", repo.FullName()),
				slog.Int64("runID", run.ID),
			)
			return nil
		}
		return err
	}

	data, err := c.gh.DownloadRunLogs(ctx, repo, run.ID)
	if err != nil {
		if errors.Is(err, githubapi.ErrNotFound) {
			c.logger.Info("workflow run logs not available",
				slog.String("repo", repo.FullName()),
				slog.Int64("runID", run.ID),
			)
			return nil
		}
		return err
	}

	path := LogPath(c.logsDir, repo.Name, run.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing logs %s: %w", path, err)
	}

	if c.logsSaved != nil {
		c.logsSaved.Add(ctx, 1)
	}
	c.logger.Info("workflow logs saved",
		slog.String("repo", repo.FullName()),
		slog.Int64("runID", run.ID),
		slog.String("path", path),
	)
	return nil
}

// LogPath returns where the logs of a run are written.
func LogPath(logsDir, repoName string, runID int64) string {
	return filepath.Join(logsDir, repoName, fmt.Sprintf("%s-%d-Logs.zip", repoName, runID))
}

// Run consumes stop notices until ctx is done.  Each stopped runner is
// removed from the registry and its workload is removed.
// Stop notices raised after Run returned are dropped.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.doneOnce.Do(func() { close(c.done) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-c.stops:
			c.teardown(ctx, n)
		}
	}
}

func (c *Coordinator) teardown(ctx context.Context, n stopNotice) {
	ctx, span := c.tracer.Start(ctx, "coordinator.teardown")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.name", n.runner.RunnerName),
		attribute.Int64("runner.id", n.runner.RunnerID),
		attribute.Int64("runner.exit_code", n.exit.Code),
	)

	logger := c.logger.With(
		slog.String("runner", n.runner.RunnerName),
		slog.Int64("id", n.runner.RunnerID),
	)
	if n.exit.Err != nil {
		logger.Warn("waiting for runner failed", slog.String("error", n.exit.Err.Error()))
	}

	var removed bool
	err := c.store.Update(func(t state.Tables) error {
		removed = t.Runners.Remove(n.runner)
		return nil
	})
	if err != nil {
		logger.Error("persisting runner removal failed", slog.String("error", err.Error()))
	}

	engCtx, cancel := context.WithTimeout(ctx, c.engineTimeout)
	defer cancel()
	if err := c.engine.DestroyRunner(engCtx, n.runner.RunnerName); err != nil {
		logger.Warn("removing stopped workload failed", slog.String("error", err.Error()))
	}

	if c.runnersDestroyed != nil {
		c.runnersDestroyed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "stopped")))
	}
	logger.Info("removed runner",
		slog.String("repo", n.runner.RepoOwner+"/"+n.runner.RepoName),
		slog.Bool("registered", removed),
		slog.Int64("exitCode", n.exit.Code),
	)
}

// ---------------------------------------------------------------------------
// Fill
// ---------------------------------------------------------------------------

// FillWorkflows spawns one non-ephemeral runner for every queued workflow
// run of owner/name.
func (c *Coordinator) FillWorkflows(ctx context.Context, owner, name string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.FillWorkflows")
	defer span.End()
	span.SetAttributes(attribute.String("github.repo", owner+"/"+name))

	repo, err := c.gh.GetRepository(ctx, owner, name)
	if err != nil {
		return fmt.Errorf("resolve repository %s/%s: %w", owner, name, err)
	}

	runs, err := c.gh.ListWorkflowRuns(ctx, repo, githubapi.StatusQueued)
	if err != nil {
		return err
	}

	c.logger.Info("filling workflows",
		slog.String("repo", repo.FullName()),
		slog.Int("runs", len(runs)),
	)

	var errs []error
	for _, run := range runs {
		if run.Status != githubapi.StatusQueued {
			continue
		}
		if err := c.spawn(ctx, repo, run.ID, false, c.runLabels(run.ID), false); err != nil {
			c.logger.Error("filling workflow failed",
				slog.String("repo", repo.FullName()),
				slog.Int64("runID", run.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FillAllWorkflows runs FillWorkflows for every repository that has a
// worker config.  A repository that no longer exists is reported and
// skipped.
func (c *Coordinator) FillAllWorkflows(ctx context.Context) error {
	var errs []error
	for _, wc := range c.store.WorkerConfigs() {
		err := c.FillWorkflows(ctx, wc.RepoOwner, wc.RepoName)
		if err == nil {
			continue
		}
		if errors.Is(err, githubapi.ErrNotFound) {
			c.logger.Warn("repository not found, skipping",
				slog.String("repo", wc.RepoOwner+"/"+wc.RepoName),
			)
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Spawning
// ---------------------------------------------------------------------------

// spawn builds, starts and records one runner for a run.  When watch is
// set, the runner's stop notice is forwarded to the teardown loop.  A
// runner that already exists is skipped without error.
func (c *Coordinator) spawn(ctx context.Context, repo githubapi.Repository, runID int64, ephemeral bool, labels []string, watch bool) error {
	name := RunnerName(repo.Name, runID)

	if !c.reserve(repo, name) {
		if c.eventsSkipped != nil {
			c.eventsSkipped.Add(ctx, 1)
		}
		c.logger.Info("runner already exists, skipping",
			slog.String("repo", repo.FullName()),
			slog.String("runner", name),
		)
		return nil
	}
	defer c.release(repo, name)

	image, created, err := c.store.ResolveImage(repo.Owner, repo.Name, c.defaultImage)
	if err != nil {
		return fmt.Errorf("resolve image for %s: %w", repo.FullName(), err)
	}
	if created {
		c.logger.Info("added default worker config",
			slog.String("repo", repo.FullName()),
			slog.String("image", image),
		)
	}

	startTime := time.Now()
	r := runner.Builder{
		Name:          name,
		Image:         image,
		Repo:          repo,
		Ephemeral:     ephemeral,
		Labels:        labels,
		Registrar:     c.gh,
		Engine:        c.engine,
		Logger:        c.logger,
		EngineTimeout: c.engineTimeout,
		SyncInterval:  c.syncInterval,
		SyncAttempts:  c.syncAttempts,
	}.Build()

	exits, err := r.Start(ctx)
	if err != nil {
		if c.startFailures != nil {
			c.startFailures.Add(ctx, 1)
		}
		return fmt.Errorf("start runner %s: %w", name, err)
	}

	if c.runnerStartupDuration != nil {
		c.runnerStartupDuration.Record(ctx, time.Since(startTime).Seconds())
	}
	if c.runnersStarted != nil {
		c.runnersStarted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ephemeral", ephemeral)))
	}

	rr := state.RegisteredRunner{
		RepoOwner:  repo.Owner,
		RepoName:   repo.Name,
		RunnerID:   r.ID(),
		RunnerName: r.Name(),
	}
	if err := c.store.Update(func(t state.Tables) error {
		t.Runners.Add(rr)
		return nil
	}); err != nil {
		c.discard(ctx, repo, rr)
		return fmt.Errorf("recording runner %s: %w", name, err)
	}

	c.logger.Info("added runner",
		slog.String("repo", repo.FullName()),
		slog.String("runner", rr.RunnerName),
		slog.Int64("id", rr.RunnerID),
	)

	if watch {
		c.forwarding.Add(1)
		go c.forward(rr, exits)
	}
	return nil
}

// discard removes a started runner that could not be recorded, so no
// workload or registration outlives the failed spawn.
func (c *Coordinator) discard(ctx context.Context, repo githubapi.Repository, rr state.RegisteredRunner) {
	ctx = context.WithoutCancel(ctx)
	logger := c.logger.With(
		slog.String("repo", repo.FullName()),
		slog.String("runner", rr.RunnerName),
		slog.Int64("id", rr.RunnerID),
	)

	engCtx, cancel := context.WithTimeout(ctx, c.engineTimeout)
	defer cancel()
	if err := c.engine.DestroyRunner(engCtx, rr.RunnerName); err != nil {
		logger.Error("removing unrecorded workload failed", slog.String("error", err.Error()))
	}
	if err := c.gh.RemoveRunner(ctx, repo, rr.RunnerID); err != nil && !errors.Is(err, githubapi.ErrNotFound) {
		logger.Error("deregistering unrecorded runner failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) forward(rr state.RegisteredRunner, exits <-chan engine.Exit) {
	defer c.forwarding.Done()

	exit, ok := <-exits
	if !ok {
		exit = engine.Exit{Code: -1}
	}
	select {
	case c.stops <- stopNotice{runner: rr, exit: exit}:
	case <-c.done:
		c.logger.Info("coordinator stopped, dropping stop notice",
			slog.String("runner", rr.RunnerName),
			slog.Int64("exitCode", exit.Code),
		)
	}
}

// reserve marks name as in flight unless it is already in flight or
// registered.
func (c *Coordinator) reserve(repo githubapi.Repository, name string) bool {
	key := repo.FullName() + "/" + name

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[key]; ok {
		return false
	}

	var registered bool
	c.store.View(func(t state.Tables) {
		_, registered = t.Runners.FindByName(repo.Owner, repo.Name, name)
	})
	if registered {
		return false
	}

	c.inflight[key] = struct{}{}
	return true
}

func (c *Coordinator) release(repo githubapi.Repository, name string) {
	c.mu.Lock()
	delete(c.inflight, repo.FullName()+"/"+name)
	c.mu.Unlock()
}

func (c *Coordinator) runLabels(runID int64) []string {
	labels := make([]string, 0, len(c.labels)+2)
	labels = append(labels, c.labels...)
	return append(labels, fmt.Sprintf("run-%d", runID))
}

// RunnerName returns the name of the runner serving a run.
func RunnerName(repoName string, runID int64) string {
	return fmt.Sprintf("%s-%d", repoName, runID)
}
