// Package runner builds and starts a single self-hosted runner: it
// registers the runner with GitHub, starts its workload on the engine and
// reports when the workload stops.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/selfrunner/internal/engine"
	"github.com/terrpan/selfrunner/internal/githubapi"
)

// ErrRegistrationTimeout is returned when a non-ephemeral runner never
// shows up in the repository's runner list.
var ErrRegistrationTimeout = errors.New("runner did not register in time")

// State is the lifecycle state of a Runner.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Registrar is the part of the GitHub client a runner needs.
type Registrar interface {
	GenerateJITConfig(ctx context.Context, repo githubapi.Repository, name string, labels []string) (githubapi.JITConfig, error)
	CreateRegistrationToken(ctx context.Context, repo githubapi.Repository) (string, error)
	ListRunners(ctx context.Context, repo githubapi.Repository) ([]githubapi.Runner, error)
	RemoveRunner(ctx context.Context, repo githubapi.Repository, runnerID int64) error
}

// Builder collects the settings of one runner.
type Builder struct {
	Name      string
	Image     string
	Repo      githubapi.Repository
	Ephemeral bool
	Labels    []string

	Registrar Registrar
	Engine    engine.Engine
	Logger    *slog.Logger

	// EngineTimeout bounds the engine start call.  Zero means 5m.
	EngineTimeout time.Duration

	// SyncInterval and SyncAttempts control how a non-ephemeral runner
	// looks itself up in the remote runner list after config.sh ran.
	// Zero means 2s and 30.
	SyncInterval time.Duration
	SyncAttempts int
}

// Build returns a Runner in StateCreated.
func (b Builder) Build() *Runner {
	if b.Logger == nil {
		b.Logger = slog.Default()
	}
	if b.EngineTimeout <= 0 {
		b.EngineTimeout = 5 * time.Minute
	}
	if b.SyncInterval <= 0 {
		b.SyncInterval = 2 * time.Second
	}
	if b.SyncAttempts <= 0 {
		b.SyncAttempts = 30
	}
	return &Runner{
		cfg:    b,
		labels: append([]string(nil), b.Labels...),
		logger: b.Logger.With(slog.String("runner", b.Name)),
		tracer: otel.Tracer("selfrunner/runner"),
	}
}

// Runner is one runner registration plus its workload.
type Runner struct {
	cfg    Builder
	labels []string
	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	id    int64
	state State
}

// Name returns the runner name.
func (r *Runner) Name() string { return r.cfg.Name }

// ID returns the remote runner id, or 0 before registration.
func (r *Runner) ID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) set(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Start registers the runner and starts its workload.  On success the
// runner is Running and the returned channel receives exactly one Exit
// when the workload stops, then closes.  Waiting for the workload is not
// tied to ctx.
func (r *Runner) Start(ctx context.Context) (<-chan engine.Exit, error) {
	ctx, span := r.tracer.Start(ctx, "runner.Start")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.name", r.cfg.Name),
		attribute.String("runner.image", r.cfg.Image),
		attribute.Bool("runner.ephemeral", r.cfg.Ephemeral),
		attribute.String("github.repo", r.cfg.Repo.FullName()),
	)

	r.mu.Lock()
	if r.state != StateCreated {
		st := r.state
		r.mu.Unlock()
		return nil, fmt.Errorf("runner %s already %s", r.cfg.Name, st)
	}
	r.state = StateStarting
	r.mu.Unlock()

	spec := engine.RunnerSpec{
		Name:  r.cfg.Name,
		Image: r.cfg.Image,
	}

	if r.cfg.Ephemeral {
		jit, err := r.cfg.Registrar.GenerateJITConfig(ctx, r.cfg.Repo, r.cfg.Name, r.labels)
		if err != nil {
			r.set(StateFailed)
			return nil, fmt.Errorf("register runner %s: %w", r.cfg.Name, err)
		}
		r.mu.Lock()
		r.id = jit.Runner.ID
		r.mu.Unlock()
		spec.JITConfig = jit.EncodedConfig
	} else {
		token, err := r.cfg.Registrar.CreateRegistrationToken(ctx, r.cfg.Repo)
		if err != nil {
			r.set(StateFailed)
			return nil, fmt.Errorf("registration token for %s: %w", r.cfg.Name, err)
		}
		spec.RegistrationToken = token
		spec.RepoURL = r.cfg.Repo.URL()
		spec.Labels = r.labels
	}

	startCtx, cancel := context.WithTimeout(ctx, r.cfg.EngineTimeout)
	_, err := r.cfg.Engine.StartRunner(startCtx, spec)
	cancel()
	if err != nil {
		r.deregister(ctx)
		r.set(StateFailed)
		return nil, fmt.Errorf("start workload %s: %w", r.cfg.Name, err)
	}

	if !r.cfg.Ephemeral {
		if err := r.syncInfo(ctx); err != nil {
			destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.EngineTimeout)
			if derr := r.cfg.Engine.DestroyRunner(destroyCtx, r.cfg.Name); derr != nil {
				err = errors.Join(err, derr)
			}
			cancel()
			r.set(StateFailed)
			return nil, err
		}
	}

	r.set(StateRunning)
	span.SetAttributes(attribute.Int64("runner.id", r.ID()))
	r.logger.Info("runner started",
		slog.Int64("id", r.ID()),
		slog.String("repo", r.cfg.Repo.FullName()),
		slog.String("image", r.cfg.Image),
	)

	exits := make(chan engine.Exit, 1)
	go func() {
		exit := r.cfg.Engine.WaitRunner(context.WithoutCancel(ctx), r.cfg.Name)
		r.set(StateStopped)
		r.logger.Info("runner stopped", slog.Int64("exitCode", exit.Code))
		exits <- exit
		close(exits)
	}()
	return exits, nil
}

// syncInfo polls the remote runner list until a runner with our name
// appears and records its id.
func (r *Runner) syncInfo(ctx context.Context) error {
	for attempt := range r.cfg.SyncAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.SyncInterval):
			}
		}

		runners, err := r.cfg.Registrar.ListRunners(ctx, r.cfg.Repo)
		if err != nil {
			r.logger.Warn("listing runners failed", slog.String("error", err.Error()))
			continue
		}
		for _, rr := range runners {
			if rr.Name == r.cfg.Name {
				r.mu.Lock()
				r.id = rr.ID
				r.mu.Unlock()
				return nil
			}
		}
	}
	return fmt.Errorf("runner %s in %s: %w", r.cfg.Name, r.cfg.Repo.FullName(), ErrRegistrationTimeout)
}

// deregister removes a registration whose workload failed to start.
func (r *Runner) deregister(ctx context.Context) {
	id := r.ID()
	if id == 0 {
		return
	}
	if err := r.cfg.Registrar.RemoveRunner(context.WithoutCancel(ctx), r.cfg.Repo, id); err != nil {
		r.logger.Warn("deregistering failed runner",
			slog.Int64("id", id),
			slog.String("error", err.Error()),
		)
	}
}
