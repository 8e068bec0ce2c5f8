// Package docker implements the engine.Engine interface using the
// Docker daemon to run self-hosted GitHub Actions runners as containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/selfrunner/internal/engine"
)

// configureScript registers a non-JIT runner with a registration token
// and then runs it.  Values come from the container environment.
const configureScript = `set -e
cd /home/runner
flags="--unattended --replace --url $RUNNER_REPO_URL --token $RUNNER_TOKEN --name $RUNNER_NAME --labels $RUNNER_LABELS"
./config.sh $flags
exec ./run.sh`

// Config holds Docker-specific settings.
type Config struct {
	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each runner container.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.  Only enable this if you trust the workflows
	// that will run on these runners.
	Dind bool

	// Network attaches runner containers to a named Docker network.
	// Empty means the daemon default.
	Network string
}

// Engine manages GitHub Actions runners as Docker containers.
type Engine struct {
	client  *dockerclient.Client
	dind    bool
	network string
	logger  *slog.Logger

	mu     sync.Mutex
	pulled map[string]bool // images known to be present locally

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine connected to the daemon from the
// environment (DOCKER_HOST or the default socket).
func New(_ context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Engine{
		client:  client,
		dind:    cfg.Dind,
		network: cfg.Network,
		logger:  logger,
		pulled:  make(map[string]bool),
		tracer:  otel.Tracer("selfrunner/engine/docker"),
	}, nil
}

// StartRunner creates and starts a container running a GitHub Actions
// runner, pulling the image first if the daemon does not have it.
func (e *Engine) StartRunner(ctx context.Context, spec engine.RunnerSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.StartRunner")
	defer span.End()

	name := engine.ContainerName(spec.Name)
	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("runner.image", spec.Image),
	)

	if err := e.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	env, cmd := runnerCommand(spec)

	// When DinD is enabled, run as root for cross-platform socket access.
	user := "runner"
	hostCfg := &container.HostConfig{}
	if e.dind {
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg.Binds = []string{"/var/run/docker.sock:/var/run/docker.sock"}
	}
	if e.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(e.network)
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: spec.Image,
			User:  user,
			Cmd:   cmd,
			Env:   env,
			Labels: map[string]string{
				engine.ManagedByLabel: engine.ManagedByValue,
				engine.RunnerLabel:    spec.Name,
			},
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", name, err)
	}

	e.logger.Info("runner container started",
		slog.String("name", name),
		slog.String("containerID", resp.ID),
		slog.String("image", spec.Image),
	)

	return resp.ID, nil
}

// WaitRunner blocks until the runner container is no longer running.
func (e *Engine) WaitRunner(ctx context.Context, name string) engine.Exit {
	statusCh, errCh := e.client.ContainerWait(ctx, engine.ContainerName(name), container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		exit := engine.Exit{Code: st.StatusCode}
		if st.Error != nil && st.Error.Message != "" {
			exit.Err = fmt.Errorf("container wait: %s", st.Error.Message)
		}
		return exit
	case err := <-errCh:
		if cerrdefs.IsNotFound(err) {
			return engine.Exit{Code: -1, Err: engine.ErrNotFound}
		}
		return engine.Exit{Code: -1, Err: fmt.Errorf("container wait %s: %w", name, err)}
	case <-ctx.Done():
		return engine.Exit{Code: -1, Err: ctx.Err()}
	}
}

// RunnerExists reports whether a container exists for the runner name.
func (e *Engine) RunnerExists(ctx context.Context, name string) (bool, error) {
	_, err := e.client.ContainerInspect(ctx, engine.ContainerName(name))
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("container inspect %s: %w", name, err)
	}
	return true, nil
}

// DestroyRunner force-removes the runner container.  A missing
// container is not an error.
func (e *Engine) DestroyRunner(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.DestroyRunner")
	defer span.End()

	cname := engine.ContainerName(name)
	span.SetAttributes(attribute.String("container.name", cname))

	e.logger.Info("destroying runner container", slog.String("name", cname))

	if err := e.client.ContainerRemove(ctx, cname, container.RemoveOptions{Force: true}); err != nil {
		if cerrdefs.IsNotFound(err) {
			span.AddEvent("container already removed")
			return nil
		}
		return fmt.Errorf("container remove %s: %w", cname, err)
	}
	return nil
}

// ListRunners returns the runner names of every container carrying the
// selfrunner label, running or not.
func (e *Engine) ListRunners(ctx context.Context) ([]string, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", engine.ManagedByLabel+"="+engine.ManagedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	names := make([]string, 0, len(containers))
	for _, c := range containers {
		if n, ok := c.Labels[engine.RunnerLabel]; ok {
			names = append(names, n)
			continue
		}
		if len(c.Names) > 0 {
			names = append(names, strings.TrimPrefix(c.Names[0], "/"))
		}
	}
	return names, nil
}

// Close closes the Docker client.  Containers are left running.
func (e *Engine) Close() error {
	return e.client.Close()
}

// ensureImage pulls img unless the daemon already has it.
func (e *Engine) ensureImage(ctx context.Context, img string) error {
	e.mu.Lock()
	known := e.pulled[img]
	e.mu.Unlock()
	if known {
		return nil
	}

	if _, err := e.client.ImageInspect(ctx, img); err == nil {
		e.markPulled(img)
		return nil
	}

	e.logger.Info("pulling runner image", slog.String("image", img))

	pull, err := e.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", img, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	e.logger.Info("runner image ready", slog.String("image", img))
	e.markPulled(img)
	return nil
}

func (e *Engine) markPulled(img string) {
	e.mu.Lock()
	e.pulled[img] = true
	e.mu.Unlock()
}

// runnerCommand returns the environment and command for spec.
func runnerCommand(spec engine.RunnerSpec) (env []string, cmd []string) {
	if spec.JITConfig != "" {
		env = []string{fmt.Sprintf("ACTIONS_RUNNER_INPUT_JITCONFIG=%s", spec.JITConfig)}
		return env, []string{"/home/runner/run.sh"}
	}

	env = []string{
		fmt.Sprintf("RUNNER_REPO_URL=%s", spec.RepoURL),
		fmt.Sprintf("RUNNER_TOKEN=%s", spec.RegistrationToken),
		fmt.Sprintf("RUNNER_NAME=%s", spec.Name),
		fmt.Sprintf("RUNNER_LABELS=%s", strings.Join(spec.Labels, ",")),
	}
	return env, []string{"/bin/bash", "-c", configureScript}
}
