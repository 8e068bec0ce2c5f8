//go:build integration

package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"

	"github.com/terrpan/selfrunner/internal/engine"
)

// DockerEngineSuite tests the Docker engine against a real Docker daemon.
//
// These tests require Docker to be available (e.g., Docker Desktop or a
// Docker socket).  They are gated behind the "integration" build tag:
//
//	go test ./internal/engine/docker/ -tags integration -v
type DockerEngineSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	docker *dockerclient.Client

	// testImage is a lightweight image used for tests.
	testImage string
}

func (s *DockerEngineSuite) SetupSuite() {
	s.testImage = "alpine:latest"
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	require.NoError(s.T(), err, "Docker must be available for integration tests")
	s.docker = cli

	ctx := context.Background()
	_, err = cli.Ping(ctx)
	require.NoError(s.T(), err, "Docker daemon must be reachable")

	pull, err := cli.ImagePull(ctx, s.testImage, image.PullOptions{})
	require.NoError(s.T(), err)
	_, _ = io.ReadAll(pull)
	pull.Close()
}

func (s *DockerEngineSuite) TearDownSuite() {
	if s.docker != nil {
		s.docker.Close()
	}
}

func (s *DockerEngineSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 60*time.Second)
}

func (s *DockerEngineSuite) TearDownTest() {
	s.cancel()
}

func TestDockerEngineSuite(t *testing.T) {
	suite.Run(t, new(DockerEngineSuite))
}

func (s *DockerEngineSuite) newTestEngine() *Engine {
	return &Engine{
		client: s.docker,
		logger: s.logger,
		pulled: make(map[string]bool),
		tracer: otel.Tracer("test"),
	}
}

// startTestContainer creates and starts a labelled alpine container
// running cmd, bypassing StartRunner's runner entrypoint.
func (s *DockerEngineSuite) startTestContainer(name string, cmd ...string) string {
	resp, err := s.docker.ContainerCreate(
		s.ctx,
		&container.Config{
			Image: s.testImage,
			Cmd:   cmd,
			Labels: map[string]string{
				engine.ManagedByLabel: engine.ManagedByValue,
				engine.RunnerLabel:    name,
			},
		},
		nil, nil, nil,
		engine.ContainerName(name),
	)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.docker.ContainerStart(s.ctx, resp.ID, container.StartOptions{}))

	s.T().Cleanup(func() {
		_ = s.docker.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	})
	return resp.ID
}

// ---------------------------------------------------------------------------
// Image handling
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestEnsureImage_KnownImageIsCached() {
	e := s.newTestEngine()

	require.NoError(s.T(), e.ensureImage(s.ctx, s.testImage))
	e.mu.Lock()
	assert.True(s.T(), e.pulled[s.testImage])
	e.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Existence, listing and destroy
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestExistsListDestroy() {
	e := s.newTestEngine()
	s.startTestContainer("Widgets-101", "sleep", "300")

	exists, err := e.RunnerExists(s.ctx, "Widgets-101")
	require.NoError(s.T(), err)
	assert.True(s.T(), exists)

	names, err := e.ListRunners(s.ctx)
	require.NoError(s.T(), err)
	assert.Contains(s.T(), names, "Widgets-101")

	require.NoError(s.T(), e.DestroyRunner(s.ctx, "Widgets-101"))

	exists, err = e.RunnerExists(s.ctx, "Widgets-101")
	require.NoError(s.T(), err)
	assert.False(s.T(), exists)
}

func (s *DockerEngineSuite) TestDestroyRunner_Idempotent() {
	e := s.newTestEngine()
	s.startTestContainer("idem-1", "sleep", "300")

	require.NoError(s.T(), e.DestroyRunner(s.ctx, "idem-1"))
	assert.NoError(s.T(), e.DestroyRunner(s.ctx, "idem-1"))
}

func (s *DockerEngineSuite) TestRunnerExists_Missing() {
	e := s.newTestEngine()

	exists, err := e.RunnerExists(s.ctx, fmt.Sprintf("missing-%d", time.Now().UnixNano()))
	require.NoError(s.T(), err)
	assert.False(s.T(), exists)
}

// ---------------------------------------------------------------------------
// Wait
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestWaitRunner_ReturnsExitCode() {
	e := s.newTestEngine()
	s.startTestContainer("wait-1", "sh", "-c", "sleep 1; exit 3")

	exit := e.WaitRunner(s.ctx, "wait-1")
	require.NoError(s.T(), exit.Err)
	assert.Equal(s.T(), int64(3), exit.Code)
}

func (s *DockerEngineSuite) TestWaitRunner_Missing() {
	e := s.newTestEngine()

	exit := e.WaitRunner(s.ctx, "never-created")
	assert.ErrorIs(s.T(), exit.Err, engine.ErrNotFound)
}
