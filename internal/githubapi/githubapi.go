// Package githubapi wraps the GitHub REST API calls selfrunner needs:
// repository lookup, self-hosted runner registration and removal,
// workflow run listing and log download.
package githubapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound is returned when a repository, runner or workflow run
// does not exist (or is not visible to the token).
var ErrNotFound = errors.New("not found")

// Repository identifies a GitHub repository.
type Repository struct {
	Owner string
	Name  string
}

// FullName returns "owner/name".
func (r Repository) FullName() string { return r.Owner + "/" + r.Name }

// URL returns the repository's web URL, used for runner registration.
func (r Repository) URL() string { return "https://github.com/" + r.FullName() }

// Runner is a self-hosted runner as reported by GitHub.
type Runner struct {
	ID     int64
	Name   string
	Status string
	Busy   bool
}

// WorkflowRun is the subset of a workflow run selfrunner acts on.
type WorkflowRun struct {
	ID         int64
	Status     string
	Repository Repository
}

// maxLogRedirects is how many 301s are followed before the log archive
// URL (a 302 Location) is returned.
const maxLogRedirects = 1

// Workflow run statuses selfrunner distinguishes.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// JITConfig is a just-in-time runner configuration together with the
// registration it created.
type JITConfig struct {
	Runner        Runner
	EncodedConfig string
}

// Client is the remote registration client.
type Client struct {
	gh         *github.Client
	httpClient *http.Client
	timeout    time.Duration
	tracer     trace.Tracer
}

// Config holds Client options.
type Config struct {
	// Token is a personal access token with repo administration scope.
	Token string

	// Timeout bounds every API call.  Zero means 30s.
	Timeout time.Duration

	// BaseURL overrides the API endpoint (GitHub Enterprise or tests).
	BaseURL string
}

// New creates a Client authenticated with cfg.Token.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := &http.Client{}
	gh := github.NewClient(httpClient).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url %q: %w", cfg.BaseURL, err)
		}
	}
	return &Client{
		gh:         gh,
		httpClient: httpClient,
		timeout:    cfg.Timeout,
		tracer:     otel.Tracer("selfrunner/githubapi"),
	}, nil
}

// GetRepository resolves owner/name to the canonical repository.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (Repository, error) {
	ctx, span := c.start(ctx, "githubapi.GetRepository", owner, name)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	repo, resp, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return Repository{}, wrap(resp, err, "get repository %s/%s", owner, name)
	}
	return Repository{Owner: repo.GetOwner().GetLogin(), Name: repo.GetName()}, nil
}

// ListRunners returns every self-hosted runner registered to repo,
// following pagination.
func (c *Client) ListRunners(ctx context.Context, repo Repository) ([]Runner, error) {
	ctx, span := c.start(ctx, "githubapi.ListRunners", repo.Owner, repo.Name)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := &github.ListOptions{PerPage: 100}

	var out []Runner
	for {
		runners, resp, err := c.gh.Actions.ListRunners(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, wrap(resp, err, "list runners for %s", repo.FullName())
		}
		for _, r := range runners.Runners {
			out = append(out, Runner{
				ID:     r.GetID(),
				Name:   r.GetName(),
				Status: r.GetStatus(),
				Busy:   r.GetBusy(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	span.SetAttributes(attribute.Int("github.runners", len(out)))
	return out, nil
}

// RemoveRunner deregisters a runner from repo.
func (c *Client) RemoveRunner(ctx context.Context, repo Repository, runnerID int64) error {
	ctx, span := c.start(ctx, "githubapi.RemoveRunner", repo.Owner, repo.Name)
	defer span.End()
	span.SetAttributes(attribute.Int64("github.runner_id", runnerID))
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.gh.Actions.RemoveRunner(ctx, repo.Owner, repo.Name, runnerID)
	if err != nil {
		return wrap(resp, err, "remove runner %d from %s", runnerID, repo.FullName())
	}
	return nil
}

// GenerateJITConfig registers an ephemeral runner and returns its
// just-in-time configuration.  The runner id is known immediately.
func (c *Client) GenerateJITConfig(ctx context.Context, repo Repository, name string, labels []string) (JITConfig, error) {
	ctx, span := c.start(ctx, "githubapi.GenerateJITConfig", repo.Owner, repo.Name)
	defer span.End()
	span.SetAttributes(attribute.String("runner.name", name))
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	jit, resp, err := c.gh.Actions.GenerateRepoJITConfig(ctx, repo.Owner, repo.Name, &github.GenerateJITConfigRequest{
		Name:          name,
		RunnerGroupID: 1,
		Labels:        labels,
	})
	if err != nil {
		return JITConfig{}, wrap(resp, err, "generate jit config %s for %s", name, repo.FullName())
	}
	return JITConfig{
		Runner: Runner{
			ID:     jit.GetRunner().GetID(),
			Name:   jit.GetRunner().GetName(),
			Status: jit.GetRunner().GetStatus(),
		},
		EncodedConfig: jit.GetEncodedJITConfig(),
	}, nil
}

// CreateRegistrationToken returns a token a runner can use with
// config.sh to register itself to repo.
func (c *Client) CreateRegistrationToken(ctx context.Context, repo Repository) (string, error) {
	ctx, span := c.start(ctx, "githubapi.CreateRegistrationToken", repo.Owner, repo.Name)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tok, resp, err := c.gh.Actions.CreateRegistrationToken(ctx, repo.Owner, repo.Name)
	if err != nil {
		return "", wrap(resp, err, "create registration token for %s", repo.FullName())
	}
	return tok.GetToken(), nil
}

// ListWorkflowRuns lists workflow runs of repo, optionally filtered by
// status.
func (c *Client) ListWorkflowRuns(ctx context.Context, repo Repository, status string) ([]WorkflowRun, error) {
	ctx, span := c.start(ctx, "githubapi.ListWorkflowRuns", repo.Owner, repo.Name)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := &github.ListWorkflowRunsOptions{
		Status:      status,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []WorkflowRun
	for {
		runs, resp, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, wrap(resp, err, "list workflow runs for %s", repo.FullName())
		}
		for _, r := range runs.WorkflowRuns {
			out = append(out, WorkflowRun{ID: r.GetID(), Status: r.GetStatus(), Repository: repo})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetWorkflowRun fetches a single workflow run.
func (c *Client) GetWorkflowRun(ctx context.Context, repo Repository, runID int64) (WorkflowRun, error) {
	ctx, span := c.start(ctx, "githubapi.GetWorkflowRun", repo.Owner, repo.Name)
	defer span.End()
	span.SetAttributes(attribute.Int64("github.run_id", runID))
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	run, resp, err := c.gh.Actions.GetWorkflowRunByID(ctx, repo.Owner, repo.Name, runID)
	if err != nil {
		return WorkflowRun{}, wrap(resp, err, "get workflow run %d for %s", runID, repo.FullName())
	}
	return WorkflowRun{ID: run.GetID(), Status: run.GetStatus(), Repository: repo}, nil
}

// DownloadRunLogs returns the zip archive of a workflow run's logs.
func (c *Client) DownloadRunLogs(ctx context.Context, repo Repository, runID int64) ([]byte, error) {
	ctx, span := c.start(ctx, "githubapi.DownloadRunLogs", repo.Owner, repo.Name)
	defer span.End()
	span.SetAttributes(attribute.Int64("github.run_id", runID))
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	logURL, resp, err := c.gh.Actions.GetWorkflowRunLogs(ctx, repo.Owner, repo.Name, runID, maxLogRedirects)
	if err != nil {
		return nil, wrap(resp, err, "get log url for run %d of %s", runID, repo.FullName())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building log request: %w", err)
	}
	dl, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading logs for run %d: %w", runID, err)
	}
	defer dl.Body.Close()

	if dl.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("logs for run %d: %w", runID, ErrNotFound)
	}
	if dl.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading logs for run %d: unexpected status %s", runID, dl.Status)
	}

	data, err := io.ReadAll(dl.Body)
	if err != nil {
		return nil, fmt.Errorf("reading logs for run %d: %w", runID, err)
	}
	span.SetAttributes(attribute.Int("github.log_bytes", len(data)))
	return data, nil
}

func (c *Client) start(ctx context.Context, name, owner, repo string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("github.owner", owner),
		attribute.String("github.repo", repo),
	)
	return ctx, span
}

// wrap annotates err and maps 404 responses to ErrNotFound.
func wrap(resp *github.Response, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
