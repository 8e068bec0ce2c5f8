package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/selfrunner/internal/githubapi"
	"github.com/terrpan/selfrunner/internal/state"
)

// RemoveRunnerByID deregisters one runner of owner/name, then removes its
// registry entry and workload.  When the remote removal fails nothing
// else is touched.
func (c *Coordinator) RemoveRunnerByID(ctx context.Context, owner, name string, runnerID int64) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.RemoveRunnerByID")
	defer span.End()
	span.SetAttributes(
		attribute.String("github.repo", owner+"/"+name),
		attribute.Int64("runner.id", runnerID),
	)

	repo, remote, err := c.remoteRunners(ctx, owner, name)
	if err != nil {
		return err
	}

	var target *githubapi.Runner
	for i := range remote {
		if remote[i].ID == runnerID {
			target = &remote[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("runner %d in %s: %w", runnerID, repo.FullName(), ErrRunnerNotFound)
	}

	if err := c.gh.RemoveRunner(ctx, repo, target.ID); err != nil {
		return fmt.Errorf("removing runner %s (%d): %w", target.Name, target.ID, err)
	}

	rr := state.RegisteredRunner{RepoOwner: repo.Owner, RepoName: repo.Name, RunnerID: target.ID, RunnerName: target.Name}
	err = c.store.Update(func(t state.Tables) error {
		t.Runners.Remove(rr)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persisting registry: %w", err)
	}

	if err := c.destroyIfExists(ctx, target.Name); err != nil {
		return err
	}

	c.countRemoved(ctx, 1)
	c.logger.Info("removed runner",
		slog.String("repo", repo.FullName()),
		slog.String("runner", target.Name),
		slog.Int64("id", target.ID),
	)
	return nil
}

// RemoveRepoRunners deregisters every runner of owner/name.  A runner
// whose remote removal fails is reported and left in place; the others
// are removed from the registry and the engine.  The registry is written
// once at the end.
func (c *Coordinator) RemoveRepoRunners(ctx context.Context, owner, name string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.RemoveRepoRunners")
	defer span.End()
	span.SetAttributes(attribute.String("github.repo", owner+"/"+name))

	repo, remote, err := c.remoteRunners(ctx, owner, name)
	if err != nil {
		return err
	}

	var (
		errs    []error
		removed []state.RegisteredRunner
	)
	for _, r := range remote {
		if err := c.gh.RemoveRunner(ctx, repo, r.ID); err != nil {
			c.logger.Error("removing runner failed",
				slog.String("repo", repo.FullName()),
				slog.String("runner", r.Name),
				slog.Int64("id", r.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("removing runner %s (%d): %w", r.Name, r.ID, err))
			continue
		}

		removed = append(removed, state.RegisteredRunner{
			RepoOwner: repo.Owner, RepoName: repo.Name, RunnerID: r.ID, RunnerName: r.Name,
		})
		if err := c.destroyIfExists(ctx, r.Name); err != nil {
			c.logger.Warn("removing workload failed",
				slog.String("runner", r.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
		c.logger.Info("removed runner",
			slog.String("repo", repo.FullName()),
			slog.String("runner", r.Name),
			slog.Int64("id", r.ID),
		)
	}

	if err := c.store.Update(func(t state.Tables) error {
		for _, rr := range removed {
			t.Runners.Remove(rr)
		}
		return nil
	}); err != nil {
		errs = append(errs, fmt.Errorf("persisting registry: %w", err))
	}

	c.countRemoved(ctx, len(removed))
	return errors.Join(errs...)
}

// RemoveRegisteredRunners reconciles every registry entry away: each
// runner is deregistered remotely if GitHub still knows it, dropped from
// the registry and its workload removed if present.  The three removals
// are attempted independently and their failures joined.
//
// When a repository's runner list cannot be fetched, removal is tried
// anyway; an entry is kept only if that removal fails for a reason other
// than the runner being gone.  Managed workloads with no registry entry
// are removed last.
func (c *Coordinator) RemoveRegisteredRunners(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.RemoveRegisteredRunners")
	defer span.End()

	entries := c.store.Runners()
	span.SetAttributes(attribute.Int("registry.size", len(entries)))

	type repoKey struct{ owner, name string }
	// A nil set means the remote list is unknown.
	remoteByRepo := make(map[repoKey]map[int64]bool)

	var (
		errs    []error
		removed []state.RegisteredRunner
	)
	for _, rr := range entries {
		logger := c.logger.With(
			slog.String("repo", rr.RepoOwner+"/"+rr.RepoName),
			slog.String("runner", rr.RunnerName),
			slog.Int64("id", rr.RunnerID),
		)
		repo := githubapi.Repository{Owner: rr.RepoOwner, Name: rr.RepoName}

		key := repoKey{rr.RepoOwner, rr.RepoName}
		known, ok := remoteByRepo[key]
		if !ok {
			runners, err := c.gh.ListRunners(ctx, repo)
			if err != nil {
				logger.Error("listing remote runners failed", slog.String("error", err.Error()))
				errs = append(errs, fmt.Errorf("listing runners of %s: %w", repo.FullName(), err))
			} else {
				known = make(map[int64]bool, len(runners))
				for _, r := range runners {
					known[r.ID] = true
				}
			}
			remoteByRepo[key] = known
		}

		drop := true
		switch {
		case known == nil:
			err := c.gh.RemoveRunner(ctx, repo, rr.RunnerID)
			if err != nil && !errors.Is(err, githubapi.ErrNotFound) {
				logger.Error("remote removal failed, keeping registry entry", slog.String("error", err.Error()))
				errs = append(errs, fmt.Errorf("removing runner %s (%d): %w", rr.RunnerName, rr.RunnerID, err))
				drop = false
			}
		case known[rr.RunnerID]:
			if err := c.gh.RemoveRunner(ctx, repo, rr.RunnerID); err != nil {
				logger.Error("remote removal failed", slog.String("error", err.Error()))
				errs = append(errs, fmt.Errorf("removing runner %s (%d): %w", rr.RunnerName, rr.RunnerID, err))
			}
		default:
			logger.Info("runner not registered remotely")
		}
		if drop {
			removed = append(removed, rr)
		}

		if err := c.destroyIfExists(ctx, rr.RunnerName); err != nil {
			logger.Error("removing workload failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := c.store.Update(func(t state.Tables) error {
		for _, rr := range removed {
			t.Runners.Remove(rr)
		}
		return nil
	}); err != nil {
		errs = append(errs, fmt.Errorf("persisting registry: %w", err))
	}

	registered := make(map[string]bool, len(entries))
	for _, rr := range entries {
		registered[rr.RunnerName] = true
	}
	if err := c.removeOrphanWorkloads(ctx, registered); err != nil {
		errs = append(errs, err)
	}

	c.countRemoved(ctx, len(removed))
	c.logger.Info("removed registered runners",
		slog.Int("count", len(removed)),
		slog.Int("kept", len(entries)-len(removed)),
	)
	return errors.Join(errs...)
}

// removeOrphanWorkloads destroys managed workloads whose runner name is
// not in registered.
func (c *Coordinator) removeOrphanWorkloads(ctx context.Context, registered map[string]bool) error {
	listCtx, cancel := context.WithTimeout(ctx, c.engineTimeout)
	names, err := c.engine.ListRunners(listCtx)
	cancel()
	if err != nil {
		c.logger.Error("listing workloads failed", slog.String("error", err.Error()))
		return fmt.Errorf("listing workloads: %w", err)
	}

	var errs []error
	for _, name := range names {
		if registered[name] {
			continue
		}
		c.logger.Info("removing orphan workload", slog.String("runner", name))
		destroyCtx, cancel := context.WithTimeout(ctx, c.engineTimeout)
		err := c.engine.DestroyRunner(destroyCtx, name)
		cancel()
		if err != nil {
			c.logger.Error("removing orphan workload failed",
				slog.String("runner", name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("removing workload %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// remoteRunners resolves the repository and lists its runners.  An
// empty list yields ErrNoRunners.
func (c *Coordinator) remoteRunners(ctx context.Context, owner, name string) (githubapi.Repository, []githubapi.Runner, error) {
	repo, err := c.gh.GetRepository(ctx, owner, name)
	if err != nil {
		return githubapi.Repository{}, nil, fmt.Errorf("resolve repository %s/%s: %w", owner, name, err)
	}

	runners, err := c.gh.ListRunners(ctx, repo)
	if err != nil {
		return repo, nil, err
	}
	if len(runners) == 0 {
		c.logger.Info("No Runners Found", slog.String("repo", repo.FullName()))
		return repo, nil, ErrNoRunners
	}
	return repo, runners, nil
}

func (c *Coordinator) destroyIfExists(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.engineTimeout)
	defer cancel()

	exists, err := c.engine.RunnerExists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking workload %s: %w", name, err)
	}
	if !exists {
		return nil
	}
	if err := c.engine.DestroyRunner(ctx, name); err != nil {
		return fmt.Errorf("removing workload %s: %w", name, err)
	}
	return nil
}

func (c *Coordinator) countRemoved(ctx context.Context, n int) {
	if c.runnersDestroyed != nil && n > 0 {
		c.runnersDestroyed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", "removed")))
	}
}
