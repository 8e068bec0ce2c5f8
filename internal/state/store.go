package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// Tables is the view of local state handed to Store callbacks.
type Tables struct {
	Runners *Registry
	Configs *ConfigStore
}

// Store owns the registry and the worker config table together with the
// single process-wide lock that serializes every mutation and write.
// Mutating in memory and persisting happen inside one critical section
// so concurrent updates never lose each other or tear a file.
type Store struct {
	mu      sync.Mutex
	runners *Registry
	configs *ConfigStore
}

// Open loads (or initializes) both state documents from dir.
func Open(dir string) (*Store, error) {
	s := &Store{
		runners: NewRegistry(filepath.Join(dir, RegisteredRunnersFile)),
		configs: NewConfigStore(filepath.Join(dir, ActionWorkerConfigsFile)),
	}
	if err := s.runners.Load(); err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	if err := s.configs.Load(); err != nil {
		return nil, fmt.Errorf("loading worker configs: %w", err)
	}
	return s, nil
}

// Update runs fn under the lock and then persists both documents.  When
// fn or the write fails, the in-memory tables are rolled back to their
// state before fn ran and the error is returned.
func (s *Store) Update(fn func(t Tables) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runners, configs := s.runners.List(), s.configs.List()
	if err := fn(Tables{Runners: s.runners, Configs: s.configs}); err != nil {
		s.runners.replace(runners)
		s.configs.replace(configs)
		return err
	}
	if err := s.saveLocked(); err != nil {
		s.runners.replace(runners)
		s.configs.replace(configs)
		return err
	}
	return nil
}

// View runs fn under the lock without persisting.  fn must not mutate.
func (s *Store) View(fn func(t Tables)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(Tables{Runners: s.runners, Configs: s.configs})
}

// Save persists both documents.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Runners returns a snapshot of the registry.
func (s *Store) Runners() []RegisteredRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners.List()
}

// RunnerCount returns the number of registered runners.
func (s *Store) RunnerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners.Len()
}

// WorkerConfigs returns a snapshot of the worker config table.
func (s *Store) WorkerConfigs() []WorkerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs.List()
}

// ResolveImage returns the configured image for a repository.  On a miss
// a WorkerConfig with defaultImage is created and persisted.
func (s *Store) ResolveImage(owner, repo, defaultImage string) (image string, created bool, err error) {
	err = s.Update(func(t Tables) error {
		if cfg, ok := t.Configs.Lookup(owner, repo); ok {
			image = cfg.ContainerImage
			return errUnchanged
		}
		t.Configs.AddOrReplace(WorkerConfig{RepoOwner: owner, RepoName: repo, ContainerImage: defaultImage})
		image, created = defaultImage, true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	return image, created, err
}

// errUnchanged short-circuits Update when there is nothing to persist.
var errUnchanged = errors.New("unchanged")

func (s *Store) saveLocked() error {
	if err := s.runners.Save(); err != nil {
		return err
	}
	return s.configs.Save()
}
