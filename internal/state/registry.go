// Package state holds the durable local state of selfrunner: the
// registry of live runners and the per-repository worker image
// overrides.  Both collections are kept as ordered in-memory tables and
// rewritten in full to JSON documents after every mutation.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrStateCorrupt is returned by Load when a state document exists but
// cannot be parsed.  There is no automatic repair.
var ErrStateCorrupt = errors.New("state file is corrupt")

// RegisteredRunnersFile is the registry document name inside the state
// directory.
const RegisteredRunnersFile = "RegisteredRunners.json"

// RegisteredRunner is one live runner bound to a remote registration id
// and a workload in the engine.
type RegisteredRunner struct {
	RepoOwner  string `json:"RepoOwner"`
	RepoName   string `json:"RepoName"`
	RunnerID   int64  `json:"RunnerID"`
	RunnerName string `json:"RunnerName"`
}

type runnerKey struct {
	owner string
	repo  string
	id    int64
}

func (r RegisteredRunner) key() runnerKey {
	return runnerKey{owner: r.RepoOwner, repo: r.RepoName, id: r.RunnerID}
}

type registryDocument struct {
	RegisteredRunners []RegisteredRunner `json:"RegisteredRunners"`
}

// Registry is the set of currently-live runners.  Lookups go through a
// map keyed by (owner, repo, runner id); order tracks insertion so the
// persisted document and List stay stable.
//
// Registry is not safe for concurrent use on its own; Store serializes
// access to it.
type Registry struct {
	path    string
	order   []runnerKey
	entries map[runnerKey]RegisteredRunner
}

// NewRegistry returns an empty registry persisted at path.
func NewRegistry(path string) *Registry {
	return &Registry{
		path:    path,
		entries: make(map[runnerKey]RegisteredRunner),
	}
}

// Load reads the registry document.  A missing file is initialized with
// an empty document and written out.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.reset()
			return r.Save()
		}
		return fmt.Errorf("reading registry %s: %w", r.path, err)
	}

	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStateCorrupt, r.path, err)
	}

	r.reset()
	for _, rr := range doc.RegisteredRunners {
		r.Add(rr)
	}
	return nil
}

// Save overwrites the registry document with the current contents.
// The write is not crash-atomic.
func (r *Registry) Save() error {
	doc := registryDocument{RegisteredRunners: r.List()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("writing registry %s: %w", r.path, err)
	}
	return nil
}

// Add records a runner.  Uniqueness is the caller's concern: adding a
// runner whose (owner, repo, id) is already present replaces that entry
// in place.
func (r *Registry) Add(rr RegisteredRunner) {
	k := rr.key()
	if _, ok := r.entries[k]; !ok {
		r.order = append(r.order, k)
	}
	r.entries[k] = rr
}

// Remove deletes the entry with the same repository and runner id whose
// name also matches.  It reports whether an entry was removed.
func (r *Registry) Remove(rr RegisteredRunner) bool {
	k := rr.key()
	existing, ok := r.entries[k]
	if !ok || existing.RunnerName != rr.RunnerName {
		return false
	}
	delete(r.entries, k)
	for i, ck := range r.order {
		if ck == k {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// FindByName returns the registered runner with the given name in a
// repository.
func (r *Registry) FindByName(owner, repo, name string) (RegisteredRunner, bool) {
	for _, k := range r.order {
		rr := r.entries[k]
		if rr.RepoOwner == owner && rr.RepoName == repo && rr.RunnerName == name {
			return rr, true
		}
	}
	return RegisteredRunner{}, false
}

// List returns a copy of all entries in insertion order.
func (r *Registry) List() []RegisteredRunner {
	out := make([]RegisteredRunner, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.entries[k])
	}
	return out
}

// Len returns the number of registered runners.
func (r *Registry) Len() int { return len(r.order) }

// replace swaps the contents for entries, keeping their order.
func (r *Registry) replace(entries []RegisteredRunner) {
	r.reset()
	for _, rr := range entries {
		r.Add(rr)
	}
}

func (r *Registry) reset() {
	r.order = nil
	r.entries = make(map[runnerKey]RegisteredRunner)
}
