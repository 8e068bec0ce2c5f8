package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ActionWorkerConfigsFile is the worker config document name inside the
// state directory.
const ActionWorkerConfigsFile = "ActionWorkerConfigs.json"

// WorkerConfig overrides the container image used for runners of one
// repository.
type WorkerConfig struct {
	RepoOwner      string `json:"RepoOwner"`
	RepoName       string `json:"RepoName"`
	ContainerImage string `json:"ContainerImage"`
}

type repoKey struct {
	owner string
	repo  string
}

type workerConfigDocument struct {
	ActionWorkerConfigs []WorkerConfig `json:"ActionWorkerConfigs"`
}

// ConfigStore is the per-repository image override table.  At most one
// config exists per (owner, repo).
type ConfigStore struct {
	path    string
	configs []WorkerConfig
}

// NewConfigStore returns an empty store persisted at path.
func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

// Load reads the worker config document, creating an empty one when it
// does not exist yet.
func (s *ConfigStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.configs = nil
			return s.Save()
		}
		return fmt.Errorf("reading worker configs %s: %w", s.path, err)
	}

	var doc workerConfigDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStateCorrupt, s.path, err)
	}

	s.configs = nil
	for _, c := range doc.ActionWorkerConfigs {
		s.AddOrReplace(c)
	}
	return nil
}

// Save overwrites the worker config document.
func (s *ConfigStore) Save() error {
	doc := workerConfigDocument{ActionWorkerConfigs: s.List()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding worker configs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing worker configs %s: %w", s.path, err)
	}
	return nil
}

// AddOrReplace appends cfg, first dropping any config for the same
// repository so a lookup always sees the latest image.
func (s *ConfigStore) AddOrReplace(cfg WorkerConfig) {
	k := repoKey{cfg.RepoOwner, cfg.RepoName}
	for i, c := range s.configs {
		if (repoKey{c.RepoOwner, c.RepoName}) == k {
			s.configs = append(s.configs[:i], s.configs[i+1:]...)
			break
		}
	}
	s.configs = append(s.configs, cfg)
}

// Lookup returns the config for a repository.  On a miss the caller
// supplies the process default image.
func (s *ConfigStore) Lookup(owner, repo string) (WorkerConfig, bool) {
	for _, c := range s.configs {
		if c.RepoOwner == owner && c.RepoName == repo {
			return c, true
		}
	}
	return WorkerConfig{}, false
}

// List returns a copy of all configs in order.
func (s *ConfigStore) List() []WorkerConfig {
	out := make([]WorkerConfig, len(s.configs))
	copy(out, s.configs)
	return out
}

func (s *ConfigStore) replace(configs []WorkerConfig) {
	s.configs = configs
}
