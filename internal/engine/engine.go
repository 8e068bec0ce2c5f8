// Package engine defines the abstraction for compute backends that run
// self-hosted GitHub Actions runners.  Each backend (Docker, GCP, etc.)
// implements the Engine interface so the coordinator stays
// compute-agnostic.
package engine

import (
	"context"
	"errors"
	"strings"
)

// ManagedByLabel marks every workload selfrunner creates so List only
// returns our own runners.
const (
	ManagedByLabel = "selfrunner.managed-by"
	ManagedByValue = "selfrunner"
	RunnerLabel    = "selfrunner.runner-name"
)

// ErrNotFound is returned by Wait when the workload does not exist.
var ErrNotFound = errors.New("runner workload not found")

// RunnerSpec describes one runner workload.
//
// Exactly one of JITConfig or RegistrationToken is set.  With a JIT
// configuration the runner is ephemeral and needs no further
// configuration; with a registration token the workload runs config.sh
// against RepoURL first.
type RunnerSpec struct {
	// Name is the runner registration name and, after normalization by
	// the backend, the workload name.
	Name string

	// Image is the container image (Docker) or the image the runner VM
	// pulls and runs (GCP).
	Image string

	JITConfig string

	RegistrationToken string
	RepoURL           string
	Labels            []string
}

// Exit describes how a runner workload stopped.
type Exit struct {
	// Code is the process exit code, or -1 when unknown.
	Code int64
	// Err is set when waiting failed rather than the workload exiting.
	Err error
}

// Engine is the contract every compute backend must satisfy.
//
// The lifecycle of a workload is:
//
//	StartRunner → running → (runner exits) → WaitRunner returns → DestroyRunner
//
// Workloads are addressed by runner name; backends map the name to
// their own resource name (container name, instance name).
type Engine interface {
	// StartRunner provisions and starts the workload described by spec.
	// On failure no workload is left behind.
	StartRunner(ctx context.Context, spec RunnerSpec) (id string, err error)

	// WaitRunner blocks until the named workload stops or ctx is done.
	WaitRunner(ctx context.Context, name string) Exit

	// RunnerExists reports whether a workload exists for name.
	RunnerExists(ctx context.Context, name string) (bool, error)

	// DestroyRunner permanently removes the named workload.  It must be
	// idempotent: destroying a missing workload is not an error.
	DestroyRunner(ctx context.Context, name string) error

	// ListRunners returns the runner names of all managed workloads.
	ListRunners(ctx context.Context) ([]string, error)

	// Close releases backend clients.  It never destroys runners.
	Close() error
}

// ContainerName normalizes a runner name for use as a Docker container
// name.
func ContainerName(runnerName string) string {
	return strings.ToLower(runnerName)
}
