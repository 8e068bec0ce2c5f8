// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine to run self-hosted GitHub Actions runners as VMs.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
//
// The boot image is expected to read the runner settings from instance
// metadata, run the runner container image named there, and power the
// VM off when the runner exits.  A powered-off VM is reported as a
// stopped runner.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/selfrunner/internal/engine"
)

// Metadata keys read by the runner VM's startup script.
const (
	metaJITConfig   = "ACTIONS_RUNNER_INPUT_JITCONFIG"
	metaToken       = "RUNNER_TOKEN"
	metaRepoURL     = "RUNNER_REPO_URL"
	metaLabels      = "RUNNER_LABELS"
	metaImage       = "RUNNER_CONTAINER_IMAGE"
	metaRunnerName  = "selfrunner-runner-name"
	labelManagedBy  = "selfrunner-managed-by"
	maxInstanceName = 63
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the VM boot image
	// (required).  The runner container image travels in metadata.
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string

	// PollInterval is how often WaitRunner checks instance status.
	// Default: 15s.
	PollInterval time.Duration
}

// operationWaiter is the part of *compute.Operation the engine uses.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the part of the Compute instances API the engine uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return r.c.Insert(ctx, req)
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return r.c.Delete(ctx, req)
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.c.Get(ctx, req)
}

func (r restInstances) List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error) {
	var out []*computepb.Instance
	it := r.c.List(ctx, req)
	for {
		inst, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
}

func (r restInstances) Close() error { return r.c.Close() }

// Engine manages GitHub Actions runners as GCP Compute Engine VMs.
type Engine struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	return newEngine(restInstances{c: client}, cfg, logger), nil
}

func newEngine(client instancesAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("selfrunner/engine/gcp"),
	}
}

// StartRunner creates and starts a VM for the runner.  Runner settings
// are passed via instance metadata so the startup script can read them.
func (e *Engine) StartRunner(ctx context.Context, spec engine.RunnerSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.StartRunner")
	defer span.End()

	name := InstanceName(spec.Name)
	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.machine_type", e.cfg.MachineType),
	)

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, e.cfg.MachineType)

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          &computepb.Metadata{Items: metadataItems(spec)},
		Labels:            map[string]string{labelManagedBy: engine.ManagedByValue},
	}

	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	e.logger.Info("creating runner VM",
		slog.String("name", name),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		// Best-effort cleanup of a half-created instance.
		_ = e.DestroyRunner(context.WithoutCancel(ctx), spec.Name)
		return "", fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	e.logger.Info("runner VM started",
		slog.String("name", name),
		slog.String("zone", e.cfg.Zone),
	)

	return name, nil
}

// WaitRunner polls the instance until it is powered off or deleted.
func (e *Engine) WaitRunner(ctx context.Context, name string) engine.Exit {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	seen := false
	for {
		inst, err := e.client.Get(ctx, &computepb.GetInstanceRequest{
			Project:  e.cfg.Project,
			Zone:     e.cfg.Zone,
			Instance: InstanceName(name),
		})
		switch {
		case isNotFound(err):
			if !seen {
				return engine.Exit{Code: -1, Err: engine.ErrNotFound}
			}
			return engine.Exit{Code: -1}
		case err != nil:
			e.logger.Warn("polling runner VM failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
		default:
			seen = true
			switch inst.GetStatus() {
			case "TERMINATED", "STOPPED", "SUSPENDED":
				return engine.Exit{Code: -1}
			}
		}

		select {
		case <-ctx.Done():
			return engine.Exit{Code: -1, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// RunnerExists reports whether the runner's VM exists.
func (e *Engine) RunnerExists(ctx context.Context, name string) (bool, error) {
	_, err := e.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: InstanceName(name),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get instance %s: %w", name, err)
	}
	return true, nil
}

// DestroyRunner permanently deletes the runner's VM.
// It is idempotent -- deleting an already-deleted VM is not an error.
func (e *Engine) DestroyRunner(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.DestroyRunner")
	defer span.End()

	id := InstanceName(name)
	span.SetAttributes(
		attribute.String("gcp.instance_name", id),
		attribute.String("gcp.zone", e.cfg.Zone),
	)

	e.logger.Info("destroying runner VM", slog.String("name", id))

	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted")
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	if err := op.Wait(ctx); err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait")
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", id, err)
	}

	e.logger.Info("runner VM destroyed", slog.String("name", id))
	return nil
}

// ListRunners returns the runner names of all VMs labelled as managed
// by selfrunner in the configured zone.
func (e *Engine) ListRunners(ctx context.Context) ([]string, error) {
	instances, err := e.client.List(ctx, &computepb.ListInstancesRequest{
		Project: e.cfg.Project,
		Zone:    e.cfg.Zone,
		Filter:  proto.String(fmt.Sprintf("labels.%s=%s", labelManagedBy, engine.ManagedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	names := make([]string, 0, len(instances))
	for _, inst := range instances {
		name := inst.GetName()
		for _, item := range inst.GetMetadata().GetItems() {
			if item.GetKey() == metaRunnerName {
				name = item.GetValue()
				break
			}
		}
		names = append(names, name)
	}
	return names, nil
}

// Close closes the API client.  VMs are left running.
func (e *Engine) Close() error {
	return e.client.Close()
}

// InstanceName maps a runner name onto a valid Compute Engine instance
// name: lowercase letters, digits and hyphens, starting with a letter,
// at most 63 characters.
func InstanceName(runnerName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(runnerName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := b.String()
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		name = "r-" + name
	}
	if len(name) > maxInstanceName {
		name = name[:maxInstanceName]
	}
	return strings.TrimRight(name, "-")
}

func metadataItems(spec engine.RunnerSpec) []*computepb.Items {
	item := func(k, v string) *computepb.Items {
		return &computepb.Items{Key: proto.String(k), Value: proto.String(v)}
	}

	items := []*computepb.Items{
		item(metaRunnerName, spec.Name),
		item(metaImage, spec.Image),
	}
	if spec.JITConfig != "" {
		return append(items, item(metaJITConfig, spec.JITConfig))
	}
	return append(items,
		item(metaToken, spec.RegistrationToken),
		item(metaRepoURL, spec.RepoURL),
		item(metaLabels, strings.Join(spec.Labels, ",")),
	)
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 404 {
		return true
	}
	// Wrapped errors do not always keep the googleapi type; fall back
	// to the formatted message.
	msg := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
