// Package config handles loading, validating, saving and applying the
// selfrunner configuration.  Configuration is read from a YAML file, can
// be overridden by CLI flags and is written by the register commands.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/selfrunner/internal/engine"
	"github.com/terrpan/selfrunner/internal/engine/docker"
	"github.com/terrpan/selfrunner/internal/engine/gcp"
	"github.com/terrpan/selfrunner/internal/githubapi"
)

// ErrConfigurationMissing is returned by the Validate methods when a
// setting a command needs has not been registered.
var ErrConfigurationMissing = errors.New("configuration missing")

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub   GitHubConfig   `yaml:"github"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Runners  RunnersConfig  `yaml:"runners"`
	Engine   EngineConfig   `yaml:"engine"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Logging  LoggingConfig  `yaml:"logging"`
	OTel     OTelConfig     `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds the API credentials.
type GitHubConfig struct {
	// Token is a personal access token with repository administration
	// scope.  Written by "registerpat".
	Token string `yaml:"token"`

	// BaseURL points at a GitHub Enterprise Server API (optional).
	BaseURL string `yaml:"base_url,omitempty"`
}

// ---------------------------------------------------------------------------
// Webhook server
// ---------------------------------------------------------------------------

// WebhookConfig configures "startserver".  Written by "registerserver".
type WebhookConfig struct {
	// Secret verifies the X-Hub-Signature-256 header of deliveries.
	Secret string `yaml:"secret"`

	// Port is the TCP port the webhook server listens on.
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Runners
// ---------------------------------------------------------------------------

// RunnersConfig holds runner and local state settings.
type RunnersConfig struct {
	// DefaultImage is used for repositories without a worker config.
	DefaultImage string `yaml:"default_image"`

	// Labels are added to every runner besides run-{id}.
	// Default: ["self-hosted"].
	Labels []string `yaml:"labels"`

	// LogsDir receives workflow run log archives.  Must exist.
	LogsDir string `yaml:"logs_dir"`

	// StateDir holds RegisteredRunners.json and ActionWorkerConfigs.json.
	// Default: <user cache dir>/selfrunner.
	StateDir string `yaml:"state_dir"`

	// SyncInterval and SyncAttempts control how long a non-ephemeral
	// runner is looked up after registering.  Default: 2s and 30.
	SyncInterval time.Duration `yaml:"sync_interval"`
	SyncAttempts int           `yaml:"sync_attempts"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "docker" or "gcp".  Default: "docker".
	Type string `yaml:"type"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPEngineConfig `yaml:"gcp"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// Dind enables Docker-in-Docker by bind-mounting the host's
	// Docker socket into each runner container.
	Dind bool `yaml:"dind"`

	// Network attaches runner containers to a named network (optional).
	Network string `yaml:"network"`
}

// GCPEngineConfig holds GCP Compute Engine engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the VM boot image
	// (required).  The runner container image comes from the worker
	// config and is passed to the VM in metadata.
	// Example: "projects/my-project/global/images/family/selfrunner-host"
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  A *bool distinguishes "not set" from false.
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string `yaml:"service_account"`

	// PollInterval is how often a runner VM's status is checked.
	// Default: 15s.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ---------------------------------------------------------------------------
// Timeouts
// ---------------------------------------------------------------------------

// TimeoutsConfig bounds calls to external systems.
type TimeoutsConfig struct {
	// Remote bounds each GitHub API call.  Default: 30s.
	Remote time.Duration `yaml:"remote"`

	// Engine bounds each engine call other than waiting.  Default: 5m.
	Engine time.Duration `yaml:"engine"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus serves metrics on /metrics of the webhook server.
	Prometheus bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading & saving
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields an empty Config; the register commands create it.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the configuration to path.  The file holds credentials and
// is created with mode 0600.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Engine.Type == "" {
		c.Engine.Type = "docker"
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.Network == "" {
		c.Engine.GCP.Network = "default"
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Engine.GCP.PollInterval == 0 {
		c.Engine.GCP.PollInterval = 15 * time.Second
	}
	if len(c.Runners.Labels) == 0 {
		c.Runners.Labels = []string{"self-hosted"}
	}
	if c.Runners.StateDir == "" {
		c.Runners.StateDir = defaultStateDir()
	}
	if c.Runners.SyncInterval == 0 {
		c.Runners.SyncInterval = 2 * time.Second
	}
	if c.Runners.SyncAttempts == 0 {
		c.Runners.SyncAttempts = 30
	}
	if c.Timeouts.Remote == 0 {
		c.Timeouts.Remote = 30 * time.Second
	}
	if c.Timeouts.Engine == 0 {
		c.Timeouts.Engine = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// Local collectors usually run without TLS.
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

func defaultStateDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".selfrunner"
	}
	return filepath.Join(dir, "selfrunner")
}

// ValidateCredentials checks what every command talking to GitHub and the
// engine needs: a token and a usable engine section.
func (c *Config) ValidateCredentials() error {
	c.ApplyDefaults()

	if c.GitHub.Token == "" {
		return fmt.Errorf("%w: github token is not set, register it with the 'registerpat' command", ErrConfigurationMissing)
	}
	for i, l := range c.Runners.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("runners.labels[%d] is empty", i)
		}
	}
	return c.validateEngine()
}

// ValidateServer checks everything "startserver" needs on top of
// ValidateCredentials.
func (c *Config) ValidateServer() error {
	if err := c.ValidateCredentials(); err != nil {
		return err
	}

	if c.Webhook.Secret == "" {
		return fmt.Errorf("%w: webhook secret is not set, register it with the 'registerserver' command", ErrConfigurationMissing)
	}
	if c.Runners.DefaultImage == "" {
		return fmt.Errorf("%w: default image is not set, register it with the 'registerserver' command", ErrConfigurationMissing)
	}
	if c.Webhook.Port == 0 {
		return fmt.Errorf("%w: webhook port is not set, register it with the 'registerserver' command", ErrConfigurationMissing)
	}
	if c.Webhook.Port < 0 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port %d is out of range", c.Webhook.Port)
	}
	return ValidateLogsDir(c.Runners.LogsDir)
}

// ValidateLogsDir checks that dir names an existing directory.
func ValidateLogsDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: logs directory is not set, register it with the 'registerserver' command", ErrConfigurationMissing)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: logs directory %q does not exist", ErrConfigurationMissing, dir)
	}
	return nil
}

func (c *Config) validateEngine() error {
	switch c.Engine.Type {
	case "docker":
		// OK
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Image == "" {
			return fmt.Errorf("engine.gcp.image is required when engine.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: docker, gcp)", c.Engine.Type)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewGitHubClient creates the GitHub API client from the token.
func (c *Config) NewGitHubClient() (*githubapi.Client, error) {
	return githubapi.New(githubapi.Config{
		Token:   c.GitHub.Token,
		Timeout: c.Timeouts.Remote,
		BaseURL: c.GitHub.BaseURL,
	})
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "docker":
		return docker.New(ctx, docker.Config{
			Dind:    c.Engine.Docker.Dind,
			Network: c.Engine.Docker.Network,
		}, logger.WithGroup("engine.docker"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.GCP.Project,
			Zone:           c.Engine.GCP.Zone,
			MachineType:    c.Engine.GCP.MachineType,
			Image:          c.Engine.GCP.Image,
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
			PollInterval:   c.Engine.GCP.PollInterval,
		}, logger.WithGroup("engine.gcp"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}
