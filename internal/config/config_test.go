package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validServerConfig returns a minimal Config that passes ValidateServer()
// with the Docker engine.
func validServerConfig(logsDir string) *Config {
	return &Config{
		GitHub:  GitHubConfig{Token: "ghp_test_token"},
		Webhook: WebhookConfig{Secret: "s3cret", Port: 8080},
		Runners: RunnersConfig{
			DefaultImage: "ghcr.io/acme/runner:latest",
			LogsDir:      logsDir,
			StateDir:     filepath.Join(logsDir, "state"),
		},
	}
}

// validGCPConfig returns a minimal Config that passes
// ValidateCredentials() with the GCP engine.
func validGCPConfig() *Config {
	return &Config{
		GitHub: GitHubConfig{Token: "ghp_test_token"},
		Engine: EngineConfig{
			Type: "gcp",
			GCP: GCPEngineConfig{
				Project: "my-project",
				Zone:    "us-central1-a",
				Image:   "projects/my-project/global/images/runner",
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
	logsDir string
}

func (s *ConfigValidationSuite) SetupTest() {
	s.logsDir = s.T().TempDir()
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidateServer_Valid() {
	require.NoError(s.T(), validServerConfig(s.logsDir).ValidateServer())
}

func (s *ConfigValidationSuite) TestValidateCredentials_ValidGCP() {
	require.NoError(s.T(), validGCPConfig().ValidateCredentials())
}

// ---------------------------------------------------------------------------
// Missing settings
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidateCredentials_MissingToken() {
	cfg := validServerConfig(s.logsDir)
	cfg.GitHub.Token = ""

	err := cfg.ValidateCredentials()
	assert.ErrorIs(s.T(), err, ErrConfigurationMissing)
	assert.Contains(s.T(), err.Error(), "registerpat")
}

func (s *ConfigValidationSuite) TestValidateServer_MissingSettings() {
	cases := map[string]func(c *Config){
		"secret":     func(c *Config) { c.Webhook.Secret = "" },
		"image":      func(c *Config) { c.Runners.DefaultImage = "" },
		"port":       func(c *Config) { c.Webhook.Port = 0 },
		"logs unset": func(c *Config) { c.Runners.LogsDir = "" },
		"logs gone":  func(c *Config) { c.Runners.LogsDir = filepath.Join(s.logsDir, "missing") },
	}
	for name, mutate := range cases {
		s.Run(name, func() {
			cfg := validServerConfig(s.logsDir)
			mutate(cfg)
			assert.ErrorIs(s.T(), cfg.ValidateServer(), ErrConfigurationMissing)
		})
	}
}

func (s *ConfigValidationSuite) TestValidateServer_PortOutOfRange() {
	cfg := validServerConfig(s.logsDir)
	cfg.Webhook.Port = 70000

	err := cfg.ValidateServer()
	require.Error(s.T(), err)
	assert.NotErrorIs(s.T(), err, ErrConfigurationMissing)
}

func (s *ConfigValidationSuite) TestValidateLogsDir_File() {
	file := filepath.Join(s.logsDir, "file")
	require.NoError(s.T(), os.WriteFile(file, nil, 0o644))

	assert.ErrorIs(s.T(), ValidateLogsDir(file), ErrConfigurationMissing)
}

func (s *ConfigValidationSuite) TestValidateCredentials_EmptyLabel() {
	cfg := validServerConfig(s.logsDir)
	cfg.Runners.Labels = []string{"self-hosted", "  "}

	err := cfg.ValidateCredentials()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "runners.labels[1]")
}

// ---------------------------------------------------------------------------
// Engine validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_GCP_MissingFields() {
	for field, mutate := range map[string]func(c *Config){
		"project": func(c *Config) { c.Engine.GCP.Project = "" },
		"zone":    func(c *Config) { c.Engine.GCP.Zone = "" },
		"image":   func(c *Config) { c.Engine.GCP.Image = "" },
	} {
		s.Run(field, func() {
			cfg := validGCPConfig()
			mutate(cfg)
			err := cfg.ValidateCredentials()
			require.Error(s.T(), err)
			assert.Contains(s.T(), err.Error(), "engine.gcp."+field)
		})
	}
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedEngine() {
	cfg := validServerConfig(s.logsDir)
	cfg.Engine.Type = "ec2"

	err := cfg.ValidateCredentials()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "not supported")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), "docker", cfg.Engine.Type)
	assert.Equal(s.T(), "e2-medium", cfg.Engine.GCP.MachineType)
	assert.Equal(s.T(), int64(50), cfg.Engine.GCP.DiskSizeGB)
	require.NotNil(s.T(), cfg.Engine.GCP.PublicIP)
	assert.True(s.T(), *cfg.Engine.GCP.PublicIP)
	assert.Equal(s.T(), []string{"self-hosted"}, cfg.Runners.Labels)
	assert.NotEmpty(s.T(), cfg.Runners.StateDir)
	assert.Equal(s.T(), 30*time.Second, cfg.Timeouts.Remote)
	assert.Equal(s.T(), 5*time.Minute, cfg.Timeouts.Engine)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
}

func (s *ConfigValidationSuite) TestApplyDefaults_KeepsExplicitValues() {
	f := false
	cfg := &Config{
		Engine:   EngineConfig{Type: "gcp", GCP: GCPEngineConfig{PublicIP: &f}},
		Runners:  RunnersConfig{Labels: []string{"gpu"}, StateDir: "/var/lib/selfrunner"},
		Timeouts: TimeoutsConfig{Remote: time.Second},
	}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), "gcp", cfg.Engine.Type)
	assert.False(s.T(), *cfg.Engine.GCP.PublicIP)
	assert.Equal(s.T(), []string{"gpu"}, cfg.Runners.Labels)
	assert.Equal(s.T(), "/var/lib/selfrunner", cfg.Runners.StateDir)
	assert.Equal(s.T(), time.Second, cfg.Timeouts.Remote)
}

// ---------------------------------------------------------------------------
// Load / Save
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestLoad_MissingFileIsEmpty() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "nope.yaml"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), &Config{}, cfg)
}

func (s *ConfigValidationSuite) TestLoad_ParsesYAML() {
	path := filepath.Join(s.T().TempDir(), "selfrunner.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte(`
github:
  token: ghp_abc
webhook:
  secret: s3cret
  port: 9000
runners:
  default_image: img:1
  logs_dir: /tmp/logs
timeouts:
  remote: 10s
engine:
  type: gcp
  gcp:
    project: p
    poll_interval: 1m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "ghp_abc", cfg.GitHub.Token)
	assert.Equal(s.T(), 9000, cfg.Webhook.Port)
	assert.Equal(s.T(), "img:1", cfg.Runners.DefaultImage)
	assert.Equal(s.T(), 10*time.Second, cfg.Timeouts.Remote)
	assert.Equal(s.T(), "gcp", cfg.Engine.Type)
	assert.Equal(s.T(), time.Minute, cfg.Engine.GCP.PollInterval)
}

func (s *ConfigValidationSuite) TestLoad_InvalidYAML() {
	path := filepath.Join(s.T().TempDir(), "bad.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte("github: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(s.T(), err)
}

func (s *ConfigValidationSuite) TestSave_RoundTrip() {
	path := filepath.Join(s.T().TempDir(), "nested", "selfrunner.yaml")
	cfg := validServerConfig(s.logsDir)
	cfg.Runners.Labels = []string{"self-hosted", "linux"}
	cfg.Timeouts.Engine = 2 * time.Minute

	require.NoError(s.T(), cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), cfg, loaded)
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestNewGitHubClient() {
	cfg := validServerConfig(s.logsDir)
	cfg.ApplyDefaults()

	client, err := cfg.NewGitHubClient()
	require.NoError(s.T(), err)
	assert.NotNil(s.T(), client)
}

func (s *ConfigValidationSuite) TestNewLogger() {
	for _, format := range []string{"text", "json", "other"} {
		cfg := &Config{Logging: LoggingConfig{Level: "debug", Format: format}}
		assert.NotNil(s.T(), cfg.NewLogger())
	}
}

func (s *ConfigValidationSuite) TestSlogLevel() {
	for level, want := range map[string]string{
		"debug": "DEBUG", "warn": "WARN", "error": "ERROR", "info": "INFO", "": "INFO",
	} {
		cfg := &Config{Logging: LoggingConfig{Level: level}}
		assert.Equal(s.T(), want, cfg.slogLevel().String())
	}
}
