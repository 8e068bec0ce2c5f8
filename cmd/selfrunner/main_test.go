package main

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/selfrunner/internal/config"
	"github.com/terrpan/selfrunner/internal/coordinator"
	"github.com/terrpan/selfrunner/internal/githubapi"
)

type CommandSuite struct {
	suite.Suite
	dir  string
	path string
}

func (s *CommandSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.path = filepath.Join(s.dir, "selfrunner.yaml")
	flagOverrides = config.Config{}
}

func TestCommandSuite(t *testing.T) {
	suite.Run(t, new(CommandSuite))
}

func (s *CommandSuite) execute(args ...string) string {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", s.path}, args...))
	require.NoError(s.T(), rootCmd.Execute())
	return out.String()
}

func (s *CommandSuite) load() *config.Config {
	cfg, err := config.Load(s.path)
	require.NoError(s.T(), err)
	return cfg
}

func (s *CommandSuite) TestRegisterPAT() {
	out := s.execute("registerpat", "ghp_abc")

	assert.Contains(s.T(), out, "Token saved")
	assert.Equal(s.T(), "ghp_abc", s.load().GitHub.Token)
}

func (s *CommandSuite) TestRegisterPAT_MissingArgument() {
	out := s.execute("registerpat")

	assert.Contains(s.T(), out, "Usage")
	assert.NoFileExists(s.T(), s.path)
}

func (s *CommandSuite) TestRegisterServer_KeepsToken() {
	s.execute("registerpat", "ghp_abc")
	out := s.execute("registerserver", "s3cret", "img:1", "8080", s.dir)

	assert.Contains(s.T(), out, "Server settings saved")
	cfg := s.load()
	assert.Equal(s.T(), "ghp_abc", cfg.GitHub.Token)
	assert.Equal(s.T(), "s3cret", cfg.Webhook.Secret)
	assert.Equal(s.T(), "img:1", cfg.Runners.DefaultImage)
	assert.Equal(s.T(), 8080, cfg.Webhook.Port)
	assert.Equal(s.T(), s.dir, cfg.Runners.LogsDir)
}

func (s *CommandSuite) TestRegisterServer_InvalidPort() {
	out := s.execute("registerserver", "s3cret", "img:1", "http", s.dir)

	assert.Contains(s.T(), out, `Invalid port "http"`)
	assert.NoFileExists(s.T(), s.path)
}

func (s *CommandSuite) TestRegisterServer_MissingLogsDir() {
	out := s.execute("registerserver", "s3cret", "img:1", "8080", filepath.Join(s.dir, "nope"))

	assert.Contains(s.T(), out, "does not exist")
	assert.NoFileExists(s.T(), s.path)
}

func (s *CommandSuite) TestRemoveRunner_InvalidID() {
	out := s.execute("removerunner", "acme", "widgets", "abc")
	assert.Contains(s.T(), out, `Invalid runner id "abc"`)
}

func (s *CommandSuite) TestRemoveRunner_WrongArgumentCount() {
	out := s.execute("removerunner", "acme")
	assert.Contains(s.T(), out, "Usage")
}

func (s *CommandSuite) TestRemoveRunner_MissingToken() {
	out := s.execute("removerunner", "acme", "widgets")
	assert.Contains(s.T(), out, "registerpat")
}

func (s *CommandSuite) TestStartServer_MissingServerSettings() {
	s.execute("registerpat", "ghp_abc")
	out := s.execute("startserver")
	assert.Contains(s.T(), out, "registerserver")
}

func (s *CommandSuite) TestFillWorkflows_WrongArgumentCount() {
	out := s.execute("fillworkflows", "acme")
	assert.Contains(s.T(), out, "Usage")
}

func (s *CommandSuite) TestVersion() {
	out := s.execute("version")
	assert.Contains(s.T(), out, "selfrunner dev")
}

func TestApplyFlagOverrides(t *testing.T) {
	t.Cleanup(func() { flagOverrides = config.Config{} })

	cfg := &config.Config{
		GitHub:  config.GitHubConfig{Token: "from-file"},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
	}
	flagOverrides = config.Config{
		GitHub:  config.GitHubConfig{Token: "from-flag"},
		Runners: config.RunnersConfig{StateDir: "/tmp/state"},
		Engine:  config.EngineConfig{Type: "gcp"},
		Logging: config.LoggingConfig{Level: "debug"},
	}

	applyFlagOverrides(cfg)

	assert.Equal(t, "from-flag", cfg.GitHub.Token)
	assert.Equal(t, "/tmp/state", cfg.Runners.StateDir)
	assert.Equal(t, "gcp", cfg.Engine.Type)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestReport(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		want    string
		wantErr bool
	}{
		{name: "nil", err: nil},
		{name: "no runners", err: fmt.Errorf("acme/widgets: %w", coordinator.ErrNoRunners), want: "No Runners Found\n"},
		{name: "not found", err: fmt.Errorf("get repository: %w", githubapi.ErrNotFound), want: "Error: get repository: not found\n"},
		{name: "config", err: config.ErrConfigurationMissing, want: "Error: configuration missing\n"},
		{name: "other", err: errors.New("disk full"), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			err := report(&out, tc.err)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, out.String())
		})
	}
}
