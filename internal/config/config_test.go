package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// An empty cwd keeps a developer's foreman.yaml out of the test.
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10.0, cfg.Server.RateLimit)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "structured", cfg.Logging.Profile)

	assert.Equal(t, "sqlite", cfg.Queue.Backend)
	assert.Equal(t, 720*time.Hour, cfg.Queue.Retention)
	assert.NotEmpty(t, cfg.Queue.Path)

	assert.Equal(t, "main", cfg.Workspace.BaseBranch)
	assert.Equal(t, "foreman", cfg.Workspace.BranchPrefix)
	assert.NotEmpty(t, cfg.Workspace.Root)

	assert.Equal(t, "foreman-worker", cfg.Worker.Command)
	assert.Equal(t, 2, cfg.Orchestrator.Workers)
	assert.True(t, cfg.Orchestrator.AutoCommit)
	assert.False(t, cfg.Orchestrator.AutoPublish)
	assert.Equal(t, "main", cfg.Orchestrator.ReviewBase)

	assert.Equal(t, "none", cfg.Artifact.Backend)
	assert.Equal(t, "foreman", cfg.Artifact.Prefix)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
queue:
  backend: file
  path: /var/lib/foreman/queue
workspace:
  source_repo: /srv/git/widgets.git
orchestrator:
  workers: 4
  auto_publish: true
  review_repo: acme/widgets
`), 0o644))

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Queue.Backend)
	assert.Equal(t, "/var/lib/foreman/queue", cfg.Queue.Path)
	assert.Equal(t, "/srv/git/widgets.git", cfg.Workspace.SourceRepo)
	assert.Equal(t, 4, cfg.Orchestrator.Workers)
	assert.True(t, cfg.Orchestrator.AutoPublish)
	assert.Equal(t, "acme/widgets", cfg.Orchestrator.ReviewRepo)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_SERVER_PORT", "7070")
	t.Setenv("FOREMAN_QUEUE_BACKEND", "memory")
	t.Setenv("FOREMAN_LOGGING_LEVEL", "debug")

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	writeConfig := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "foreman.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	t.Run("unknown queue backend", func(t *testing.T) {
		_, err := Load(context.Background(), writeConfig(t, "queue:\n  backend: carrier-pigeon\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue backend")
	})

	t.Run("unknown artifact backend", func(t *testing.T) {
		_, err := Load(context.Background(), writeConfig(t, "artifact:\n  backend: tape\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "artifact backend")
	})

	t.Run("s3 requires bucket", func(t *testing.T) {
		_, err := Load(context.Background(), writeConfig(t, "artifact:\n  backend: s3\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket")
	})

	t.Run("bad port", func(t *testing.T) {
		_, err := Load(context.Background(), writeConfig(t, "server:\n  port: 99999\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "port")
	})
}
