package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/rulesflow/storage"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rulesflow.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := load("", env(nil))
	require.NoError(t, err)

	assert.Equal(t, storage.BackendLocal, cfg.Storage.Backend)
	assert.Equal(t, "queue", cfg.Storage.Layout.Queue)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 5*time.Second, cfg.Retry.Delay)
	assert.Equal(t, 3, cfg.Workflow.MaxChecks)
	assert.Equal(t, 1800*time.Second, cfg.Workflow.LockTTL)
	assert.Equal(t, 60*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 8, cfg.Monitor.Workers)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoadYAMLFile(t *testing.T) {
	p := writeFile(t, `
storage:
  backend: sftp
  sftp:
    host: files.internal
    port: 2222
    username: engine
  layout:
    queue: inbox
retry:
  attempts: 5
  delay: 250ms
monitor:
  interval: 30s
  workers: 2
  engine_url: http://engine:9090
log:
  level: debug
`)

	cfg, err := load(p, env(nil))
	require.NoError(t, err)

	assert.Equal(t, storage.BackendSFTP, cfg.Storage.Backend)
	assert.Equal(t, "files.internal", cfg.Storage.SFTP.Host)
	assert.Equal(t, 2222, cfg.Storage.SFTP.Port)
	assert.Equal(t, "inbox", cfg.Storage.Layout.Queue)
	assert.Equal(t, "results", cfg.Storage.Layout.Results, "unset keys keep their defaults")
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.Delay)
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 2, cfg.Monitor.Workers)
	assert.Equal(t, 3, cfg.Monitor.Attempts)
	assert.Equal(t, "http://engine:9090", cfg.Monitor.EngineURL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	p := writeFile(t, "server:\n  port: 9000\nredis:\n  addr: cache:6379\n")

	cfg, err := load(p, env(map[string]string{
		"PORT":            "7000",
		"REDIS_DB":        "4",
		"DATABASE_URL":    "postgres://localhost/rules",
		"RETRY_DELAY":     "2s",
		"OTEL_ENABLED":    "true",
		"ENGINE_URL":      "",
		"STORAGE_BACKEND": "s3",
		"S3_BUCKET":       "transactions",
	}))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Redis.DB)
	assert.Equal(t, "postgres://localhost/rules", cfg.Database.URL)
	assert.Equal(t, 2*time.Second, cfg.Retry.Delay)
	assert.True(t, cfg.Log.OTEL)
	assert.Equal(t, "http://localhost:8080", cfg.Monitor.EngineURL, "empty variables are ignored")
	assert.Equal(t, storage.BackendS3, cfg.Storage.Backend)
	assert.Equal(t, "transactions", cfg.Storage.S3.Bucket)
}

func TestLoadErrors(t *testing.T) {
	testCases := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{"bad port variable", "", map[string]string{"PORT": "http"}, "invalid PORT"},
		{"bad duration variable", "", map[string]string{"RETRY_DELAY": "soon"}, "invalid RETRY_DELAY"},
		{"malformed yaml", "retry: [", nil, "failed to parse config file"},
		{"sftp without host", "storage:\n  backend: sftp\n", nil, "storage.sftp.host is required"},
		{"s3 without bucket", "", map[string]string{"STORAGE_BACKEND": "s3"}, "storage.s3.bucket is required"},
		{"unknown backend", "storage:\n  backend: ftp\n", nil, "unsupported storage backend"},
		{"shared roots", "storage:\n  layout:\n    failed: queue\n", nil, "share root"},
		{"no workers", "monitor:\n  workers: 0\n", nil, "monitor.workers"},
		{"relative engine url", "", map[string]string{"ENGINE_URL": "engine:8080"}, "monitor.engine_url"},
		{"unknown log level", "", map[string]string{"LOG_LEVEL": "loud"}, "unknown log level"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := ""
			if tc.file != "" {
				p = writeFile(t, tc.file)
			}
			_, err := load(p, env(tc.env))
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Retry.Attempts = 0
	cfg.Workflow.MaxChecks = 0
	cfg.Server.Port = 70000

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "retry.attempts")
	assert.ErrorContains(t, err, "workflow.max_checks")
	assert.ErrorContains(t, err, "server.port")
}

func TestDerivedSettings(t *testing.T) {
	cfg := Default()
	cfg.Workflow.MaxChecks = 7
	cfg.Workflow.FollowUps = 1
	cfg.Workflow.FollowUpDelay = time.Second

	wf := cfg.WorkflowSettings()
	assert.Equal(t, 7, wf.MaxChecks)
	assert.Equal(t, cfg.Storage.Layout, wf.Layout)

	d := cfg.DispatcherSettings()
	assert.Equal(t, 1, d.FollowUps)
	assert.Equal(t, time.Second, d.FollowUpDelay)

	assert.Len(t, cfg.StorageOptions(nil), 3)
}
