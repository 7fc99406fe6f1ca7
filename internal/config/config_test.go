package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 120, cfg.Queue.LeaseSeconds)
	require.Equal(t, 3, cfg.Queue.DefaultMaxAttempts)
	require.Equal(t, 4, cfg.Worker.CollectConcurrency)
	require.Equal(t, "*/5 * * * *", cfg.Scheduler.Spec)
	require.Equal(t, time.Hour, cfg.DefaultEvery())
	require.Equal(t, 2*time.Minute, cfg.Lease())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
queue:
  lease_seconds: 300
collector:
  platform_intervals:
    twitter: 5
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 300, cfg.Queue.LeaseSeconds)
	require.Equal(t, 5*time.Second, cfg.PlatformIntervals()["twitter"])
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("INGESTD_SERVER_PORT", "7070")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Server.Port = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Auth.Enabled = true
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Worker.HeartbeatSeconds = 100
	require.Error(t, bad.Validate())

	bad = cfg
	bad.PubSub.TopicName = "records"
	require.Error(t, bad.Validate())
}
