package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
job:
  name: census2026
  seeds: ["https://example.gov/"]
  output_dir: /data/census2026
  initial_workers: 8
container:
  image: govwarc/site-crawler:2.1
  runtime_bin: podman
  stop_grace_seconds: 45
monitor:
  poll_interval_seconds: 15
  stall_timeout_minutes: 20
  error_threshold_timeout: 5
adapt:
  rotation_enabled: true
  rotate_cmd: "vpnctl rotate"
  rotation_interval_minutes: 7
stages:
  max_attempts: 5
  backoff_seconds: 10
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(nil, path)
	require.NoError(t, err)

	require.Equal(t, "census2026", cfg.Job.Name)
	require.Equal(t, []string{"https://example.gov/"}, cfg.Job.Seeds)
	require.Equal(t, 8, cfg.Job.InitialWorkers)
	require.Equal(t, "podman", cfg.Container.RuntimeBin)
	require.Equal(t, 45*time.Second, cfg.Container.StopGrace())
	require.Equal(t, 15*time.Second, cfg.Monitor.PollInterval())
	require.Equal(t, 20*time.Minute, cfg.Monitor.StallTimeout())
	require.Equal(t, 5, cfg.Monitor.ErrorThresholdTimeout)
	require.Equal(t, 7*time.Minute, cfg.Adapt.RotationInterval())
	require.Equal(t, 5, cfg.Stages.MaxAttempts)
	require.Equal(t, 10*time.Second, cfg.Stages.Backoff())

	// Defaults survive untouched sections.
	require.True(t, cfg.Monitor.Enabled)
	require.Equal(t, 25, cfg.Monitor.ErrorThresholdHTTP)
	require.Equal(t, 3, cfg.Adapt.MaxVPNRotations)
}

func TestLoadRejectsMissingJobName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("job:\n  output_dir: /data/x\n"), 0o600))

	_, err := Load(nil, path)
	require.ErrorContains(t, err, "job.name")
}

func TestLoadRejectsRotationWithoutCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
job:
  name: x
  output_dir: /data/x
adapt:
  rotation_enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	_, err := Load(nil, path)
	require.ErrorContains(t, err, "rotate_cmd")
}
