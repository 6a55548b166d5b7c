package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Dispatch.WaitTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Dispatch.CancelTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.FlushPollTimeout)
	assert.True(t, cfg.Dispatch.CancelOnError)
	assert.Equal(t, 3, cfg.FTS.MaxFailures)
	assert.Equal(t, 5, cfg.Gang.RetryCount)
	assert.Equal(t, "memory", cfg.Sequence.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gangway.yaml")
	body := `
dispatch:
  wait_timeout: 3s
gang:
  retry_count: 2
sequence:
  backend: redis
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("GANGWAY_GANG_RETRY_DELAY", "50ms")
	t.Setenv("GANGWAY_FTS_MAX_FAILURES", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Dispatch.WaitTimeout)
	assert.Equal(t, 2, cfg.Gang.RetryCount)
	assert.Equal(t, 50*time.Millisecond, cfg.Gang.RetryDelay)
	assert.Equal(t, 5, cfg.FTS.MaxFailures)
	assert.Equal(t, "redis", cfg.Sequence.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Sequence.Backend = "etcd"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Dispatch.CancelTimeout = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.FTS.MaxFailures = 0
	assert.Error(t, bad.Validate())
}
