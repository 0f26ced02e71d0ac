package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	SetConfigFile(writeConfig(t, "environment: test\n"))
	defer SetConfigFile("")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address)
	assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
	assert.Equal(t, "postgres", cfg.Ledger.Store)
	assert.Equal(t, 5*time.Second, cfg.Ledger.LockTimeout)
	assert.Equal(t, time.Minute, cfg.Anchoring.PollInterval)
	assert.Equal(t, 3, cfg.Anchoring.SubmitAttempts)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Redis.TTL)

	require.Contains(t, cfg.Anchoring.Networks, "bitcoin")
	require.Contains(t, cfg.Anchoring.Networks, "polygon")
	assert.True(t, cfg.Anchoring.Networks["bitcoin"].BlocksDownload)
	assert.False(t, cfg.Anchoring.Networks["polygon"].BlocksDownload)
}

func TestLoadConfigOverrides(t *testing.T) {
	SetConfigFile(writeConfig(t, `
ledger:
  store: memory
  lock_timeout: 250ms
anchoring:
  poll_interval: 10s
  networks:
    bitcoin:
      endpoint: http://anchors.local
      required_confirmations: 6
      max_wait: 48h
      blocks_download: true
elasticsearch:
  prefix: staging
`))
	defer SetConfigFile("")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Ledger.Store)
	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.LockTimeout)
	assert.Equal(t, 10*time.Second, cfg.Anchoring.PollInterval)

	require.Len(t, cfg.Anchoring.Networks, 1, "configured networks replace the defaults")
	bitcoin := cfg.Anchoring.Networks["bitcoin"]
	assert.Equal(t, "http://anchors.local", bitcoin.Endpoint)
	assert.Equal(t, 6, bitcoin.RequiredConfirmations)
	assert.Equal(t, 48*time.Hour, bitcoin.MaxWait)
	assert.True(t, bitcoin.BlocksDownload)

	assert.Equal(t, "staging-document-events", FormatIndex(cfg, "document-events"))
}
