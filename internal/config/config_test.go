package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Store.Addrs)
	assert.Equal(t, 600, cfg.Cache.L2TTLSeconds)
	assert.Equal(t, 0.95, cfg.ML.AutoApplyThreshold)
	assert.Equal(t, "redis", cfg.Monitor.Backend)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perm.yaml")
	body := `
store:
  addrs: ["redis-a:6379", "redis-b:6379"]
cache:
  l2_ttl_s: 300
delayed:
  batch_size: 50
  min_queue_size: 10
ml:
  strategy: conservative
abac:
  url: http://opa:8181
  policy: channels
warmup:
  - user_id: 42
    scope: channel
    scope_id: 7
    permission: send_message
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.Store.Addrs)
	assert.Equal(t, 300, cfg.Cache.L2TTLSeconds)
	assert.Equal(t, 50, cfg.Delayed.BatchSize)
	assert.Equal(t, "conservative", cfg.ML.Strategy)
	assert.Equal(t, "http://opa:8181", cfg.ABAC.URL)
	require.Len(t, cfg.Warmup, 1)
	assert.Equal(t, int64(42), cfg.Warmup[0].UserID)
	assert.Equal(t, "send_message", cfg.Warmup[0].Permission)
}

func TestEnvOverridesEverything(t *testing.T) {
	t.Setenv("STORE_ADDRS", "env-redis:6379")
	t.Setenv("DATABASE_DSN", "postgres://perm@db/perm")
	t.Setenv("ML_AUTO_APPLY_THRESHOLD", "0.99")
	t.Setenv("MONITOR_BACKEND", "prometheus")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"env-redis:6379"}, cfg.Store.Addrs)
	assert.Equal(t, "postgres://perm@db/perm", cfg.Database.DSN)
	assert.Equal(t, 0.99, cfg.ML.AutoApplyThreshold)
	assert.Equal(t, "prometheus", cfg.Monitor.Backend)
}
