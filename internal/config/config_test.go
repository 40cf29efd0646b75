package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/blinkdb/internal/bufferpool"
	"github.com/tuannm99/blinkdb/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blinkdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), storage.FileMode0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, storage.DefaultPageSize, cfg.Storage.PageSize)
	require.Equal(t, bufferpool.DefaultCapacity, cfg.BufferPool.Capacity)
	require.Equal(t, "clock", cfg.BufferPool.Policy)
	require.Equal(t, time.Second, cfg.BufferPool.FetchTimeout)
	require.Equal(t, "blinkdb", cfg.Metrics.Namespace)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: /var/lib/blinkdb
  page_size: 8192
buffer_pool:
  capacity: 256
  policy: lru-k
  lru_k: 3
  fetch_timeout: 250ms
index:
  leaf_capacity: 16
log:
  level: debug
  format: json
`)
	t.Setenv("BLINKDB_BUFFER_POOL_CAPACITY", "512")
	t.Setenv("BLINKDB_METRICS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/blinkdb", cfg.Storage.DataDir)
	require.Equal(t, 8192, cfg.Storage.PageSize)
	require.Equal(t, 512, cfg.BufferPool.Capacity)
	require.Equal(t, 250*time.Millisecond, cfg.BufferPool.FetchTimeout)
	require.Equal(t, 16, cfg.Index.LeafCapacity)
	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.Metrics.Enabled)

	opts := cfg.PoolOptions(nil, nil)
	require.Equal(t, bufferpool.PolicyLRUK, opts.Policy)
	require.Equal(t, 3, opts.LRUK)
	require.Equal(t, 512, opts.Capacity)
	require.Equal(t, 8192, cfg.FileOptions(nil).PageSize)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"page size": "storage:\n  page_size: 1000\n",
		"capacity":  "buffer_pool:\n  capacity: 0\n",
		"policy":    "buffer_pool:\n  policy: mru\n",
		"lru k":     "buffer_pool:\n  policy: lru-k\n  lru_k: 0\n",
		"index":     "index:\n  leaf_capacity: -1\n",
		"segment":   "storage:\n  segment_size: 10\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_ExampleFileMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "blinkdb.example.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}
