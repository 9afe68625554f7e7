package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := NewEmptyConfig()
	cfg.Gateway.ChunkSize = 4096
	cfg.Gateway.RequestTimeout = Duration(42 * time.Second)
	cfg.Shard.Replication = "queue"
	require.NoError(t, cfg.Save(path))

	loaded, err := NewConfigFromFile(path)
	require.NoError(t, err)
	require.Equal(t, int64(4096), loaded.Gateway.ChunkSize)
	require.Equal(t, 42*time.Second, loaded.Gateway.RequestTimeout.Std())
	require.Equal(t, "queue", loaded.Shard.Replication)
	require.Equal(t, path, loaded.File())
}

func TestEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, NewEmptyConfig().Save(path))

	t.Setenv("SHOAL_SHARD_ROLE", "backup")
	t.Setenv("SHOAL_SHARD_POLL_INTERVAL", "250ms")

	loaded, err := NewConfigFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "backup", loaded.Shard.Role)
	require.Equal(t, 250*time.Millisecond, loaded.Shard.PollInterval.Std())
}
