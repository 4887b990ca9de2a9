package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vpfsd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestFromFileAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
name = "node1"
listen_port = 9000
data_dir = "/tmp/vpfs-node1"
`)
	cfg, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, "node1", cfg.Name)
	require.Equal(t, DefaultPeerPort, cfg.PeerPort)
	require.Equal(t, DefaultCacheSize, cfg.CacheSize)
	require.True(t, cfg.IsRoot())
	require.NoError(t, cfg.Validate())
}

func TestFromFileOverridesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
name = "node2"
peer_port = 7000
listen_port = 9001
root_address = "10.0.0.1:8080"
peer_address = "10.0.0.2:7000"
cache_size = 4096
data_dir = "/tmp/vpfs-node2"
`)
	cfg, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, uint16(7000), cfg.PeerPort)
	require.Equal(t, int64(4096), cfg.CacheSize)
	require.Equal(t, "10.0.0.2:7000", cfg.PeerAddress)
	require.False(t, cfg.IsRoot())
}

func TestValidateRequiresName(t *testing.T) {
	cfg := Config{ListenPort: 9000, DataDir: "/tmp/x"}
	require.Error(t, cfg.Validate())
}
