package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/BDhanush/vpfs/config"
)

func runResolveConfig(t *testing.T, args ...string) config.Config {
	t.Helper()
	app := cli.NewApp()
	app.Flags = cliFlags
	var got config.Config
	var resolveErr error
	app.Action = func(c *cli.Context) error {
		got, resolveErr = resolveConfig(c)
		return nil
	}
	require.NoError(t, app.Run(append([]string{"vpfsd"}, args...)))
	require.NoError(t, resolveErr)
	return got
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vpfsd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
name = "node1"
peer_port = 7000
cache_size = 4096
data_dir = "/tmp/vpfs-node1"
`), 0o644))
	return path
}

// TestResolveConfigKeepsFileValuesWhenFlagsNotPassed guards against
// peer-port/cache-size's nonzero flag defaults clobbering a loaded
// TOML config whenever the corresponding flag isn't actually passed.
func TestResolveConfigKeepsFileValuesWhenFlagsNotPassed(t *testing.T) {
	cfg := runResolveConfig(t, "--config", writeTestConfig(t))
	require.Equal(t, uint16(7000), cfg.PeerPort)
	require.Equal(t, int64(4096), cfg.CacheSize)
}

func TestResolveConfigFlagsOverrideFileValues(t *testing.T) {
	cfg := runResolveConfig(t, "--config", writeTestConfig(t), "--peer-port", "9999", "--cache-size", "123")
	require.Equal(t, uint16(9999), cfg.PeerPort)
	require.Equal(t, int64(123), cfg.CacheSize)
}

func TestResolveConfigDefaultsWithoutConfigFile(t *testing.T) {
	cfg := runResolveConfig(t, "--name", "solo", "--data-dir", t.TempDir())
	require.Equal(t, config.DefaultPeerPort, cfg.PeerPort)
	require.Equal(t, config.DefaultCacheSize, cfg.CacheSize)
}
