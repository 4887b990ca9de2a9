// Package config resolves vpfsd's startup configuration from CLI
// flags and an optional TOML file, grounded on the original source's
// daemon.rs Opt (clap) struct and the teacher's toml-tagged
// stargz.Config pattern.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is vpfsd's resolved startup configuration.
type Config struct {
	// Name is this node's cluster-unique short name.
	Name string `toml:"name"`
	// PeerPort is the TCP port other daemons dial to reach this node.
	PeerPort uint16 `toml:"peer_port"`
	// PeerAddress is the dialable "host:port" this node advertises to
	// other daemons during the Hello handshake, so they can reach it
	// back directly instead of needing this node to initiate every
	// exchange. Required for any node other peers must be able to
	// dial into (i.e. anything but a single-node deployment).
	PeerAddress string `toml:"peer_address"`
	// ListenPort is the TCP port local clients connect on.
	ListenPort uint16 `toml:"listen_port"`
	// RootAddress is the root node's "host:port", empty when this node
	// is itself the root.
	RootAddress string `toml:"root_address"`
	// CacheSize is the maximum number of bytes the LRU cache may hold.
	CacheSize int64 `toml:"cache_size"`
	// DataDir is the working directory holding blob files, the root
	// directory blob, and the persisted cache snapshot.
	DataDir string `toml:"data_dir"`
	// Debug enables verbose logging.
	Debug bool `toml:"debug"`
}

// Default values mirrored from the original Opt's clap defaults.
const (
	DefaultPeerPort   uint16 = 8080
	DefaultCacheSize  int64  = 1 << 16
)

// FromFile loads a Config from a TOML file at path, applying defaults
// for anything the file leaves zero-valued.
func FromFile(path string) (Config, error) {
	cfg := Config{PeerPort: DefaultPeerPort, CacheSize: DefaultCacheSize}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: decode %q", path)
	}
	return cfg, nil
}

// Validate checks that the fields required to start a daemon are
// present.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("config: name is required")
	}
	if c.ListenPort == 0 {
		return errors.New("config: listen_port is required")
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	return nil
}

// IsRoot reports whether this node is the cluster root (no root
// address configured).
func (c Config) IsRoot() bool { return c.RootAddress == "" }

// EnsureDataDir creates DataDir if it does not already exist.
func (c Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return errors.Wrapf(err, "config: create data dir %q", c.DataDir)
	}
	return nil
}
