// Package daemonstate holds the single shared handle a VPFS daemon
// passes to every component: local identity, cluster root, and the
// cache/store/peer subsystems, grounded on the original source's
// DaemonState. Always passed by pointer, never copied or made global,
// so the lock-acquisition order documented on State holds across
// the whole process.
package daemonstate

import (
	"github.com/sirupsen/logrus"

	"github.com/BDhanush/vpfs/cache"
	"github.com/BDhanush/vpfs/peer"
	"github.com/BDhanush/vpfs/store"
	"github.com/BDhanush/vpfs/wire"
)

// State is the daemon-wide shared handle. Lock-acquisition order,
// where more than one of these is held at once, is: Peers' internal
// connections lock -> known_hosts -> root -> Cache -> Store's
// file_access_lock. Components that need several must acquire them in
// this order to avoid deadlock (spec.md §5).
type State struct {
	Local VPFSNode

	Peers *peer.Manager
	Cache *cache.Cache
	Store *store.Store

	MaxCacheSize int64

	Log *logrus.Entry
}

// VPFSNode is a local alias so callers of this package rarely need to
// also import wire directly for the common identity type.
type VPFSNode = wire.VPFSNode

// New wires a fresh State around an already-opened store and cache.
// localAddr is this node's own dialable peer-listener address,
// advertised to every peer it connects to so they can dial back
// independently rather than needing to reuse the connection this node
// opened toward them; pass "" if this node has none to offer.
func New(local VPFSNode, localAddr string, st *store.Store, c *cache.Cache, maxCacheSize int64, log *logrus.Entry) *State {
	return &State{
		Local:        local,
		Store:        st,
		Cache:        c,
		MaxCacheSize: maxCacheSize,
		Log:          log,
		Peers:        peer.NewManager(local, localAddr, log),
	}
}

// Root returns the cluster root node, or nil if SetRoot has not been
// called yet (a root node sets itself as root at startup). Root
// bookkeeping lives on Peers because address resolution (stream_for's
// root fallback) needs it under the same lock discipline as known_hosts.
func (s *State) Root() *VPFSNode { return s.Peers.Root() }

// SetRoot replaces the root node. Called only during startup: from a
// restored cache snapshot, when running as root, and after joining an
// existing cluster.
func (s *State) SetRoot(root VPFSNode) { s.Peers.SetRoot(root) }

// IsRoot reports whether this node is its own cluster root.
func (s *State) IsRoot() bool { return s.Peers.IsRoot() }

// RootDirURI is the on-disk name of the root directory blob, "root",
// matching the original source's convention of place_file.
const RootDirURI = "root"
