// Package peer implements the Peer Connection Manager (spec.md §4.E):
// lazy dialing, the Hello/HelloResponse handshake, and root-fallback
// address resolution, grounded on the original source's
// remote_communication.rs (stream_for/establish_connection).
//
// The original transport was iroh's QUIC-multiplexed streams,
// addressed by public key alone through a DHT. Nothing in the
// available Go ecosystem plays that role, so each peer pair here is a
// single TCP net.Conn framed with the wire codec, looked up by a
// locally-known "host:port" address (see SPEC_FULL.md §3). Exactly
// one request may be in flight per connection, enforced with a
// sync.Mutex the way the original wraps its Connection in a
// std::sync::Mutex.
package peer

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/BDhanush/vpfs/wire"
)

// DialTimeout bounds how long establishing a new connection may take.
const DialTimeout = 10 * time.Second

// RequestTimeout bounds how long a single request/response round trip
// on an already-established connection may take, so a peer that
// accepts a connection and then stops answering (a stall, not a
// dropped socket) cannot wedge Conn.Do's mutex, and every other caller
// queued behind it, forever. A var, not a const, so tests can shorten
// it instead of waiting out the real 30s.
var RequestTimeout = 30 * time.Second

// Conn is one serialized connection to a peer daemon.
type Conn struct {
	NodeName string
	conn     net.Conn
	mu       sync.Mutex // serializes sub-stream request/response pairs
	broken   bool       // set once send/recv fails; never reused by Get after that
}

// Do sends req and reads the matching response under the connection's
// mutex, so concurrent callers never interleave two requests on the
// same stream (spec.md §4.E). Any failure — including a RequestTimeout
// deadline expiring — marks the connection broken so Manager.Get
// redials instead of handing the same wedged or desynced stream to
// every future caller.
func (c *Conn) Do(send func(net.Conn) error, recv func(net.Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetDeadline(time.Now().Add(RequestTimeout)); err != nil {
		c.broken = true
		return errors.Wrap(err, "peer: set request deadline")
	}
	defer c.conn.SetDeadline(time.Time{})
	if err := send(c.conn); err != nil {
		c.broken = true
		return errors.Wrap(err, "peer: send request")
	}
	if err := recv(c.conn); err != nil {
		c.broken = true
		return errors.Wrap(err, "peer: receive response")
	}
	return nil
}

// isBroken reports whether a prior Do call failed on this connection.
func (c *Conn) isBroken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// Manager tracks this daemon's outbound connections to other nodes,
// the node-name -> identity map (known_hosts), and the node-name ->
// dialable-address book this concrete transport needs in place of
// iroh's DHT lookup.
type Manager struct {
	local     wire.VPFSNode
	localAddr string // dialable "host:port" advertised to peers via Hello, may be ""
	log       *logrus.Entry

	mu          sync.Mutex
	connections map[string]*Conn

	hostsMu sync.Mutex
	known   map[string]xid.ID
	address map[string]string

	rootMu sync.RWMutex
	root   *wire.VPFSNode
}

// NewManager creates an empty Manager for local, advertising localAddr
// (this node's own dialable peer-listener address, or "" if it has
// none to offer) to every peer it connects to.
func NewManager(local wire.VPFSNode, localAddr string, log *logrus.Entry) *Manager {
	return &Manager{
		local:       local,
		localAddr:   localAddr,
		log:         log,
		connections: make(map[string]*Conn),
		known:       make(map[string]xid.ID),
		address:     make(map[string]string),
	}
}

// Root returns the cluster root, or nil if unset.
func (m *Manager) Root() *wire.VPFSNode {
	m.rootMu.RLock()
	defer m.rootMu.RUnlock()
	if m.root == nil {
		return nil
	}
	cp := *m.root
	return &cp
}

// SetRoot sets the cluster root.
func (m *Manager) SetRoot(root wire.VPFSNode) {
	m.rootMu.Lock()
	defer m.rootMu.Unlock()
	m.root = &root
}

// IsRoot reports whether the local node is its own root.
func (m *Manager) IsRoot() bool {
	root := m.Root()
	return root == nil || root.Name == m.local.Name
}

// SetKnownHost records name's identity and dial address, used both to
// register a peer from the Hello it sent and to learn new peers via
// AddressFor.
func (m *Manager) SetKnownHost(name string, id xid.ID, address string) {
	m.hostsMu.Lock()
	defer m.hostsMu.Unlock()
	m.known[name] = id
	if address != "" {
		m.address[name] = address
	}
}

// ReplaceKnownHosts wholesale-replaces known_hosts, exactly the
// non-root startup handshake's behavior (SPEC_FULL.md §4): the root's
// snapshot becomes the new known_hosts, and the root's own entry is
// then added.
func (m *Manager) ReplaceKnownHosts(hosts map[string]xid.ID, rootName string, rootID xid.ID, rootAddress string) {
	m.hostsMu.Lock()
	defer m.hostsMu.Unlock()
	m.known = make(map[string]xid.ID, len(hosts)+1)
	for name, id := range hosts {
		m.known[name] = id
	}
	m.known[rootName] = rootID
	if rootAddress != "" {
		if m.address == nil {
			m.address = make(map[string]string)
		}
		m.address[rootName] = rootAddress
	}
}

// KnownHostsSnapshot copies known_hosts for sending in a HelloResponse.
func (m *Manager) KnownHostsSnapshot() map[string]xid.ID {
	m.hostsMu.Lock()
	defer m.hostsMu.Unlock()
	out := make(map[string]xid.ID, len(m.known))
	for k, v := range m.known {
		out[k] = v
	}
	return out
}

func (m *Manager) addressFor(name string) (string, bool) {
	m.hostsMu.Lock()
	defer m.hostsMu.Unlock()
	addr, ok := m.address[name]
	return addr, ok
}

// AddressOf answers the AddressFor RPC: the identity and dial address
// known_hosts has on file for name, grounded on protocol.rs's
// DaemonRequest::AddressFor handling.
func (m *Manager) AddressOf(name string) (xid.ID, string, bool) {
	m.hostsMu.Lock()
	defer m.hostsMu.Unlock()
	id, ok := m.known[name]
	if !ok {
		return xid.ID{}, "", false
	}
	return id, m.address[name], true
}

// Get returns (dialing and handshaking if necessary) the connection to
// name, following stream_for's fallback chain: an existing connection,
// then a directly known address, then asking the root for one via
// AddressFor.
func (m *Manager) Get(name string) (*Conn, error) {
	m.mu.Lock()
	if c, ok := m.connections[name]; ok {
		m.mu.Unlock()
		if !c.isBroken() {
			return c, nil
		}
		// A prior Do on this connection failed (timed out, reset, or
		// desynced the frame stream): serving it again would hand every
		// future caller the same dead connection forever, so drop it
		// from the table and fall through to redial below.
		m.mu.Lock()
		if cur, ok := m.connections[name]; ok && cur == c {
			delete(m.connections, name)
		}
		m.mu.Unlock()
		c.Close()
	} else {
		m.mu.Unlock()
	}

	if addr, ok := m.addressFor(name); ok {
		c, err := m.dialAndHandshake(name, addr)
		if err == nil {
			return c, nil
		}
		m.log.WithError(err).WithField("peer", name).Warn("failed to dial known peer address")
	}

	root := m.Root()
	// Asking the root to resolve its own address would recurse into
	// this exact call forever: if name is the root and we already
	// failed to reach it directly above, there is nobody else to ask.
	if root == nil || root.Name == m.local.Name || root.Name == name {
		return nil, errors.Errorf("peer: %q is not reachable", name)
	}
	rootConn, err := m.Get(root.Name)
	if err != nil {
		return nil, errors.Wrap(err, "peer: connect to root for address resolution")
	}

	var resp wire.DaemonResponse
	err = rootConn.Do(
		func(nc net.Conn) error {
			return wire.WriteDaemonRequest(nc, wire.DaemonRequest{Kind: wire.DReqAddressFor, NodeName: name})
		},
		func(nc net.Conn) error {
			r, err := wire.ReadDaemonResponse(nc)
			resp = r
			return err
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "peer: ask root for address")
	}
	if !resp.HasEndpoint || resp.Address == "" {
		return nil, errors.Errorf("peer: root has no address for %q", name)
	}
	m.SetKnownHost(name, resp.EndpointID, resp.Address)
	return m.dialAndHandshake(name, resp.Address)
}

func (m *Manager) dialAndHandshake(name, address string) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", address, DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "peer: dial %q at %q", name, address)
	}
	if err := wire.WriteHello(nc, wire.Hello{Kind: wire.HelloDaemon, Node: m.local, ListenAddr: m.localAddr}); err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "peer: send hello")
	}
	if _, err := wire.ReadHelloResponse(nc); err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "peer: read hello response")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Another concurrent Get(name) may have already raced this dial and
	// installed its own connection while this one was in flight; prefer
	// the winner already on file rather than overwrite it and leak this
	// socket.
	if existing, ok := m.connections[name]; ok {
		nc.Close()
		return existing, nil
	}
	c := &Conn{NodeName: name, conn: nc}
	m.connections[name] = c
	return c, nil
}

// CloseAll tears down every outbound connection, collecting every
// close failure instead of stopping at the first (used at shutdown).
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var merr error
	for name, c := range m.connections {
		if err := c.Close(); err != nil {
			merr = appendErr(merr, errors.Wrapf(err, "peer: close connection to %q", name))
		}
		delete(m.connections, name)
	}
	return merr
}
