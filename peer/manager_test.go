package peer

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/BDhanush/vpfs/wire"
)

func testLocal() wire.VPFSNode {
	return wire.VPFSNode{Name: "node1", EndpointID: xid.New()}
}

func TestRootAccessors(t *testing.T) {
	m := NewManager(testLocal(), "", logrus.NewEntry(logrus.New()))
	require.Nil(t, m.Root())
	require.True(t, m.IsRoot())

	root := wire.VPFSNode{Name: "node1", EndpointID: xid.New()}
	m.SetRoot(root)
	require.True(t, m.IsRoot())

	other := wire.VPFSNode{Name: "rootnode", EndpointID: xid.New()}
	m.SetRoot(other)
	require.False(t, m.IsRoot())
	got := m.Root()
	require.NotNil(t, got)
	require.Equal(t, other.Name, got.Name)
}

func TestKnownHostsLifecycle(t *testing.T) {
	m := NewManager(testLocal(), "", logrus.NewEntry(logrus.New()))
	id := xid.New()
	m.SetKnownHost("node2", id, "10.0.0.2:9000")

	gotID, gotAddr, ok := m.AddressOf("node2")
	require.True(t, ok)
	require.Equal(t, id, gotID)
	require.Equal(t, "10.0.0.2:9000", gotAddr)

	_, _, ok = m.AddressOf("ghost")
	require.False(t, ok)

	snap := m.KnownHostsSnapshot()
	require.Equal(t, id, snap["node2"])
}

func TestReplaceKnownHostsAddsRoot(t *testing.T) {
	m := NewManager(testLocal(), "", logrus.NewEntry(logrus.New()))
	rootID := xid.New()
	seed := map[string]xid.ID{"node2": xid.New()}
	m.ReplaceKnownHosts(seed, "rootnode", rootID, "10.0.0.1:8080")

	snap := m.KnownHostsSnapshot()
	require.Contains(t, snap, "node2")
	require.Equal(t, rootID, snap["rootnode"])

	_, addr, ok := m.AddressOf("rootnode")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:8080", addr)
}

func TestGetDialsKnownAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer nc.Close()
		if _, err := wire.ReadHello(nc); err != nil {
			serverDone <- err
			return
		}
		serverDone <- wire.WriteHelloResponse(nc, wire.HelloResponse{Kind: wire.HelloRespDaemon})
	}()

	m := NewManager(testLocal(), "", logrus.NewEntry(logrus.New()))
	m.SetKnownHost("node2", xid.New(), ln.Addr().String())

	conn, err := m.Get("node2")
	require.NoError(t, err)
	require.Equal(t, "node2", conn.NodeName)
	require.NoError(t, <-serverDone)
	require.NoError(t, m.CloseAll())
}

// TestGetUnreachableRootReturnsErrorInsteadOfRecursing guards against
// Get(rootName), with no known or dialable address for the root,
// recursing into itself forever (asking the root to resolve the
// root's own address) instead of returning an error.
func TestGetUnreachableRootReturnsErrorInsteadOfRecursing(t *testing.T) {
	m := NewManager(testLocal(), "", logrus.NewEntry(logrus.New()))
	root := wire.VPFSNode{Name: "rootnode", EndpointID: xid.New()}
	m.SetRoot(root)
	// No SetKnownHost for "rootnode": its address is unknown, so the
	// direct-dial attempt is skipped and Get would otherwise fall
	// through to asking the root — itself — for its own address.

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.Get("rootnode")
		require.Error(t, err)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Get(rootName) did not return, likely recursing into itself")
	}
}

// TestGetRedialsAfterBrokenConnection guards against a Conn that failed
// a request once being handed out forever afterward: Manager.Get must
// notice Do's failure and redial instead of returning the same dead
// connection on every subsequent call.
func TestGetRedialsAfterBrokenConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var accepts int32
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			accepts++
			go func(nc net.Conn, first bool) {
				if _, err := wire.ReadHello(nc); err != nil {
					return
				}
				if err := wire.WriteHelloResponse(nc, wire.HelloResponse{Kind: wire.HelloRespDaemon}); err != nil {
					return
				}
				if first {
					// Simulate a stall: never answer the next request,
					// forcing the client's RequestTimeout to fire.
					return
				}
				if _, err := wire.ReadDaemonRequest(nc); err != nil {
					return
				}
				_ = wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespAddressFor})
			}(nc, accepts == 1)
		}
	}()

	m := NewManager(testLocal(), "", logrus.NewEntry(logrus.New()))
	m.SetKnownHost("node2", xid.New(), ln.Addr().String())

	conn1, err := m.Get("node2")
	require.NoError(t, err)

	origTimeout := RequestTimeout
	RequestTimeout = 200 * time.Millisecond
	defer func() { RequestTimeout = origTimeout }()

	err = conn1.Do(
		func(nc net.Conn) error {
			return wire.WriteDaemonRequest(nc, wire.DaemonRequest{Kind: wire.DReqAddressFor, NodeName: "x"})
		},
		func(nc net.Conn) error {
			_, err := wire.ReadDaemonResponse(nc)
			return err
		},
	)
	require.Error(t, err)

	conn2, err := m.Get("node2")
	require.NoError(t, err)
	require.NotSame(t, conn1, conn2, "Get kept handing out the broken connection instead of redialing")
	require.NoError(t, m.CloseAll())
}

// TestConcurrentGetSharesOneConnection guards against two simultaneous
// Get calls for the same not-yet-connected peer each dialing and
// handshaking their own connection, then one silently overwriting the
// other in the connections map and leaking its socket: both callers
// must end up holding the very same *Conn.
func TestConcurrentGetSharesOneConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func(nc net.Conn) {
				if _, err := wire.ReadHello(nc); err != nil {
					return
				}
				_ = wire.WriteHelloResponse(nc, wire.HelloResponse{Kind: wire.HelloRespDaemon})
			}(nc)
		}
	}()

	m := NewManager(testLocal(), "", logrus.NewEntry(logrus.New()))
	m.SetKnownHost("node2", xid.New(), ln.Addr().String())

	const n = 4
	conns := make([]*Conn, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = m.Get("node2")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Same(t, conns[0], conns[i])
	}
	require.NoError(t, m.CloseAll())
}
