package client

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/BDhanush/vpfs/cache"
	"github.com/BDhanush/vpfs/daemonstate"
	"github.com/BDhanush/vpfs/dispatch"
	"github.com/BDhanush/vpfs/store"
	"github.com/BDhanush/vpfs/wire"
)

func startTestDaemon(t *testing.T) (uint16, *daemonstate.State) {
	t.Helper()
	base := t.TempDir()
	st, err := store.Open(filepath.Join(base, "files"))
	require.NoError(t, err)
	c := cache.New(st, 0)
	local := wire.VPFSNode{Name: "node1", EndpointID: xid.New()}
	s := daemonstate.New(local, "", st, c, 0, logrus.NewEntry(logrus.New()))
	s.SetRoot(local)
	require.NoError(t, os.WriteFile(s.Store.Path(daemonstate.RootDirURI), nil, 0o644))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go dispatch.ServeClient(nc, s)
		}
	}()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	return port, s
}

func TestClientStoreFetch(t *testing.T) {
	port, _ := startTestDaemon(t)
	c, err := Connect(port)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Store("greeting.txt", []byte("hello from client")))
	got, err := c.Fetch("greeting.txt")
	require.NoError(t, err)
	require.Equal(t, "hello from client", string(got))
}

func TestClientStoreOverwritesExisting(t *testing.T) {
	port, _ := startTestDaemon(t)
	c, err := Connect(port)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Store("dup.txt", []byte("first")))
	require.NoError(t, c.Store("dup.txt", []byte("second")))
	got, err := c.Fetch("dup.txt")
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
}

func TestClientMkdirAndNestedPlace(t *testing.T) {
	port, _ := startTestDaemon(t)
	c, err := Connect(port)
	require.NoError(t, err)
	defer c.Disconnect()

	_, err = c.Mkdir("sub", c.Local)
	require.NoError(t, err)

	loc, err := c.Place("sub/leaf.txt", c.Local)
	require.NoError(t, err)
	require.NoError(t, c.Write(loc, []byte("nested")))

	entry, err := c.Find("sub/leaf.txt")
	require.NoError(t, err)
	require.Equal(t, loc, entry.Location)
}

func TestClientOpenReadFDLineAndClose(t *testing.T) {
	port, _ := startTestDaemon(t)
	c, err := Connect(port)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Store("lines.txt", []byte("alpha\nbeta\n")))

	fd, err := c.Open("lines.txt")
	require.NoError(t, err)
	require.Equal(t, int32(3), fd)

	line, err := c.ReadLineFD(fd)
	require.NoError(t, err)
	require.Equal(t, "alpha\n", string(line))

	chunk, err := c.ReadFD(fd, 4)
	require.NoError(t, err)
	require.Equal(t, "beta", string(chunk))

	require.NoError(t, c.Close(fd))
	_, err = c.ReadLineFD(fd)
	require.Error(t, err)
}

// TestClientOpenPropagatesDaemonError guards against Open() masking the
// daemon's actual response error behind a hardcoded wire.FileNotOpen(),
// which would make it indistinguishable from a genuine "fd not open"
// failure.
func TestClientOpenPropagatesDaemonError(t *testing.T) {
	port, s := startTestDaemon(t)
	c, err := Connect(port)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Store("gone.txt", []byte("data")))
	entry, err := c.Find("gone.txt")
	require.NoError(t, err)
	require.NoError(t, os.Remove(s.Store.Path(entry.Location.URI)))

	_, err = c.Open("gone.txt")
	require.Error(t, err)
	werr, ok := err.(*wire.Error)
	require.True(t, ok)
	require.True(t, werr.Is(wire.DoesNotExist()))
}

func TestClientFindMissingReturnsDoesNotExist(t *testing.T) {
	port, _ := startTestDaemon(t)
	c, err := Connect(port)
	require.NoError(t, err)
	defer c.Disconnect()

	_, err = c.Find("missing.txt")
	require.Error(t, err)
	werr, ok := err.(*wire.Error)
	require.True(t, ok)
	require.True(t, werr.Is(wire.DoesNotExist()))
}
