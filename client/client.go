// Package client is the VPFS client library (spec.md §4.I's "Client"
// component): a small stateful connection to a local daemon exposing
// Find/Place/Mkdir/Read/Write and the fd-oriented streaming calls,
// grounded on the original source's lib.rs (struct VPFS).
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/BDhanush/vpfs/wire"
)

// DialTimeout bounds how long connecting to the local daemon may take.
const DialTimeout = 10 * time.Second

// Client is one connection to a VPFS daemon. All calls serialize on a
// single request/response stream, the same way lib.rs's VPFS wraps its
// TcpStream in a Mutex.
type Client struct {
	Local string // this daemon's node name, learned from ClientHello

	conn net.Conn
	mu   sync.Mutex

	fdMu             sync.Mutex
	clientToDaemonFd map[int32]int32
	openFiles        map[int32]wire.Location
}

// Connect dials the local daemon's client listener on port and
// performs the ClientHello handshake.
func Connect(port uint16) (*Client, error) {
	addr := fmt.Sprintf("localhost:%d", port)
	nc, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "client: dial %q", addr)
	}
	if err := wire.WriteHello(nc, wire.Hello{Kind: wire.HelloClient}); err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "client: send hello")
	}
	resp, err := wire.ReadHelloResponse(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "client: read hello response")
	}
	if resp.Kind != wire.HelloRespClient {
		nc.Close()
		return nil, errors.New("client: got wrong hello response kind")
	}
	return &Client{
		Local:            resp.ClientNodeName,
		conn:             nc,
		clientToDaemonFd: make(map[int32]int32),
		openFiles:        make(map[int32]wire.Location),
	}, nil
}

// Disconnect tears down the connection to the daemon.
func (c *Client) Disconnect() error { return c.conn.Close() }

func (c *Client) sendRequest(req wire.ClientRequest) (wire.ClientResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteClientRequest(c.conn, req); err != nil {
		return wire.ClientResponse{}, errors.Wrap(err, "client: send request")
	}
	resp, err := wire.ReadClientResponse(c.conn)
	if err != nil {
		return wire.ClientResponse{}, errors.Wrap(err, "client: read response")
	}
	return resp, nil
}

// Find resolves path to its DirectoryEntry.
func (c *Client) Find(path string) (wire.DirectoryEntry, error) {
	resp, err := c.sendRequest(wire.ClientRequest{Kind: wire.ReqFind, Path: path})
	if err != nil {
		return wire.DirectoryEntry{}, err
	}
	if resp.Err != nil {
		return wire.DirectoryEntry{}, resp.Err
	}
	return resp.Entry, nil
}

// Place creates a new file named by path's last component on node at
// and links it into path's parent directory.
func (c *Client) Place(path string, at string) (wire.Location, error) {
	resp, err := c.sendRequest(wire.ClientRequest{Kind: wire.ReqPlace, Path: path, AtNode: at})
	if err != nil {
		return wire.Location{}, err
	}
	if resp.Err != nil {
		return wire.Location{}, resp.Err
	}
	return resp.Loc, nil
}

// Mkdir is Place with isDir set, seeding "." and ".." entries.
func (c *Client) Mkdir(path string, at string) (wire.Location, error) {
	resp, err := c.sendRequest(wire.ClientRequest{Kind: wire.ReqMkdir, Path: path, AtNode: at})
	if err != nil {
		return wire.Location{}, err
	}
	if resp.Err != nil {
		return wire.Location{}, resp.Err
	}
	return resp.Loc, nil
}

// Read returns the full contents of the blob at loc.
func (c *Client) Read(loc wire.Location) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteClientRequest(c.conn, wire.ClientRequest{Kind: wire.ReqRead, Location: loc}); err != nil {
		return nil, errors.Wrap(err, "client: send read request")
	}
	resp, err := wire.ReadClientResponse(c.conn)
	if err != nil {
		return nil, errors.Wrap(err, "client: read read-response")
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	buf, err := wire.ReadBulk(c.conn)
	if err != nil {
		return nil, errors.Wrap(err, "client: read bulk body")
	}
	return buf, nil
}

// Write overwrites the blob at loc with buf.
func (c *Client) Write(loc wire.Location, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := wire.ClientRequest{Kind: wire.ReqWrite, Location: loc, Len: len(buf)}
	if err := wire.WriteClientRequest(c.conn, req); err != nil {
		return errors.Wrap(err, "client: send write request")
	}
	if err := wire.WriteBulk(c.conn, buf); err != nil {
		return errors.Wrap(err, "client: send write body")
	}
	resp, err := wire.ReadClientResponse(c.conn)
	if err != nil {
		return errors.Wrap(err, "client: read write-response")
	}
	if resp.Err != nil {
		return resp.Err
	}
	return nil
}

// Fetch finds name and returns its contents in one call.
func (c *Client) Fetch(name string) ([]byte, error) {
	entry, err := c.Find(name)
	if err != nil {
		return nil, err
	}
	return c.Read(entry.Location)
}

// Store places name at the local node and writes buf into it. If name
// already exists, its existing location is reused instead of erroring.
func (c *Client) Store(name string, buf []byte) error {
	loc, err := c.Place(name, c.Local)
	if err != nil {
		if werr, ok := err.(*wire.Error); ok && werr.Is(wire.AlreadyExists(wire.DirectoryEntry{})) {
			loc = werr.Entry.Location
		} else {
			return err
		}
	}
	return c.Write(loc, buf)
}

func (c *Client) addOpenFile(daemonFd int32, loc wire.Location) int32 {
	c.fdMu.Lock()
	defer c.fdMu.Unlock()
	fd := int32(3)
	for {
		if _, taken := c.clientToDaemonFd[fd]; !taken {
			break
		}
		fd++
	}
	c.clientToDaemonFd[fd] = daemonFd
	c.openFiles[fd] = loc
	return fd
}

func (c *Client) lookupOpenFile(fd int32) (int32, wire.Location, bool) {
	c.fdMu.Lock()
	defer c.fdMu.Unlock()
	daemonFd, ok := c.clientToDaemonFd[fd]
	if !ok {
		return 0, wire.Location{}, false
	}
	loc := c.openFiles[fd]
	return daemonFd, loc, true
}

// Open finds name and opens it for reading, returning a client-scoped
// file descriptor starting from 3.
func (c *Client) Open(name string) (int32, error) {
	entry, err := c.Find(name)
	if err != nil {
		return 0, err
	}
	loc := entry.Location
	resp, err := c.sendRequest(wire.ClientRequest{Kind: wire.ReqOpen, Location: loc})
	if err != nil {
		return 0, err
	}
	if resp.Err != nil {
		return 0, resp.Err
	}
	return c.addOpenFile(resp.Fd, loc), nil
}

// ReadFD reads up to n bytes from the client-scoped descriptor fd.
func (c *Client) ReadFD(fd int32, n int) ([]byte, error) {
	daemonFd, loc, ok := c.lookupOpenFile(fd)
	if !ok {
		return nil, wire.FileNotOpen()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	req := wire.ClientRequest{Kind: wire.ReqReadFD, Location: loc, Fd: daemonFd, Len: n}
	if err := wire.WriteClientRequest(c.conn, req); err != nil {
		return nil, errors.Wrap(err, "client: send read-fd request")
	}
	resp, err := wire.ReadClientResponse(c.conn)
	if err != nil {
		return nil, errors.Wrap(err, "client: read read-fd response")
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	buf, err := wire.ReadBulk(c.conn)
	if err != nil {
		return nil, errors.Wrap(err, "client: read bulk body")
	}
	return buf, nil
}

// ReadLineFD reads one newline-terminated line from fd.
func (c *Client) ReadLineFD(fd int32) ([]byte, error) {
	daemonFd, loc, ok := c.lookupOpenFile(fd)
	if !ok {
		return nil, wire.FileNotOpen()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	req := wire.ClientRequest{Kind: wire.ReqReadLineFD, Location: loc, Fd: daemonFd}
	if err := wire.WriteClientRequest(c.conn, req); err != nil {
		return nil, errors.Wrap(err, "client: send read-line-fd request")
	}
	resp, err := wire.ReadClientResponse(c.conn)
	if err != nil {
		return nil, errors.Wrap(err, "client: read read-line-fd response")
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	buf, err := wire.ReadBulk(c.conn)
	if err != nil {
		return nil, errors.Wrap(err, "client: read bulk body")
	}
	return buf, nil
}

// Close closes the client-scoped descriptor fd.
func (c *Client) Close(fd int32) error {
	daemonFd, loc, ok := c.lookupOpenFile(fd)
	if !ok {
		return wire.FileNotOpen()
	}
	resp, err := c.sendRequest(wire.ClientRequest{Kind: wire.ReqClose, NodeName: loc.NodeName, Fd: daemonFd})
	if err != nil {
		return err
	}
	if resp.Err != nil {
		return resp.Err
	}
	c.fdMu.Lock()
	delete(c.clientToDaemonFd, fd)
	delete(c.openFiles, fd)
	c.fdMu.Unlock()
	return nil
}
