package dispatch

import (
	"net"

	"github.com/pkg/errors"

	"github.com/BDhanush/vpfs/daemonstate"
	"github.com/BDhanush/vpfs/resolve"
	"github.com/BDhanush/vpfs/wire"
)

// readLocation reads loc's body, locally or through the cache-aware
// remote path, for a client's plain Read request. Grounded on
// handle_client_read.
func readLocation(s *daemonstate.State, loc wire.Location) ([]byte, error) {
	if loc.NodeName == s.Local.Name {
		// Store.Read takes file_access_lock itself; locking it again
		// here would self-deadlock the calling goroutine.
		data, err := s.Store.Read(loc.URI)
		if err != nil {
			return nil, wire.DoesNotExist()
		}
		return data, nil
	}
	return resolve.ReadRemote(s, loc)
}

// writeLocation writes buf to loc's body, locally or on the owning
// remote node. Grounded on handle_client_write.
func writeLocation(s *daemonstate.State, loc wire.Location, buf []byte) error {
	if loc.NodeName == s.Local.Name {
		// Store.Write takes file_access_lock itself; locking it again
		// here would self-deadlock the calling goroutine.
		if err := s.Store.Write(loc.URI, buf); err != nil {
			return wire.DoesNotExist()
		}
		return nil
	}

	conn, err := s.Peers.Get(loc.NodeName)
	if err != nil {
		return wire.NotAccessible()
	}
	var resp wire.DaemonResponse
	err = conn.Do(
		func(nc net.Conn) error {
			if err := wire.WriteDaemonRequest(nc, wire.DaemonRequest{Kind: wire.DReqWrite, URI: loc.URI}); err != nil {
				return err
			}
			return wire.WriteBulk(nc, buf)
		},
		func(nc net.Conn) error {
			r, err := wire.ReadDaemonResponse(nc)
			resp = r
			return err
		},
	)
	if err != nil {
		return errors.Wrap(err, "dispatch: write to remote node")
	}
	if resp.Err != nil {
		return resp.Err
	}
	return nil
}

// openLocation opens loc for reading and returns a fd scoped to
// whichever node's Store actually holds the file.
func openLocation(s *daemonstate.State, loc wire.Location) (int32, error) {
	if loc.NodeName == s.Local.Name {
		fd, err := s.Store.OpenForReading(loc.URI)
		if err != nil {
			return 0, wire.DoesNotExist()
		}
		return fd, nil
	}

	conn, err := s.Peers.Get(loc.NodeName)
	if err != nil {
		return 0, wire.NotAccessible()
	}
	var resp wire.DaemonResponse
	err = conn.Do(
		func(nc net.Conn) error {
			return wire.WriteDaemonRequest(nc, wire.DaemonRequest{Kind: wire.DReqOpen, URI: loc.URI})
		},
		func(nc net.Conn) error {
			r, err := wire.ReadDaemonResponse(nc)
			resp = r
			return err
		},
	)
	if err != nil {
		return 0, errors.Wrap(err, "dispatch: open on remote node")
	}
	if resp.Err != nil {
		return 0, resp.Err
	}
	return resp.Fd, nil
}

// readFDAt reads up to n bytes from fd, which lives on node.
func readFDAt(s *daemonstate.State, node string, fd int32, n int) ([]byte, error) {
	if node == s.Local.Name {
		buf, err := s.Store.ReadFD(fd, n)
		if err != nil {
			return nil, wire.FileNotOpen()
		}
		return buf, nil
	}

	conn, err := s.Peers.Get(node)
	if err != nil {
		return nil, wire.NotAccessible()
	}
	var resp wire.DaemonResponse
	var body []byte
	err = conn.Do(
		func(nc net.Conn) error {
			return wire.WriteDaemonRequest(nc, wire.DaemonRequest{Kind: wire.DReqReadFD, Fd: fd, Len: n})
		},
		func(nc net.Conn) error {
			r, err := wire.ReadDaemonResponse(nc)
			if err != nil {
				return err
			}
			resp = r
			if resp.Err == nil {
				b, err := wire.ReadBulk(nc)
				if err != nil {
					return err
				}
				body = b
			}
			return nil
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "dispatch: read fd on remote node")
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return body, nil
}

// readLineFDAt reads one newline-terminated line from fd, which lives
// on node.
func readLineFDAt(s *daemonstate.State, node string, fd int32) ([]byte, error) {
	if node == s.Local.Name {
		buf, err := s.Store.ReadLineFD(fd)
		if err != nil {
			return nil, wire.FileNotOpen()
		}
		return buf, nil
	}

	conn, err := s.Peers.Get(node)
	if err != nil {
		return nil, wire.NotAccessible()
	}
	var resp wire.DaemonResponse
	var body []byte
	err = conn.Do(
		func(nc net.Conn) error {
			return wire.WriteDaemonRequest(nc, wire.DaemonRequest{Kind: wire.DReqReadLineFD, Fd: fd})
		},
		func(nc net.Conn) error {
			r, err := wire.ReadDaemonResponse(nc)
			if err != nil {
				return err
			}
			resp = r
			if resp.Err == nil {
				b, err := wire.ReadBulk(nc)
				if err != nil {
					return err
				}
				body = b
			}
			return nil
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "dispatch: read line fd on remote node")
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return body, nil
}

// closeFDAt closes fd, which lives on node.
func closeFDAt(s *daemonstate.State, node string, fd int32) error {
	if node == s.Local.Name {
		if err := s.Store.CloseFD(fd); err != nil {
			return wire.FileNotOpen()
		}
		return nil
	}

	conn, err := s.Peers.Get(node)
	if err != nil {
		return wire.NotAccessible()
	}
	var resp wire.DaemonResponse
	err = conn.Do(
		func(nc net.Conn) error {
			return wire.WriteDaemonRequest(nc, wire.DaemonRequest{Kind: wire.DReqClose, Fd: fd})
		},
		func(nc net.Conn) error {
			r, err := wire.ReadDaemonResponse(nc)
			resp = r
			return err
		},
	)
	if err != nil {
		return errors.Wrap(err, "dispatch: close fd on remote node")
	}
	if resp.Err != nil {
		return resp.Err
	}
	return nil
}
