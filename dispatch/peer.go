// Package dispatch implements the Client/Peer Dispatch (spec.md
// §4.H): per-connection request/response loops wired to the store,
// dirent, cache, resolve, and placement components. Grounded on the
// original source's daemon.rs (handle_client/handle_connection) and
// protocol.rs (handle_daemon/handle_connection).
package dispatch

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/BDhanush/vpfs/daemonstate"
	"github.com/BDhanush/vpfs/dirent"
	"github.com/BDhanush/vpfs/wire"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0) }

// ServePeer handles one inbound peer connection for its whole
// lifetime: the Hello handshake, then a sequential loop of
// DaemonRequest/DaemonResponse pairs (spec.md §4.E's "one request in
// flight per connection" narrowing of the original's per-substream
// open_bi). Grounded on protocol.rs's handle_connection/handle_daemon.
func ServePeer(nc net.Conn, s *daemonstate.State) error {
	defer nc.Close()

	hello, err := wire.ReadHello(nc)
	if err != nil {
		return err
	}

	switch hello.Kind {
	case wire.HelloDaemon:
		// hello.ListenAddr, not nc.RemoteAddr(): the latter is the
		// ephemeral port this peer dialed from, not a port anyone
		// could dial back into.
		s.Peers.SetKnownHost(hello.Node.Name, hello.Node.EndpointID, hello.ListenAddr)
		if err := wire.WriteHelloResponse(nc, wire.HelloResponse{Kind: wire.HelloRespDaemon}); err != nil {
			return err
		}
	case wire.HelloRoot:
		s.Peers.SetKnownHost(hello.Node.Name, hello.Node.EndpointID, hello.ListenAddr)
		root := s.Root()
		if root == nil {
			root = &s.Local
		}
		resp := wire.HelloResponse{
			Kind:       wire.HelloRespRoot,
			RootNode:   *root,
			KnownHosts: s.Peers.KnownHostsSnapshot(),
		}
		if err := wire.WriteHelloResponse(nc, resp); err != nil {
			return err
		}
	default:
		s.Log.Warn("unexpected hello kind on peer listener")
		return nil
	}

	for {
		req, err := wire.ReadDaemonRequest(nc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := handleDaemonRequest(nc, s, req); err != nil {
			return err
		}
	}
}

func handleDaemonRequest(nc net.Conn, s *daemonstate.State, req wire.DaemonRequest) error {
	switch req.Kind {
	case wire.DReqPlace:
		uri, err := s.Store.CreateUniqueURI()
		if err != nil {
			return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespPlace, Err: wire.NotAccessible()})
		}
		return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespPlace, URI: uri})

	case wire.DReqOpen:
		fd, err := s.Store.OpenForReading(req.URI)
		if err != nil {
			return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespOpen, Err: wire.DoesNotExist()})
		}
		return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespOpen, Fd: fd})

	case wire.DReqRead:
		return handleDaemonRead(nc, s, req)

	case wire.DReqWrite:
		body, err := wire.ReadBulk(nc)
		if err != nil {
			return err
		}
		if err := s.Store.Write(req.URI, body); err != nil {
			return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespWrite, Err: wire.DoesNotExist()})
		}
		return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespWrite, N: len(body)})

	case wire.DReqReadFD:
		buf, err := s.Store.ReadFD(req.Fd, req.Len)
		if err != nil {
			return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespReadFD, Err: wire.FileNotOpen()})
		}
		if err := wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespReadFD}); err != nil {
			return err
		}
		return wire.WriteBulk(nc, buf)

	case wire.DReqReadLineFD:
		buf, err := s.Store.ReadLineFD(req.Fd)
		if err != nil {
			return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespReadLineFD, Err: wire.FileNotOpen()})
		}
		if err := wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespReadLineFD}); err != nil {
			return err
		}
		return wire.WriteBulk(nc, buf)

	case wire.DReqClose:
		if err := s.Store.CloseFD(req.Fd); err != nil {
			return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespClose, Err: wire.FileNotOpen()})
		}
		return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespClose})

	case wire.DReqRemove:
		if err := s.Store.Remove(req.URI); err != nil {
			return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespRemove, Err: wire.DoesNotExist()})
		}
		return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespRemove})

	case wire.DReqAppendDirEntry:
		lock := s.Store.Lock()
		lock.Lock()
		err := dirent.Append(s.Store.Path(req.URI), req.Entry)
		lock.Unlock()
		if werr, ok := err.(*wire.Error); ok {
			return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespAppendDirEntry, Err: werr})
		} else if err != nil {
			return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespAppendDirEntry, Err: wire.Other(err.Error())})
		}
		return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespAppendDirEntry})

	case wire.DReqAddressFor:
		id, addr, ok := s.Peers.AddressOf(req.NodeName)
		if !ok {
			return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespAddressFor, HasEndpoint: false})
		}
		return wire.WriteDaemonResponse(nc, wire.DaemonResponse{
			Kind: wire.DRespAddressFor, HasEndpoint: true, EndpointID: id, Address: addr,
		})

	default:
		s.Log.Warn("unexpected daemon request kind")
		return nil
	}
}

func handleDaemonRead(nc net.Conn, s *daemonstate.State, req wire.DaemonRequest) error {
	if req.HasMTime {
		info, err := os.Stat(s.Store.Path(req.URI))
		if err == nil && !info.ModTime().After(unixTime(req.MTimeUnix)) {
			return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespRead, Err: wire.NotModified()})
		}
	}
	data, err := s.Store.Read(req.URI)
	if err != nil {
		return wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespRead, Err: wire.DoesNotExist()})
	}
	if err := wire.WriteDaemonResponse(nc, wire.DaemonResponse{Kind: wire.DRespRead}); err != nil {
		return err
	}
	return wire.WriteBulk(nc, data)
}
