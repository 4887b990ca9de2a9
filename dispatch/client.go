package dispatch

import (
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/BDhanush/vpfs/daemonstate"
	"github.com/BDhanush/vpfs/placement"
	"github.com/BDhanush/vpfs/resolve"
	"github.com/BDhanush/vpfs/wire"
)

// ServeClient handles one local client connection for its whole
// lifetime: the ClientHello handshake, then a sequential loop of
// ClientRequest/ClientResponse pairs. Grounded on the original
// source's daemon.rs (handle_client/handle_connection).
func ServeClient(nc net.Conn, s *daemonstate.State) error {
	defer nc.Close()

	hello, err := wire.ReadHello(nc)
	if err != nil {
		return err
	}
	if hello.Kind != wire.HelloClient {
		s.Log.Warn("unexpected hello kind on client listener")
		return nil
	}
	resp := wire.HelloResponse{Kind: wire.HelloRespClient, ClientNodeName: s.Local.Name}
	if err := wire.WriteHelloResponse(nc, resp); err != nil {
		return err
	}

	for {
		req, err := wire.ReadClientRequest(nc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := handleClientRequest(nc, s, req); err != nil {
			return err
		}
	}
}

func handleClientRequest(nc net.Conn, s *daemonstate.State, req wire.ClientRequest) error {
	switch req.Kind {
	case wire.ReqFind:
		entry, err := resolve.Resolve(s, req.Path)
		if err != nil {
			return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespFind, Err: asWireError(err)})
		}
		return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespFind, Entry: entry})

	case wire.ReqPlace:
		loc, err := placement.Place(s, req.Path, req.AtNode, false)
		if err != nil {
			return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespPlace, Err: asWireError(err)})
		}
		return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespPlace, Loc: loc})

	case wire.ReqMkdir:
		loc, err := placement.Place(s, req.Path, req.AtNode, true)
		if err != nil {
			return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespMkdir, Err: asWireError(err)})
		}
		return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespMkdir, Loc: loc})

	case wire.ReqRead:
		return handleClientRead(nc, s, req)

	case wire.ReqWrite:
		return handleClientWrite(nc, s, req)

	case wire.ReqOpen:
		return handleClientOpen(nc, s, req)

	case wire.ReqReadFD:
		return handleClientReadFD(nc, s, req)

	case wire.ReqReadLineFD:
		return handleClientReadLineFD(nc, s, req)

	case wire.ReqClose:
		return handleClientClose(nc, s, req)

	default:
		s.Log.Warn("unexpected client request kind")
		return nil
	}
}

func handleClientRead(nc net.Conn, s *daemonstate.State, req wire.ClientRequest) error {
	data, err := readLocation(s, req.Location)
	if err != nil {
		return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespRead, Err: asWireError(err)})
	}
	if err := wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespRead, N: len(data)}); err != nil {
		return err
	}
	return wire.WriteBulk(nc, data)
}

func handleClientWrite(nc net.Conn, s *daemonstate.State, req wire.ClientRequest) error {
	body, err := wire.ReadBulk(nc)
	if err != nil {
		return err
	}
	if err := writeLocation(s, req.Location, body); err != nil {
		return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespWrite, Err: asWireError(err)})
	}
	return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespWrite, N: len(body)})
}

func handleClientOpen(nc net.Conn, s *daemonstate.State, req wire.ClientRequest) error {
	fd, err := openLocation(s, req.Location)
	if err != nil {
		return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespOpen, Err: asWireError(err)})
	}
	return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespOpen, Fd: fd})
}

func handleClientReadFD(nc net.Conn, s *daemonstate.State, req wire.ClientRequest) error {
	buf, err := readFDAt(s, req.Location.NodeName, req.Fd, req.Len)
	if err != nil {
		return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespReadFD, Err: asWireError(err)})
	}
	if err := wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespReadFD, N: len(buf)}); err != nil {
		return err
	}
	return wire.WriteBulk(nc, buf)
}

func handleClientReadLineFD(nc net.Conn, s *daemonstate.State, req wire.ClientRequest) error {
	buf, err := readLineFDAt(s, req.Location.NodeName, req.Fd)
	if err != nil {
		return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespReadLineFD, Err: asWireError(err)})
	}
	if err := wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespReadLineFD, N: len(buf)}); err != nil {
		return err
	}
	return wire.WriteBulk(nc, buf)
}

func handleClientClose(nc net.Conn, s *daemonstate.State, req wire.ClientRequest) error {
	if err := closeFDAt(s, req.NodeName, req.Fd); err != nil {
		return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespClose, Err: asWireError(err)})
	}
	return wire.WriteClientResponse(nc, wire.ClientResponse{Kind: wire.RespClose})
}

// asWireError normalizes any error into a *wire.Error so it can cross
// the wire in a ClientResponse.Err field.
func asWireError(err error) *wire.Error {
	if werr, ok := err.(*wire.Error); ok {
		return werr
	}
	return wire.Other(err.Error())
}
