package dispatch

import (
	"net"
	"testing"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"

	"github.com/BDhanush/vpfs/wire"
)

func TestServePeerHandshakeDaemon(t *testing.T) {
	s := newSingleNodeState(t)
	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- ServePeer(serverConn, s) }()

	other := wire.VPFSNode{Name: "node2", EndpointID: xid.New()}
	require.NoError(t, wire.WriteHello(clientConn, wire.Hello{Kind: wire.HelloDaemon, Node: other}))
	resp, err := wire.ReadHelloResponse(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.HelloRespDaemon, resp.Kind)

	require.NoError(t, clientConn.Close())
	require.NoError(t, <-done)
}

func TestServePeerPlaceWriteRead(t *testing.T) {
	s := newSingleNodeState(t)
	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- ServePeer(serverConn, s) }()
	defer func() {
		_ = clientConn.Close()
		<-done
	}()

	other := wire.VPFSNode{Name: "node2", EndpointID: xid.New()}
	require.NoError(t, wire.WriteHello(clientConn, wire.Hello{Kind: wire.HelloDaemon, Node: other}))
	_, err := wire.ReadHelloResponse(clientConn)
	require.NoError(t, err)

	require.NoError(t, wire.WriteDaemonRequest(clientConn, wire.DaemonRequest{Kind: wire.DReqPlace}))
	placeResp, err := wire.ReadDaemonResponse(clientConn)
	require.NoError(t, err)
	require.Nil(t, placeResp.Err)
	uri := placeResp.URI
	require.NotEmpty(t, uri)

	body := []byte("peer payload")
	require.NoError(t, wire.WriteDaemonRequest(clientConn, wire.DaemonRequest{Kind: wire.DReqWrite, URI: uri}))
	require.NoError(t, wire.WriteBulk(clientConn, body))
	writeResp, err := wire.ReadDaemonResponse(clientConn)
	require.NoError(t, err)
	require.Nil(t, writeResp.Err)
	require.Equal(t, len(body), writeResp.N)

	require.NoError(t, wire.WriteDaemonRequest(clientConn, wire.DaemonRequest{Kind: wire.DReqRead, URI: uri}))
	readResp, err := wire.ReadDaemonResponse(clientConn)
	require.NoError(t, err)
	require.Nil(t, readResp.Err)
	got, err := wire.ReadBulk(clientConn)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestServePeerAddressForUnknownHost(t *testing.T) {
	s := newSingleNodeState(t)
	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- ServePeer(serverConn, s) }()
	defer func() {
		_ = clientConn.Close()
		<-done
	}()

	other := wire.VPFSNode{Name: "node2", EndpointID: xid.New()}
	require.NoError(t, wire.WriteHello(clientConn, wire.Hello{Kind: wire.HelloDaemon, Node: other}))
	_, err := wire.ReadHelloResponse(clientConn)
	require.NoError(t, err)

	require.NoError(t, wire.WriteDaemonRequest(clientConn, wire.DaemonRequest{
		Kind: wire.DReqAddressFor, NodeName: "ghost",
	}))
	resp, err := wire.ReadDaemonResponse(clientConn)
	require.NoError(t, err)
	require.False(t, resp.HasEndpoint)
}
