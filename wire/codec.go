package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/xid"
)

// xidLen is rs/xid's fixed ID width (xid.ID is a [12]byte).
const xidLen = 12

// DecodeErr reports a structural decode failure: a truncated field, a
// length over MaxFrameSize, or trailing bytes after a message. Tag
// bytes are not validated: an unknown tag decodes to an out-of-range
// Kind value instead of a DecodeErr. IoError, separately, is whatever
// the underlying transport returned; frame.go already wraps those with
// github.com/pkg/errors, so callers can tell the two apart with
// errors.As on *DecodeErr versus anything else.
type DecodeErr struct {
	Reason string
}

func (e *DecodeErr) Error() string { return "wire: decode error: " + e.Reason }

func decodeErrf(format string, args ...interface{}) error {
	return errors.WithStack(&DecodeErr{Reason: fmt.Sprintf(format, args...)})
}

// truncated reports a failed io.ReadFull. A clean io.EOF (zero bytes
// read) is passed through unchanged so stream decoding — the
// directory blob's back-to-back records — can tell "no more records"
// from "a record was cut off mid-way".
func truncated(err error, what string) error {
	if err == io.EOF {
		return io.EOF
	}
	return decodeErrf("truncated %s: %v", what, err)
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) byte(b byte)    { e.buf.WriteByte(b) }
func (e *encoder) bool(b bool) {
	if b {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}
func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }
func (e *encoder) i32(v int32)  { e.u64(uint64(uint32(v))) }
func (e *encoder) int(v int)    { e.i64(int64(v)) }
func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.buf.WriteString(s)
}
func (e *encoder) bytesField(b []byte) {
	e.u64(uint64(len(b)))
	e.buf.Write(b)
}
func (e *encoder) xid(id xid.ID) { e.buf.Write(id[:]) }

func (e *encoder) location(l Location) {
	e.str(l.NodeName)
	e.str(l.URI)
}

func (e *encoder) dirEntry(d DirectoryEntry) {
	e.location(d.Location)
	e.str(d.Name)
	e.bool(d.IsDir)
}

func (e *encoder) node(n VPFSNode) {
	e.str(n.Name)
	e.xid(n.EndpointID)
}

func (e *encoder) vpfsError(err *Error) {
	if err == nil {
		e.bool(false)
		return
	}
	e.bool(true)
	e.byte(byte(err.Kind))
	switch err.Kind {
	case ErrAlreadyExists, ErrCacheNeededForTraversal:
		if err.Entry != nil {
			e.dirEntry(*err.Entry)
		} else {
			e.dirEntry(DirectoryEntry{})
		}
	case ErrOnlyInCache:
		if err.AtLoc != nil {
			e.location(*err.AtLoc)
		} else {
			e.location(Location{})
		}
	case ErrOther:
		e.str(err.Message)
	}
}

func (e *encoder) bytes() []byte { return e.buf.Bytes() }

type decoder struct {
	r io.Reader
}

func newDecoder(b []byte) *decoder { return &decoder{r: bytes.NewReader(b)} }

// newStreamDecoder wraps an arbitrary io.Reader for formats, like the
// directory blob, where records are packed back to back with no outer
// frame and d.done() is never called.
func newStreamDecoder(r io.Reader) *decoder { return &decoder{r: r} }

func (d *decoder) byte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, truncated(err, "byte")
	}
	return b[0], nil
}

func (d *decoder) bool() (bool, error) {
	b, err := d.byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (d *decoder) u64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, truncated(err, "u64")
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (d *decoder) i64() (int64, error) {
	v, err := d.u64()
	return int64(v), err
}

func (d *decoder) i32() (int32, error) {
	v, err := d.u64()
	if err != nil {
		return 0, err
	}
	return int32(uint32(v)), nil
}

func (d *decoder) int() (int, error) {
	v, err := d.i64()
	return int(v), err
}

func (d *decoder) str() (string, error) {
	n, err := d.u64()
	if err != nil {
		return "", err
	}
	if n > MaxFrameSize {
		return "", decodeErrf("string length %d exceeds max frame size", n)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return "", decodeErrf("truncated string: %v", err)
		}
	}
	return string(buf), nil
}

func (d *decoder) bytesField() ([]byte, error) {
	n, err := d.u64()
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, decodeErrf("byte field length %d exceeds max frame size", n)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return nil, decodeErrf("truncated bytes: %v", err)
		}
	}
	return buf, nil
}

func (d *decoder) xid() (xid.ID, error) {
	var b xid.ID
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return b, decodeErrf("truncated xid: %v", err)
	}
	return b, nil
}

func (d *decoder) location() (Location, error) {
	node, err := d.str()
	if err != nil {
		return Location{}, err
	}
	uri, err := d.str()
	if err != nil {
		return Location{}, err
	}
	return Location{NodeName: node, URI: uri}, nil
}

func (d *decoder) dirEntry() (DirectoryEntry, error) {
	loc, err := d.location()
	if err != nil {
		return DirectoryEntry{}, err
	}
	name, err := d.str()
	if err != nil {
		return DirectoryEntry{}, err
	}
	isDir, err := d.bool()
	if err != nil {
		return DirectoryEntry{}, err
	}
	return DirectoryEntry{Location: loc, Name: name, IsDir: isDir}, nil
}

func (d *decoder) node() (VPFSNode, error) {
	name, err := d.str()
	if err != nil {
		return VPFSNode{}, err
	}
	id, err := d.xid()
	if err != nil {
		return VPFSNode{}, err
	}
	return VPFSNode{Name: name, EndpointID: id}, nil
}

func (d *decoder) vpfsError() (*Error, error) {
	present, err := d.bool()
	if err != nil || !present {
		return nil, err
	}
	kindByte, err := d.byte()
	if err != nil {
		return nil, err
	}
	kind := ErrorKind(kindByte)
	e := &Error{Kind: kind}
	switch kind {
	case ErrAlreadyExists, ErrCacheNeededForTraversal:
		entry, err := d.dirEntry()
		if err != nil {
			return nil, err
		}
		e.Entry = &entry
	case ErrOnlyInCache:
		loc, err := d.location()
		if err != nil {
			return nil, err
		}
		e.AtLoc = &loc
	case ErrOther:
		msg, err := d.str()
		if err != nil {
			return nil, err
		}
		e.Message = msg
	}
	return e, nil
}

func (d *decoder) done() error {
	br, ok := d.r.(*bytes.Reader)
	if !ok {
		return nil
	}
	if br.Len() != 0 {
		return decodeErrf("%d trailing bytes after decode", br.Len())
	}
	return nil
}

// --- Hello / HelloResponse ---

func WriteHello(w io.Writer, h Hello) error {
	var e encoder
	e.byte(byte(h.Kind))
	e.node(h.Node)
	e.str(h.ListenAddr)
	return WriteFrame(w, e.bytes())
}

func ReadHello(r io.Reader) (Hello, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return Hello{}, err
	}
	d := newDecoder(body)
	kindByte, err := d.byte()
	if err != nil {
		return Hello{}, err
	}
	node, err := d.node()
	if err != nil {
		return Hello{}, err
	}
	listenAddr, err := d.str()
	if err != nil {
		return Hello{}, err
	}
	if err := d.done(); err != nil {
		return Hello{}, err
	}
	return Hello{Kind: HelloKind(kindByte), Node: node, ListenAddr: listenAddr}, nil
}

func WriteHelloResponse(w io.Writer, h HelloResponse) error {
	var e encoder
	e.byte(byte(h.Kind))
	switch h.Kind {
	case HelloRespClient:
		e.str(h.ClientNodeName)
	case HelloRespRoot:
		e.node(h.RootNode)
		e.u64(uint64(len(h.KnownHosts)))
		for name, id := range h.KnownHosts {
			e.str(name)
			e.xid(id)
		}
	}
	return WriteFrame(w, e.bytes())
}

func ReadHelloResponse(r io.Reader) (HelloResponse, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return HelloResponse{}, err
	}
	d := newDecoder(body)
	kindByte, err := d.byte()
	if err != nil {
		return HelloResponse{}, err
	}
	hr := HelloResponse{Kind: HelloResponseKind(kindByte)}
	switch hr.Kind {
	case HelloRespClient:
		name, err := d.str()
		if err != nil {
			return HelloResponse{}, err
		}
		hr.ClientNodeName = name
	case HelloRespRoot:
		node, err := d.node()
		if err != nil {
			return HelloResponse{}, err
		}
		hr.RootNode = node
		n, err := d.u64()
		if err != nil {
			return HelloResponse{}, err
		}
		hosts := make(map[string]xid.ID, n)
		for i := uint64(0); i < n; i++ {
			name, err := d.str()
			if err != nil {
				return HelloResponse{}, err
			}
			id, err := d.xid()
			if err != nil {
				return HelloResponse{}, err
			}
			hosts[name] = id
		}
		hr.KnownHosts = hosts
	}
	if err := d.done(); err != nil {
		return HelloResponse{}, err
	}
	return hr, nil
}

// --- ClientRequest / ClientResponse ---

func WriteClientRequest(w io.Writer, req ClientRequest) error {
	var e encoder
	e.byte(byte(req.Kind))
	e.str(req.Path)
	e.str(req.AtNode)
	e.location(req.Location)
	e.int(req.Len)
	e.i32(req.Fd)
	e.str(req.NodeName)
	return WriteFrame(w, e.bytes())
}

func ReadClientRequest(r io.Reader) (ClientRequest, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return ClientRequest{}, err
	}
	d := newDecoder(body)
	kindByte, err := d.byte()
	if err != nil {
		return ClientRequest{}, err
	}
	path, err := d.str()
	if err != nil {
		return ClientRequest{}, err
	}
	atNode, err := d.str()
	if err != nil {
		return ClientRequest{}, err
	}
	loc, err := d.location()
	if err != nil {
		return ClientRequest{}, err
	}
	n, err := d.int()
	if err != nil {
		return ClientRequest{}, err
	}
	fd, err := d.i32()
	if err != nil {
		return ClientRequest{}, err
	}
	nodeName, err := d.str()
	if err != nil {
		return ClientRequest{}, err
	}
	if err := d.done(); err != nil {
		return ClientRequest{}, err
	}
	return ClientRequest{
		Kind: ClientRequestKind(kindByte), Path: path, AtNode: atNode,
		Location: loc, Len: n, Fd: fd, NodeName: nodeName,
	}, nil
}

func WriteClientResponse(w io.Writer, resp ClientResponse) error {
	var e encoder
	e.byte(byte(resp.Kind))
	e.dirEntry(resp.Entry)
	e.location(resp.Loc)
	e.int(resp.N)
	e.i32(resp.Fd)
	e.vpfsError(resp.Err)
	return WriteFrame(w, e.bytes())
}

func ReadClientResponse(r io.Reader) (ClientResponse, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return ClientResponse{}, err
	}
	d := newDecoder(body)
	kindByte, err := d.byte()
	if err != nil {
		return ClientResponse{}, err
	}
	entry, err := d.dirEntry()
	if err != nil {
		return ClientResponse{}, err
	}
	loc, err := d.location()
	if err != nil {
		return ClientResponse{}, err
	}
	n, err := d.int()
	if err != nil {
		return ClientResponse{}, err
	}
	fd, err := d.i32()
	if err != nil {
		return ClientResponse{}, err
	}
	vErr, err := d.vpfsError()
	if err != nil {
		return ClientResponse{}, err
	}
	if err := d.done(); err != nil {
		return ClientResponse{}, err
	}
	return ClientResponse{
		Kind: ClientResponseKind(kindByte), Entry: entry, Loc: loc,
		N: n, Fd: fd, Err: vErr,
	}, nil
}

// --- DaemonRequest / DaemonResponse ---

func WriteDaemonRequest(w io.Writer, req DaemonRequest) error {
	var e encoder
	e.byte(byte(req.Kind))
	e.str(req.URI)
	e.bool(req.HasMTime)
	e.i64(req.MTimeUnix)
	e.i32(req.Fd)
	e.int(req.Len)
	e.dirEntry(req.Entry)
	e.str(req.NodeName)
	return WriteFrame(w, e.bytes())
}

func ReadDaemonRequest(r io.Reader) (DaemonRequest, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return DaemonRequest{}, err
	}
	d := newDecoder(body)
	kindByte, err := d.byte()
	if err != nil {
		return DaemonRequest{}, err
	}
	uri, err := d.str()
	if err != nil {
		return DaemonRequest{}, err
	}
	hasMTime, err := d.bool()
	if err != nil {
		return DaemonRequest{}, err
	}
	mtime, err := d.i64()
	if err != nil {
		return DaemonRequest{}, err
	}
	fd, err := d.i32()
	if err != nil {
		return DaemonRequest{}, err
	}
	n, err := d.int()
	if err != nil {
		return DaemonRequest{}, err
	}
	entry, err := d.dirEntry()
	if err != nil {
		return DaemonRequest{}, err
	}
	nodeName, err := d.str()
	if err != nil {
		return DaemonRequest{}, err
	}
	if err := d.done(); err != nil {
		return DaemonRequest{}, err
	}
	return DaemonRequest{
		Kind: DaemonRequestKind(kindByte), URI: uri, HasMTime: hasMTime,
		MTimeUnix: mtime, Fd: fd, Len: n, Entry: entry, NodeName: nodeName,
	}, nil
}

func WriteDaemonResponse(w io.Writer, resp DaemonResponse) error {
	var e encoder
	e.byte(byte(resp.Kind))
	e.str(resp.URI)
	e.i32(resp.Fd)
	e.int(resp.N)
	e.vpfsError(resp.Err)
	e.bool(resp.HasEndpoint)
	e.xid(resp.EndpointID)
	e.str(resp.Address)
	return WriteFrame(w, e.bytes())
}

func ReadDaemonResponse(r io.Reader) (DaemonResponse, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return DaemonResponse{}, err
	}
	d := newDecoder(body)
	kindByte, err := d.byte()
	if err != nil {
		return DaemonResponse{}, err
	}
	uri, err := d.str()
	if err != nil {
		return DaemonResponse{}, err
	}
	fd, err := d.i32()
	if err != nil {
		return DaemonResponse{}, err
	}
	n, err := d.int()
	if err != nil {
		return DaemonResponse{}, err
	}
	vErr, err := d.vpfsError()
	if err != nil {
		return DaemonResponse{}, err
	}
	hasEndpoint, err := d.bool()
	if err != nil {
		return DaemonResponse{}, err
	}
	endpointID, err := d.xid()
	if err != nil {
		return DaemonResponse{}, err
	}
	address, err := d.str()
	if err != nil {
		return DaemonResponse{}, err
	}
	if err := d.done(); err != nil {
		return DaemonResponse{}, err
	}
	return DaemonResponse{
		Kind: DaemonResponseKind(kindByte), URI: uri, Fd: fd, N: n,
		Err: vErr, HasEndpoint: hasEndpoint, EndpointID: endpointID, Address: address,
	}, nil
}

// --- DirectoryEntry, unframed ---
//
// Directory blobs are a flat, unframed, back-to-back sequence of
// these records (no outer length prefix per record — each record's
// own fields are already self-delimiting), so dirent can append
// without rewriting prior records and scan by decoding one record at
// a time until io.EOF.

// WriteDirectoryEntry appends one record directly to w.
func WriteDirectoryEntry(w io.Writer, d DirectoryEntry) error {
	var e encoder
	e.dirEntry(d)
	_, err := w.Write(e.bytes())
	if err != nil {
		return errors.Wrap(err, "wire: write directory entry")
	}
	return nil
}

// ReadDirectoryEntry decodes one record directly from r, returning
// io.EOF when r is exhausted at a record boundary.
func ReadDirectoryEntry(r io.Reader) (DirectoryEntry, error) {
	d := newStreamDecoder(r)
	entry, err := d.dirEntry()
	if err != nil {
		return DirectoryEntry{}, err
	}
	return entry, nil
}

// --- CacheSnapshotEntry, unframed ---
//
// One record of the on-disk cache snapshot (cache/cache.go's
// Persist/Restore): the Location being cached plus its local backing
// CacheEntry, packed back to back the same way directory blobs are.

type CacheSnapshotEntry struct {
	Location Location
	Entry    CacheEntry
}

func WriteCacheSnapshotEntry(w io.Writer, rec CacheSnapshotEntry) error {
	var e encoder
	e.location(rec.Location)
	e.str(rec.Entry.URI)
	_, err := w.Write(e.bytes())
	if err != nil {
		return errors.Wrap(err, "wire: write cache snapshot entry")
	}
	return nil
}

func ReadCacheSnapshotEntry(r io.Reader) (CacheSnapshotEntry, error) {
	d := newStreamDecoder(r)
	loc, err := d.location()
	if err != nil {
		return CacheSnapshotEntry{}, err
	}
	uri, err := d.str()
	if err != nil {
		return CacheSnapshotEntry{}, err
	}
	return CacheSnapshotEntry{Location: loc, Entry: CacheEntry{URI: uri}}, nil
}

// WriteUint64 and ReadUint64 write/read one big-endian uint64 with no
// framing, used by cache snapshot's leading used-bytes field.
func WriteUint64(w io.Writer, v uint64) error {
	var e encoder
	e.u64(v)
	if _, err := w.Write(e.bytes()); err != nil {
		return errors.Wrap(err, "wire: write uint64")
	}
	return nil
}

func ReadUint64(r io.Reader) (uint64, error) {
	d := newStreamDecoder(r)
	return d.u64()
}

// WriteOptionalNode and ReadOptionalNode write/read one presence byte
// followed by a VPFSNode only if present, with no outer framing —
// the cache snapshot's leading root-node field (spec.md §6), mirroring
// serde_bare's Option<T> encoding in the original source's
// add_cache_entry/restore_cache.
func WriteOptionalNode(w io.Writer, n *VPFSNode) error {
	var e encoder
	e.bool(n != nil)
	if n != nil {
		e.node(*n)
	}
	if _, err := w.Write(e.bytes()); err != nil {
		return errors.Wrap(err, "wire: write optional node")
	}
	return nil
}

func ReadOptionalNode(r io.Reader) (*VPFSNode, error) {
	d := newStreamDecoder(r)
	present, err := d.bool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	n, err := d.node()
	if err != nil {
		return nil, err
	}
	return &n, nil
}
