package wire

import "github.com/rs/xid"

// VPFSNode identifies one daemon in the cluster: a cluster-unique
// short name plus its stable peer identity. Created once at daemon
// startup and never mutated.
type VPFSNode struct {
	Name       string
	EndpointID xid.ID
}

// Location identifies one blob: the node that stores it and that
// node's private name for it.
type Location struct {
	NodeName string
	URI      string
}

// DirectoryEntry is one record in a directory blob.
type DirectoryEntry struct {
	Location Location
	Name     string
	IsDir    bool
}

// CacheEntry records the on-disk backing file for one cached Location.
type CacheEntry struct {
	URI string
}

// ErrorKind is the closed VPFS error taxonomy (spec.md §7).
type ErrorKind uint8

const (
	ErrDoesNotExist ErrorKind = iota
	ErrNotFound
	ErrNotAccessible
	ErrNotADirectory
	ErrAlreadyExists
	ErrOnlyInCache
	ErrCacheNeededForTraversal
	ErrNotModified
	ErrFileNotOpen
	ErrOther
)

func (k ErrorKind) String() string {
	switch k {
	case ErrDoesNotExist:
		return "DoesNotExist"
	case ErrNotFound:
		return "NotFound"
	case ErrNotAccessible:
		return "NotAccessible"
	case ErrNotADirectory:
		return "NotADirectory"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrOnlyInCache:
		return "OnlyInCache"
	case ErrCacheNeededForTraversal:
		return "CacheNeededForTraversal"
	case ErrNotModified:
		return "NotModified"
	case ErrFileNotOpen:
		return "FileNotOpen"
	default:
		return "Other"
	}
}

// Error is the wire-serializable VPFS error. It carries the payload
// that AlreadyExists/OnlyInCache/CacheNeededForTraversal need, never
// a wrapped chain: code that wraps for logs uses github.com/pkg/errors
// around this, not inside it.
type Error struct {
	Kind    ErrorKind
	Entry   *DirectoryEntry // AlreadyExists, CacheNeededForTraversal
	AtLoc   *Location       // OnlyInCache
	Message string          // Other
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil VPFS error>"
	}
	switch e.Kind {
	case ErrAlreadyExists:
		if e.Entry != nil {
			return "already exists: " + e.Entry.Name
		}
	case ErrOnlyInCache:
		if e.AtLoc != nil {
			return "only in cache at " + e.AtLoc.NodeName + ":" + e.AtLoc.URI
		}
	case ErrCacheNeededForTraversal:
		if e.Entry != nil {
			return "cache needed for traversal: " + e.Entry.Name
		}
	case ErrOther:
		return "other: " + e.Message
	}
	return e.Kind.String()
}

// Is lets errors.Is match on Kind alone, ignoring payload, so callers
// can write `errors.Is(err, wire.DoesNotExist())`.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

func DoesNotExist() *Error           { return &Error{Kind: ErrDoesNotExist} }
func NotFound() *Error               { return &Error{Kind: ErrNotFound} }
func NotAccessible() *Error          { return &Error{Kind: ErrNotAccessible} }
func NotADirectory() *Error          { return &Error{Kind: ErrNotADirectory} }
func AlreadyExists(e DirectoryEntry) *Error {
	return &Error{Kind: ErrAlreadyExists, Entry: &e}
}
func OnlyInCache(loc Location) *Error {
	return &Error{Kind: ErrOnlyInCache, AtLoc: &loc}
}
func CacheNeededForTraversal(e DirectoryEntry) *Error {
	return &Error{Kind: ErrCacheNeededForTraversal, Entry: &e}
}
func NotModified() *Error    { return &Error{Kind: ErrNotModified} }
func FileNotOpen() *Error    { return &Error{Kind: ErrFileNotOpen} }
func Other(msg string) *Error { return &Error{Kind: ErrOther, Message: msg} }

// HelloKind discriminates the client/peer handshake message.
type HelloKind uint8

const (
	HelloClient HelloKind = iota
	HelloDaemon
	HelloRoot
)

// Hello is sent first on every new connection.
type Hello struct {
	Kind HelloKind
	Node VPFSNode // set for HelloDaemon and HelloRoot

	// ListenAddr is the dialable "host:port" other daemons can use to
	// reach this node's peer listener, set for HelloDaemon and
	// HelloRoot so the accepting side can register it in known_hosts
	// and dial back independently later instead of trying to reuse
	// this (one-directional) connection for the other direction.
	ListenAddr string
}

// HelloResponseKind discriminates the handshake reply.
type HelloResponseKind uint8

const (
	HelloRespClient HelloResponseKind = iota
	HelloRespDaemon
	HelloRespRoot
)

// HelloResponse answers a Hello.
type HelloResponse struct {
	Kind           HelloResponseKind
	ClientNodeName string              // HelloRespClient
	RootNode       VPFSNode            // HelloRespRoot
	KnownHosts     map[string]xid.ID   // HelloRespRoot
}

// ClientRequestKind discriminates ClientRequest.
type ClientRequestKind uint8

const (
	ReqFind ClientRequestKind = iota
	ReqPlace
	ReqMkdir
	ReqRead
	ReqWrite
	ReqOpen
	ReqReadFD
	ReqReadLineFD
	ReqClose
)

// ClientRequest is one message in the client<->daemon protocol
// (spec.md §6's "Client ↔ Daemon protocol" table).
type ClientRequest struct {
	Kind     ClientRequestKind
	Path     string // Find, Place, Mkdir
	AtNode   string // Place, Mkdir
	Location Location
	Len      int    // Write
	Fd       int32  // ReadFd, ReadLineFd, Close
	NodeName string // Close
}

// ClientResponseKind discriminates ClientResponse.
type ClientResponseKind uint8

const (
	RespFind ClientResponseKind = iota
	RespPlace
	RespMkdir
	RespRead
	RespWrite
	RespOpen
	RespReadFD
	RespReadLineFD
	RespClose
)

// ClientResponse is the reply to a ClientRequest. Bulk bodies for
// Read/ReadFd/ReadLineFd follow as a second frame only when Err==nil.
type ClientResponse struct {
	Kind  ClientResponseKind
	Entry DirectoryEntry // Find
	Loc   Location       // Place, Mkdir
	N     int            // Read (byte count header), Write (ack count)
	Fd    int32          // Open
	Err   *Error
}

// DaemonRequestKind discriminates DaemonRequest.
type DaemonRequestKind uint8

const (
	DReqPlace DaemonRequestKind = iota
	DReqOpen
	DReqRead
	DReqWrite
	DReqReadFD
	DReqReadLineFD
	DReqClose
	DReqRemove
	DReqAppendDirEntry
	DReqAddressFor
)

// DaemonRequest is one sub-stream request in the peer<->peer protocol.
type DaemonRequest struct {
	Kind       DaemonRequestKind
	URI        string
	HasMTime   bool
	MTimeUnix  int64 // Read, requester's cached mtime
	Fd         int32
	Len        int
	Entry      DirectoryEntry // AppendDirectoryEntry
	NodeName   string         // AddressFor
}

// DaemonResponseKind discriminates DaemonResponse.
type DaemonResponseKind uint8

const (
	DRespPlace DaemonResponseKind = iota
	DRespOpen
	DRespRead
	DRespWrite
	DRespReadFD
	DRespReadLineFD
	DRespClose
	DRespRemove
	DRespAppendDirEntry
	DRespAddressFor
)

// DaemonResponse is the reply to a DaemonRequest. A bulk body follows
// as a second frame only for a successful Read/ReadFd/ReadLineFd.
type DaemonResponse struct {
	Kind       DaemonResponseKind
	URI        string // Place
	Fd         int32  // Open
	N          int    // Write ack
	Err        *Error
	HasEndpoint bool
	EndpointID xid.ID // AddressFor, logical peer identity, present iff HasEndpoint
	Address    string // AddressFor, dialable "host:port", present iff HasEndpoint
}
