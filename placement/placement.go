// Package placement implements file/directory creation (spec.md
// §4.G): allocate a blob (locally or on a remote node), resolve the
// parent directory, append the new entry, and roll back the
// allocation if the name turns out to already be taken. Grounded on
// the original source's place_file.
package placement

import (
	"net"
	"strings"

	"github.com/pkg/errors"

	"github.com/BDhanush/vpfs/daemonstate"
	"github.com/BDhanush/vpfs/dirent"
	"github.com/BDhanush/vpfs/resolve"
	"github.com/BDhanush/vpfs/wire"
)

// Place creates a new blob named by the last path component of path,
// owned by node at, and links it into its parent directory. isDir
// additionally seeds the new directory with "." and ".." entries.
func Place(s *daemonstate.State, path string, at string, isDir bool) (wire.Location, error) {
	uri, err := allocate(s, at)
	if err != nil {
		return wire.Location{}, err
	}
	newLoc := wire.Location{NodeName: at, URI: uri}

	parentLoc, name, err := parentOf(s, path)
	if err != nil {
		rollback(s, at, uri)
		return wire.Location{}, err
	}

	entry := wire.DirectoryEntry{Location: newLoc, Name: name, IsDir: isDir}
	if err := appendEntry(s, parentLoc, entry); err != nil {
		rollback(s, at, uri)
		return wire.Location{}, err
	}

	if isDir {
		dot := wire.DirectoryEntry{Location: newLoc, Name: ".", IsDir: true}
		dotdot := wire.DirectoryEntry{Location: parentLoc, Name: "..", IsDir: true}
		// Best-effort, matching the original source: a failure here
		// does not roll back the directory entry already linked in.
		_ = appendEntry(s, newLoc, dot)
		_ = appendEntry(s, newLoc, dotdot)
	}

	return newLoc, nil
}

func allocate(s *daemonstate.State, at string) (string, error) {
	if at == s.Local.Name {
		return s.Store.CreateUniqueURI()
	}
	conn, err := s.Peers.Get(at)
	if err != nil {
		return "", wire.NotAccessible()
	}
	var resp wire.DaemonResponse
	err = conn.Do(
		func(nc net.Conn) error {
			return wire.WriteDaemonRequest(nc, wire.DaemonRequest{Kind: wire.DReqPlace})
		},
		func(nc net.Conn) error {
			r, err := wire.ReadDaemonResponse(nc)
			resp = r
			return err
		},
	)
	if err != nil {
		return "", errors.Wrap(err, "placement: allocate on remote node")
	}
	if resp.Err != nil {
		return "", resp.Err
	}
	return resp.URI, nil
}

func rollback(s *daemonstate.State, at, uri string) {
	if at == s.Local.Name {
		_ = s.Store.Remove(uri)
		return
	}
	conn, err := s.Peers.Get(at)
	if err != nil {
		return
	}
	_ = conn.Do(
		func(nc net.Conn) error {
			return wire.WriteDaemonRequest(nc, wire.DaemonRequest{Kind: wire.DReqRemove, URI: uri})
		},
		func(nc net.Conn) error {
			_, err := wire.ReadDaemonResponse(nc)
			return err
		},
	)
}

// parentOf resolves the directory that should receive the new entry:
// the rsplit parent if path has one, otherwise the cluster root.
func parentOf(s *daemonstate.State, path string) (wire.Location, string, error) {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		// A degraded (CacheNeededForTraversal) resolution of the
		// parent is treated as failure here, same as the original
		// source's `?` on recursive_find: placement never links a new
		// entry into a directory it only reached through a stale
		// cache copy.
		parentEntry, err := resolve.Resolve(s, path[:i])
		if err != nil {
			return wire.Location{}, "", err
		}
		return parentEntry.Location, path[i+1:], nil
	}
	root := s.Root()
	if root == nil {
		return wire.Location{}, "", wire.NotAccessible()
	}
	return wire.Location{NodeName: root.Name, URI: daemonstate.RootDirURI}, path, nil
}

func appendEntry(s *daemonstate.State, dir wire.Location, entry wire.DirectoryEntry) error {
	if dir.NodeName == s.Local.Name {
		lock := s.Store.Lock()
		lock.Lock()
		defer lock.Unlock()
		return dirent.Append(s.Store.Path(dir.URI), entry)
	}
	conn, err := s.Peers.Get(dir.NodeName)
	if err != nil {
		return wire.NotAccessible()
	}
	var resp wire.DaemonResponse
	err = conn.Do(
		func(nc net.Conn) error {
			return wire.WriteDaemonRequest(nc, wire.DaemonRequest{
				Kind: wire.DReqAppendDirEntry, URI: dir.URI, Entry: entry,
			})
		},
		func(nc net.Conn) error {
			r, err := wire.ReadDaemonResponse(nc)
			resp = r
			return err
		},
	)
	if err != nil {
		return errors.Wrap(err, "placement: append directory entry on remote node")
	}
	if resp.Err != nil {
		return resp.Err
	}
	return nil
}
