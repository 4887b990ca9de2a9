// Package dirent implements the directory blob format: a flat,
// append-only sequence of wire-encoded DirectoryEntry records, linearly
// scanned on lookup. Grounded on the original source's
// search_directory_with_reader/append_dir_entry.
package dirent

import (
	"bytes"
	"io"
	"os"

	"github.com/BDhanush/vpfs/wire"
	"github.com/pkg/errors"
)

// Search scans r for an entry named name, returning wire.DoesNotExist
// if the stream is exhausted first.
func Search(r io.Reader, name string) (wire.DirectoryEntry, error) {
	for {
		entry, err := wire.ReadDirectoryEntry(r)
		if err == io.EOF {
			return wire.DirectoryEntry{}, wire.DoesNotExist()
		}
		if err != nil {
			return wire.DirectoryEntry{}, errors.Wrap(err, "dirent: scan directory")
		}
		if entry.Name == name {
			return entry, nil
		}
	}
}

// SearchFile opens uri and scans it for name. Callers hold the
// file_access_lock for the duration.
func SearchFile(uri string, name string) (wire.DirectoryEntry, error) {
	f, err := os.Open(uri)
	if err != nil {
		return wire.DirectoryEntry{}, errors.Wrapf(err, "dirent: open directory %q", uri)
	}
	defer f.Close()
	return Search(f, name)
}

// SearchBytes scans an in-memory directory blob (used for the
// cache-populated remote-directory path in resolve).
func SearchBytes(data []byte, name string) (wire.DirectoryEntry, error) {
	return Search(bytes.NewReader(data), name)
}

// Append adds a new entry to the directory at uri unless one with the
// same name already exists, in which case it returns
// wire.AlreadyExists(existing). Callers hold the file_access_lock
// exclusively.
func Append(uri string, entry wire.DirectoryEntry) error {
	if existing, err := SearchFile(uri, entry.Name); err == nil {
		return wire.AlreadyExists(existing)
	} else if !errors.Is(err, wire.DoesNotExist()) {
		return err
	}
	f, err := os.OpenFile(uri, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "dirent: open directory %q for append", uri)
	}
	defer f.Close()
	if err := wire.WriteDirectoryEntry(f, entry); err != nil {
		return errors.Wrapf(err, "dirent: append to directory %q", uri)
	}
	return nil
}
