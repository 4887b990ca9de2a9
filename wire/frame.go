// Package wire implements the VPFS wire codec: an 8-byte big-endian
// length prefix followed by a tag-discriminated encoding of one
// message variant, shared by the client<->daemon and peer<->peer
// protocols.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameSize bounds a single frame's payload so a corrupt or hostile
// peer cannot force an unbounded allocation from the length prefix.
const MaxFrameSize = 256 << 20 // 256MiB

// WriteFrame writes payload as one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "wire: write frame length")
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "wire: write frame body")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "wire: read frame length")
	}
	n := binary.BigEndian.Uint64(lenBuf[:])
	if n > MaxFrameSize {
		return nil, errors.Errorf("wire: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "wire: read frame body")
		}
	}
	return buf, nil
}

// WriteBulk writes a raw byte body as its own frame, used for the
// second message that follows a successful Read/Write header per
// spec.md §4.I.
func WriteBulk(w io.Writer, body []byte) error {
	return WriteFrame(w, body)
}

// ReadBulk reads a raw byte body frame.
func ReadBulk(r io.Reader) ([]byte, error) {
	return ReadFrame(r)
}
