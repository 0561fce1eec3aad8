package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxMessageSize caps a single frame's payload at 64 MiB. Frames announcing
// a larger length are rejected before any payload bytes are read.
const MaxMessageSize = 64 * 1024 * 1024

// ErrMessageTooLarge is returned when a frame's length prefix exceeds
// MaxMessageSize.
var ErrMessageTooLarge = errors.New("protocol: message exceeds size limit")

// WriteFrame writes a length-prefixed message to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	return nil
}

// ReadFrame reads one length-prefixed message from r. It returns io.EOF
// untouched when the peer closes the connection cleanly between frames, so
// callers can distinguish an orderly hangup from a torn read.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read frame header")
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	return payload, nil
}
