// Package transport implements the length-prefixed multipart message framing used by the
// report, control, and dispatch endpoints: a small TCP-based req/rep and pub/sub protocol,
// since no example in the retrieval pack carries a ZeroMQ binding or an equivalent pub/sub
// broker client.
package transport

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Frame is a multipart message: an ordered sequence of opaque byte parts. A 2-part frame
// tagged ["S", payload] is a seed/job message; a 2-part frame tagged ["C", payload] is a
// control message; a 3-part frame [topic, tag, payload] is a dispatch message.
type Frame [][]byte

// maxFramePartSize bounds a single part to 256 MiB, guarding against a corrupt length
// prefix turning into an unbounded allocation.
const maxFramePartSize = 256 << 20

// WriteFrame writes f to w as a part count followed by each part's length-prefixed bytes,
// all in big-endian uint32 fields.
func WriteFrame(w io.Writer, f Frame) error {
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(f)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return errors.Wrap(err, "write frame part count")
	}
	for _, part := range f {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(part)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return errors.Wrap(err, "write frame part length")
		}
		if _, err := w.Write(part); err != nil {
			return errors.Wrap(err, "write frame part")
		}
	}
	return nil
}

// ReadFrame reads a frame previously written by WriteFrame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	frame := make(Frame, 0, count)
	for i := uint32(0); i < count; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, errors.Wrap(err, "read frame part length")
		}
		partLen := binary.BigEndian.Uint32(lenBuf[:])
		if partLen > maxFramePartSize {
			return nil, errors.Errorf("frame part length %d exceeds maximum %d", partLen, maxFramePartSize)
		}
		part := make([]byte, partLen)
		if _, err := io.ReadFull(r, part); err != nil {
			return nil, errors.Wrap(err, "read frame part")
		}
		frame = append(frame, part)
	}
	return frame, nil
}
