// Package cnl implements the cannelloni TCP framing used by the bus monitor:
// a "CANNELLONIv1" greeting in both directions followed by a stream of
// frames, each a big-endian SocketCAN id, a length byte and the payload.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

var (
	// ErrInvalidLength is returned when a frame length is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the stream ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
)

const (
	headerLen = 5 // id(4) + len(1)
	maxWire   = headerLen + can.MaxDataLen
	// The top bit of the length byte is reserved for CAN FD flags.
	lenMask = 0x7F
)

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * maxWire)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w, one Write call per frame, and returns the
// number of bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var (
		scratch [maxWire]byte
		total   int
	)
	for i := range frames {
		f := &frames[i]
		p := f.Payload()
		binary.BigEndian.PutUint32(scratch[:4], f.CANID)
		scratch[4] = uint8(len(p))
		copy(scratch[headerLen:], p)
		n, err := w.Write(scratch[:headerLen+len(p)])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF only at a clean
// frame boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var (
		f   can.Frame
		hdr [headerLen]byte
	)
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode header: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & lenMask)
	if ln > can.MaxDataLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln == 0 {
		return f, nil
	}
	if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
		}
		return f, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	return f, nil
}

// DecodeN decodes up to max frames (unbounded when max <= 0), invoking
// onFrame for each. It returns the count and the terminal error, which is
// io.EOF at a clean end of stream.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
