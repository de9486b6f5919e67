package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
)

// Codec speaks the UART framing of the CAN adapter:
//
//	2D D4 LEN BODY... SUM
//
// LEN counts BODY plus the checksum byte; SUM = 0x2D + LEN + sum(BODY).
// Host-to-adapter bodies are INS(1) FLAGS(1) ID(4) PAYLOAD; adapter-to-host
// bodies are ID(4) PAYLOAD.
type Codec struct{}

const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendExt   = 0x02
	flagsClassic = 0x80

	// RX LEN bounds: ID(4) + PAYLOAD(0..8) + SUM(1).
	rxMinLen = 4 + 0 + 1
	rxMaxLen = 4 + can.MaxDataLen + 1

	compactMin = 1024
)

// CompactBuffer reclaims consumed prefix capacity once the unread part is
// under a quarter of the backing array. It reports whether it copied.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < compactMin {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// envelope wraps body with preamble, length and checksum.
func envelope(body []byte) []byte {
	out := make([]byte, 0, len(body)+4)
	ln := byte(len(body) + 1)
	out = append(out, pre0, pre1, ln)
	sum := ln + pre0
	for _, b := range body {
		sum += b
	}
	out = append(out, body...)
	return append(out, sum)
}

// Encode builds the adapter "send with extended id" command for f.
func (Codec) Encode(f can.Frame) []byte {
	p := f.Payload()
	body := make([]byte, 6, 6+len(p))
	body[0] = insSendExt
	body[1] = flagsClassic | byte(len(p))
	binary.BigEndian.PutUint32(body[2:6], f.ID())
	body = append(body, p...)
	return envelope(body)
}

// DecodeStream consumes complete adapter frames from in and hands them to
// out. Partial frames stay buffered for the next call; garbage and bad
// checksums are skipped one byte at a time and counted as malformed.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	header := []byte{pre0, pre1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// Keep the last byte; it may be the first half of a preamble.
			last := data[len(data)-1]
			in.Reset()
			if last == pre0 {
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < rxMinLen || ln > rxMaxLen {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return nil
		}
		sum := byte(pre0) + data[2]
		for _, b := range data[3 : total-1] {
			sum += b
		}
		if sum != data[total-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[3:7])
		out(can.NewExtended(id, data[7:total-1]))
		in.Next(total)
	}
}
