// Package j1939 maps J1939 parameter groups onto 29-bit CAN identifiers.
//
// Identifier layout (bits):
//
//	28..26 priority | 25 EDP | 24 DP | 23..16 PF | 15..8 PS | 7..0 SA
//
// PF below 0xF0 is PDU1 (peer-to-peer): PS carries the destination address.
// PF 0xF0 and above is PDU2 (broadcast): PS is the low byte of the PGN.
package j1939

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-vehicle-can/internal/can"
)

const (
	// Broadcast is the global destination address.
	Broadcast uint8 = 0xFF
	// PDU2Threshold is the first PDU format value that denotes a broadcast PGN.
	PDU2Threshold = 0xF0

	pgnMask     = 0xFFFFFF
	pgnWireMask = 0x3FFFF
)

var (
	// ErrInvalidLength is returned when a frame declares more than 8 payload bytes.
	ErrInvalidLength = errors.New("j1939: invalid length")
	// ErrInvalidFrame is returned for identifiers that cannot carry a J1939 message.
	ErrInvalidFrame = errors.New("j1939: invalid frame")
)

// FrameRequest is a fully populated application frame description.
type FrameRequest struct {
	Enabled     bool    `json:"enabled"`
	PGN         uint32  `json:"pgn"`
	Priority    uint8   `json:"priority"`
	Source      uint8   `json:"source_address"`
	Destination uint8   `json:"destination_address"`
	Data        [8]byte `json:"data"`
	Length      uint8   `json:"length"`
}

// Header is the decoded view of an identifier.
type Header struct {
	Priority    uint8  `json:"priority"`
	PGN         uint32 `json:"pgn"`
	Source      uint8  `json:"source"`
	Destination uint8  `json:"destination"`
}

// IsPDU1 reports whether pgn addresses a single destination.
func IsPDU1(pgn uint32) bool { return uint8(pgn>>8) < PDU2Threshold }

// Identifier builds the 29-bit identifier for the header fields. The PGN is
// masked to 24 bits and only its low 18 bits reach the wire.
func Identifier(priority uint8, pgn uint32, source, destination uint8) uint32 {
	pgn &= pgnMask
	pf := uint8(pgn >> 8)
	ps := uint8(pgn)
	if pf < PDU2Threshold {
		ps = destination
	}
	return uint32(priority&0x7)<<26 |
		((pgn&pgnWireMask)>>16)<<24 |
		uint32(pf)<<16 |
		uint32(ps)<<8 |
		uint32(source)
}

// Encode produces the identifier and the fixed 8-byte payload buffer for r.
// Only the first length bytes of payload are meaningful.
func Encode(r FrameRequest) (id uint32, payload [8]byte, length uint8, err error) {
	if r.Length > can.MaxDataLen {
		return 0, payload, 0, fmt.Errorf("%w: %d", ErrInvalidLength, r.Length)
	}
	id = Identifier(r.Priority, r.PGN, r.Source, r.Destination)
	copy(payload[:r.Length], r.Data[:r.Length])
	return id, payload, r.Length, nil
}

// Frame encodes r into an extended CAN frame.
func Frame(r FrameRequest) (can.Frame, error) {
	id, payload, n, err := Encode(r)
	if err != nil {
		return can.Frame{}, err
	}
	return can.Frame{CANID: id | can.CAN_EFF_FLAG, Len: n, Data: payload}, nil
}

// Decode splits a 29-bit identifier into its J1939 fields. Flag bits above
// bit 28 are ignored. PDU2 headers report the broadcast destination.
func Decode(id uint32) Header {
	id &= can.CAN_EFF_MASK
	h := Header{
		Priority: uint8(id>>26) & 0x7,
		Source:   uint8(id),
	}
	pf := uint8(id >> 16)
	ps := uint8(id >> 8)
	pgn := (id>>24)&0x3<<16 | uint32(pf)<<8
	if pf < PDU2Threshold {
		h.Destination = ps
		h.PGN = pgn
	} else {
		h.Destination = Broadcast
		h.PGN = pgn | uint32(ps)
	}
	return h
}

// DecodeFrame decodes an extended frame, rejecting standard identifiers.
func DecodeFrame(f can.Frame) (Header, error) {
	if !f.Extended() {
		return Header{}, fmt.Errorf("%w: standard id 0x%03X", ErrInvalidFrame, f.ID())
	}
	if f.Len > can.MaxDataLen {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidLength, f.Len)
	}
	return Decode(f.ID()), nil
}

// RawIdentifier packs priority, PGN and source the way the raw PGN helper
// does: the 18 PGN bits land unmodified in bits 8..25, so a PDU1 PGN carries
// its own low byte as the destination.
func RawIdentifier(priority uint8, pgn uint32, source uint8) uint32 {
	return uint32(priority&0x7)<<26 | (pgn&pgnWireMask)<<8 | uint32(source)
}
