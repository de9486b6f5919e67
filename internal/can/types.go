package can

import (
	"fmt"
	"time"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the classic CAN payload limit.
const MaxDataLen = 8

// Frame is a classic CAN frame shared by drivers, codecs and the monitor feed.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxDataLen]byte
}

// Extended reports whether the frame uses a 29-bit identifier.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// ID returns the identifier with flag bits stripped.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Payload returns the valid slice of Data.
func (f *Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

func (f Frame) String() string {
	return fmt.Sprintf("0x%08X [%d] % X", f.ID(), f.Len, f.Payload())
}

// NewExtended builds a 29-bit frame from an identifier and payload.
// Bytes beyond MaxDataLen are ignored.
func NewExtended(id uint32, data []byte) Frame {
	f := Frame{CANID: (id & CAN_EFF_MASK) | CAN_EFF_FLAG}
	f.Len = uint8(copy(f.Data[:], data))
	return f
}

// Received is a frame stamped with its arrival time (monotonic clock reading).
type Received struct {
	Frame
	At time.Time
}
