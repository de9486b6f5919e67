//go:build linux

package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-vehicle-can/internal/driver"
)

// Link configures and inspects a CAN network interface over rtnetlink, the
// same requests `ip link set canX type can bitrate N` issues.
type Link interface {
	Configure(bitrate uint32, loopback bool) error
	SetUp(up bool) error
	Status() (driver.Status, error)
}

var ErrNotCAN = errors.New("socketcan: link carries no CAN attributes")

type netlinkLink struct {
	name string
}

// NewLink returns a Link for the named interface. Each call dials its own
// rtnetlink socket; link operations are rare.
func NewLink(name string) Link { return &netlinkLink{name: name} }

func (l *netlinkLink) index() (int32, error) {
	ifi, err := net.InterfaceByName(l.name)
	if err != nil {
		return 0, fmt.Errorf("if %q: %w", l.name, err)
	}
	return int32(ifi.Index), nil
}

func (l *netlinkLink) execute(typ uint16, flags netlink.HeaderFlags, data []byte) ([]netlink.Message, error) {
	c, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, fmt.Errorf("rtnetlink dial: %w", err)
	}
	defer c.Close()
	return c.Execute(netlink.Message{
		Header: netlink.Header{Type: netlink.HeaderType(typ), Flags: netlink.Request | flags},
		Data:   data,
	})
}

// Configure sets bitrate and loopback control mode. The kernel rejects
// bit-timing changes on a running interface, so callers bring it down first.
func (l *netlinkLink) Configure(bitrate uint32, loopback bool) error {
	idx, err := l.index()
	if err != nil {
		return err
	}
	attrs, err := encodeCANInfo(bitrate, loopback)
	if err != nil {
		return err
	}
	msg := append(ifInfo(idx, 0, 0), attrs...)
	if _, err := l.execute(unix.RTM_NEWLINK, netlink.Acknowledge, msg); err != nil {
		return fmt.Errorf("configure %s: %w", l.name, err)
	}
	return nil
}

func (l *netlinkLink) SetUp(up bool) error {
	idx, err := l.index()
	if err != nil {
		return err
	}
	var flags uint32
	if up {
		flags = unix.IFF_UP
	}
	if _, err := l.execute(unix.RTM_NEWLINK, netlink.Acknowledge, ifInfo(idx, flags, unix.IFF_UP)); err != nil {
		return fmt.Errorf("set %s up=%v: %w", l.name, up, err)
	}
	return nil
}

func (l *netlinkLink) Status() (driver.Status, error) {
	idx, err := l.index()
	if err != nil {
		return driver.Status{}, err
	}
	msgs, err := l.execute(unix.RTM_GETLINK, 0, ifInfo(idx, 0, 0))
	if err != nil {
		return driver.Status{}, fmt.Errorf("getlink %s: %w", l.name, err)
	}
	if len(msgs) == 0 {
		return driver.Status{}, fmt.Errorf("getlink %s: empty reply", l.name)
	}
	return decodeLinkStatus(msgs[0].Data)
}

// ifInfo builds struct ifinfomsg.
func ifInfo(index int32, flags, change uint32) []byte {
	b := make([]byte, unix.SizeofIfInfomsg)
	b[0] = unix.AF_UNSPEC
	binary.NativeEndian.PutUint32(b[4:8], uint32(index))
	binary.NativeEndian.PutUint32(b[8:12], flags)
	binary.NativeEndian.PutUint32(b[12:16], change)
	return b
}

func encodeCANInfo(bitrate uint32, loopback bool) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Nested(unix.IFLA_LINKINFO, func(li *netlink.AttributeEncoder) error {
		li.String(unix.IFLA_INFO_KIND, "can")
		li.Nested(unix.IFLA_INFO_DATA, func(d *netlink.AttributeEncoder) error {
			if bitrate > 0 {
				// struct can_bittiming; zero fields let the kernel compute timing.
				bt := make([]byte, 8*4)
				binary.NativeEndian.PutUint32(bt[0:4], bitrate)
				d.Bytes(unix.IFLA_CAN_BITTIMING, bt)
			}
			var mode uint32
			if loopback {
				mode = unix.CAN_CTRLMODE_LOOPBACK
			}
			cm := make([]byte, 8)
			binary.NativeEndian.PutUint32(cm[0:4], unix.CAN_CTRLMODE_LOOPBACK)
			binary.NativeEndian.PutUint32(cm[4:8], mode)
			d.Bytes(unix.IFLA_CAN_CTRLMODE, cm)
			return nil
		})
		return nil
	})
	return ae.Encode()
}

// decodeLinkStatus parses an RTM_NEWLINK reply body.
func decodeLinkStatus(b []byte) (driver.Status, error) {
	var st driver.Status
	if len(b) < unix.SizeofIfInfomsg {
		return st, fmt.Errorf("short ifinfomsg: %d", len(b))
	}
	up := binary.NativeEndian.Uint32(b[8:12])&unix.IFF_UP != 0
	ad, err := netlink.NewAttributeDecoder(b[unix.SizeofIfInfomsg:])
	if err != nil {
		return st, err
	}
	found := false
	for ad.Next() {
		if ad.Type() != unix.IFLA_LINKINFO {
			continue
		}
		ad.Nested(func(li *netlink.AttributeDecoder) error {
			for li.Next() {
				if li.Type() != unix.IFLA_INFO_DATA {
					continue
				}
				li.Nested(func(d *netlink.AttributeDecoder) error {
					for d.Next() {
						switch d.Type() {
						case unix.IFLA_CAN_STATE:
							st.State = mapState(d.Uint32())
							found = true
						case unix.IFLA_CAN_BERR_COUNTER:
							if v := d.Bytes(); len(v) >= 4 {
								st.TxErrors = uint32(binary.NativeEndian.Uint16(v[0:2]))
								st.RxErrors = uint32(binary.NativeEndian.Uint16(v[2:4]))
							}
						}
					}
					return nil
				})
			}
			return nil
		})
	}
	if err := ad.Err(); err != nil {
		return st, err
	}
	if !found {
		// vcan and friends report no CAN state; fall back to the admin flag.
		if up {
			st.State = driver.BusRunning
		} else {
			st.State = driver.BusStopped
		}
		return st, ErrNotCAN
	}
	if !up {
		st.State = driver.BusStopped
	}
	return st, nil
}

func mapState(s uint32) driver.BusState {
	switch s {
	case unix.CAN_STATE_ERROR_ACTIVE:
		return driver.BusRunning
	case unix.CAN_STATE_ERROR_WARNING:
		return driver.BusErrorWarning
	case unix.CAN_STATE_ERROR_PASSIVE:
		return driver.BusErrorPassive
	case unix.CAN_STATE_BUS_OFF:
		return driver.BusOff
	default:
		return driver.BusStopped
	}
}
