//go:build linux

package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-vehicle-can/internal/can"
)

// Controller error classes delivered as error frames.
const errMask = unix.CAN_ERR_BUSOFF | unix.CAN_ERR_RESTARTED | unix.CAN_ERR_CRTL

// Dev is the raw socket surface used by Controller. Implemented by *Device
// in production and by fakes in tests.
type Dev interface {
	ReadFrameTimeout(fr *can.Frame, timeout time.Duration) (bool, error)
	WriteFrame(can.Frame) error
	Close() error
}

type Device struct {
	fd int
}

// Open binds a raw CAN socket to iface. With recvOwn the socket also sees
// frames it sent, which is how loopback mode is observed on SocketCAN.
func Open(iface string, recvOwn bool) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	fail := func(err error) (*Device, error) {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && err != unix.ENOPROTOOPT {
		return fail(fmt.Errorf("disable CAN FD: %w", err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, errMask); err != nil {
		return fail(fmt.Errorf("error filter: %w", err))
	}
	if recvOwn {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1); err != nil {
			return fail(fmt.Errorf("recv own msgs: %w", err))
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fail(fmt.Errorf("if %q: %w", iface, err))
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		return fail(fmt.Errorf("bind(can@%s): %w", iface, err))
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrameTimeout waits up to timeout for a frame. It reports false when
// the wait expired.
func (d *Device) ReadFrameTimeout(fr *can.Frame, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	ms := int(timeout / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return false, nil
		}
		break
	}
	if re := fds[0].Revents; re&(unix.POLLERR|unix.POLLNVAL) != 0 && re&unix.POLLIN == 0 {
		if re&unix.POLLNVAL != 0 {
			return false, fmt.Errorf("poll: %w", unix.EBADF)
		}
		return false, d.pendingError()
	}
	return true, d.ReadFrame(fr)
}

// pendingError reads and clears SO_ERROR. A pending error left in place
// keeps POLLERR raised on every later poll.
func (d *Device) pendingError() error {
	soErr, err := unix.GetsockoptInt(d.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt(SO_ERROR): %w", err)
	}
	if soErr == 0 {
		return errors.New("poll: POLLERR without pending error")
	}
	return fmt.Errorf("socket: %w", unix.Errno(soErr))
}

// ReadFrame reads one classic CAN frame.
//
// struct can_frame: can_id u32 [0:4], len u8 [4], pad [5:8], data [8:16],
// fields in host byte order.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", n)
	}
	dlc := int(buf[4])
	if dlc > can.MaxDataLen {
		dlc = can.MaxDataLen
	}
	fr.CANID = binary.NativeEndian.Uint32(buf[0:4])
	fr.Len = uint8(dlc)
	fr.Data = [can.MaxDataLen]byte{}
	copy(fr.Data[:], buf[8:8+dlc])
	return nil
}

// WriteFrame writes one classic CAN frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	binary.NativeEndian.PutUint32(buf[0:4], fr.CANID)
	p := fr.Payload()
	buf[4] = uint8(len(p))
	copy(buf[8:], p)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
