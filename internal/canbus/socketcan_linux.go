//go:build linux

package canbus

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/soldercore/nodetelem/internal/can"
	"github.com/soldercore/nodetelem/internal/metrics"
)

// canfdMTU is sizeof(struct canfd_frame) from linux/can.h (CANFD_MTU),
// not exported by this version of golang.org/x/sys/unix.
const canfdMTU = 72

// SocketCANFD is a Bus backed by a CAN-FD-enabled raw AF_CAN socket:
// same open/bind sequence as classic SocketCAN, sized for struct
// canfd_frame (linux/can.h) instead of the 8-byte-payload struct
// can_frame.
type SocketCANFD struct {
	fd int
}

// OpenSocketCANFD opens and binds a CAN-FD raw socket on iface.
func OpenSocketCANFD(iface string) (*SocketCANFD, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("enable CAN FD frames: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &SocketCANFD{fd: fd}, nil
}

// Close releases the underlying socket.
func (d *SocketCANFD) Close() error { return unix.Close(d.fd) }

// Recv reads one CAN-FD frame. struct canfd_frame is: canid_t can_id
// [0:4]; u8 len [4]; u8 flags [5]; u8 __res0, __res1 [6:8]; u8
// data[64] [8:72] (CANFD_MTU=72).
func (d *SocketCANFD) Recv() (can.Frame, error) {
	var buf [canfdMTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return can.Frame{}, err
	}
	if n < unix.CAN_MTU {
		return can.Frame{}, fmt.Errorf("short read: %d", n)
	}
	var fr can.Frame
	id := binary.LittleEndian.Uint32(buf[0:4])
	fr.StdID = uint16(id & can.SFFMask)
	length := int(buf[4])
	if length > 64 {
		length = 64
	}
	fr.Len = uint8(length)
	copy(fr.Data[:], buf[8:8+length])
	metrics.IncSocketCANRx()
	return fr, nil
}

// Send writes one CAN-FD frame.
func (d *SocketCANFD) Send(fr can.Frame) error {
	var buf [canfdMTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(fr.StdID))
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	_, err := unix.Write(d.fd, buf[:])
	if err == nil {
		metrics.IncSocketCANTx()
	}
	return err
}
