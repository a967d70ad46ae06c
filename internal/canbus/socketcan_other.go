//go:build !linux

package canbus

import (
	"fmt"

	"github.com/soldercore/nodetelem/internal/can"
)

// SocketCANFD is unavailable outside Linux; OpenSocketCANFD always
// fails so non-Linux builds fall back to Loopback.
type SocketCANFD struct{}

// OpenSocketCANFD always returns an error on this platform.
func OpenSocketCANFD(iface string) (*SocketCANFD, error) {
	return nil, fmt.Errorf("canbus: socketcan-fd unsupported on this platform")
}

func (d *SocketCANFD) Close() error            { return nil }
func (d *SocketCANFD) Send(can.Frame) error    { return fmt.Errorf("canbus: socketcan-fd unsupported") }
func (d *SocketCANFD) Recv() (can.Frame, error) {
	return can.Frame{}, fmt.Errorf("canbus: socketcan-fd unsupported")
}
