// Package canbus defines the Bus abstraction the node's ring producer
// and canfrag sender operate against, with SocketCAN, UART-serial and
// in-memory Loopback implementations for real buses and tests.
package canbus

import (
	"errors"

	"github.com/soldercore/nodetelem/internal/can"
)

// ErrClosed is returned by Send/Recv once the bus has been closed.
var ErrClosed = errors.New("canbus: closed")

// ErrFull is returned by Loopback.Send when its buffer is saturated;
// callers treat this the same as a hardware TX-mailbox-full condition.
var ErrFull = errors.New("canbus: send buffer full")

// Bus sends and receives CAN-FD frames. Recv blocks until a frame is
// available or the bus is closed.
type Bus interface {
	Send(can.Frame) error
	Recv() (can.Frame, error)
	Close() error
}

// Loopback is an in-memory Bus that delivers every Send back out
// through Recv, standing in for a physical bus in tests and in
// deployments with no CAN transceiver attached.
type Loopback struct {
	ch     chan can.Frame
	closed chan struct{}
}

// NewLoopback creates a Loopback with the given buffer depth;
// depth<=0 selects a reasonable default.
func NewLoopback(depth int) *Loopback {
	if depth <= 0 {
		depth = 64
	}
	return &Loopback{ch: make(chan can.Frame, depth), closed: make(chan struct{})}
}

// Send enqueues fr for delivery to Recv. It never blocks: a full
// buffer returns ErrFull rather than backpressuring the caller.
func (l *Loopback) Send(fr can.Frame) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	select {
	case l.ch <- fr:
		return nil
	default:
		return ErrFull
	}
}

// Recv blocks until a frame is available or the bus is closed.
func (l *Loopback) Recv() (can.Frame, error) {
	select {
	case fr := <-l.ch:
		return fr, nil
	case <-l.closed:
		return can.Frame{}, ErrClosed
	}
}

// Close unblocks any pending Recv and makes future Send/Recv calls
// return ErrClosed. It is safe to call more than once.
func (l *Loopback) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}
