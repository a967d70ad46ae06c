package canbus

import (
	"testing"

	"github.com/soldercore/nodetelem/internal/can"
)

func TestLoopback_SendRecvRoundTrip(t *testing.T) {
	lb := NewLoopback(4)
	defer lb.Close()

	fr := can.Frame{StdID: 0x123, Len: 4}
	copy(fr.Data[:], []byte{1, 2, 3, 4})
	if err := lb.Send(fr); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := lb.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.StdID != fr.StdID || got.Len != fr.Len {
		t.Fatalf("got %+v, want %+v", got, fr)
	}
}

func TestLoopback_SendFullReturnsErrFull(t *testing.T) {
	lb := NewLoopback(1)
	defer lb.Close()

	if err := lb.Send(can.Frame{}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := lb.Send(can.Frame{}); err != ErrFull {
		t.Fatalf("second Send = %v, want ErrFull", err)
	}
}

func TestLoopback_CloseUnblocksRecv(t *testing.T) {
	lb := NewLoopback(1)
	done := make(chan error, 1)
	go func() {
		_, err := lb.Recv()
		done <- err
	}()
	lb.Close()
	if err := <-done; err != ErrClosed {
		t.Fatalf("Recv after close = %v, want ErrClosed", err)
	}
	if err := lb.Send(can.Frame{}); err != ErrClosed {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}
