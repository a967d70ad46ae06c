package reasm

import (
	"bytes"
	"testing"

	"github.com/soldercore/nodetelem/internal/can"
	"github.com/soldercore/nodetelem/internal/canfrag"
	"github.com/soldercore/nodetelem/internal/clock"
)

// fragmentsFor fragments payload the way canfrag.Sender does, returning
// the frames it would have put on the wire.
func fragmentsFor(t *testing.T, stdID uint16, payload []byte) []can.Frame {
	var frames []can.Frame
	s := canfrag.NewSender(func(f can.Frame) error {
		frames = append(frames, f.CopyShallow())
		return nil
	})
	if err := s.SendLarge(stdID, payload); err != nil {
		t.Fatalf("SendLarge: %v", err)
	}
	return frames
}

func TestReassembly_ThreeFragmentMessage(t *testing.T) {
	clk := clock.NewFake(0)
	tab := New(clk)
	payload := bytes.Repeat([]byte{0xAB}, 150)
	frames := fragmentsFor(t, 0x03, payload)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}

	var got []byte
	for _, f := range frames {
		tab.SweepStale()
		if out, done := tab.Accept(f.StdID, f.Payload()); done {
			got = out
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled mismatch: got %d bytes want %d", len(got), len(payload))
	}
}

func TestReassembly_OutOfOrder(t *testing.T) {
	clk := clock.NewFake(0)
	tab := New(clk)
	payload := bytes.Repeat([]byte{0x5A}, 150)
	frames := fragmentsFor(t, 0x03, payload)
	order := []int{2, 0, 1}

	var got []byte
	for _, idx := range order {
		tab.SweepStale()
		if out, done := tab.Accept(frames[idx].StdID, frames[idx].Payload()); done {
			got = out
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("out-of-order reassembly mismatch")
	}
}

func TestReassembly_StaleExpiry(t *testing.T) {
	clk := clock.NewFake(0)
	tab := New(clk)
	payload := bytes.Repeat([]byte{0x11}, 150)
	frames := fragmentsFor(t, 0x03, payload)

	tab.SweepStale()
	if _, done := tab.Accept(frames[0].StdID, frames[0].Payload()); done {
		t.Fatalf("single fragment must not complete")
	}

	clk.Advance(300)

	tab.SweepStale() // must reset the stale slot before frame 1 is processed
	if _, done := tab.Accept(frames[1].StdID, frames[1].Payload()); done {
		t.Fatalf("frame 1 alone must not complete a fresh slot")
	}
	if tab.Stats().Expired == 0 {
		t.Fatalf("expected a staleness expiry")
	}

	// Frame 2 alone (after frame 0 expired) still cannot complete the message.
	if _, done := tab.Accept(frames[2].StdID, frames[2].Payload()); done {
		t.Fatalf("message must not complete without frame 0")
	}
}

func TestReassembly_DuplicateFragmentIdempotent(t *testing.T) {
	clk := clock.NewFake(0)
	tab := New(clk)
	payload := bytes.Repeat([]byte{0x77}, 150)
	frames := fragmentsFor(t, 0x03, payload)

	tab.Accept(frames[0].StdID, frames[0].Payload())
	tab.Accept(frames[0].StdID, frames[0].Payload()) // duplicate
	tab.Accept(frames[1].StdID, frames[1].Payload())
	out, done := tab.Accept(frames[2].StdID, frames[2].Payload())
	if !done || !bytes.Equal(out, payload) {
		t.Fatalf("duplicate fragment should not block completion")
	}
}

func TestReassembly_RejectsInvalidHeaderFields(t *testing.T) {
	clk := clock.NewFake(0)
	tab := New(clk)

	h := canfrag.FragmentHeader{Magic: canfrag.Magic, FragCnt: 0, TotalLen: 10}
	enc := h.Encode()
	if _, done := tab.Accept(0x1, enc[:]); done {
		t.Fatalf("frag_cnt==0 must be rejected")
	}
	if tab.Stats().Dropped == 0 {
		t.Fatalf("expected a drop counter increment")
	}
}
