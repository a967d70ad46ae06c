package ring

import (
	"testing"

	"github.com/soldercore/nodetelem/internal/can"
)

func frame(id uint16) can.Frame { return can.Frame{StdID: id} }

func TestRing_FIFOOrder(t *testing.T) {
	r := New(8)
	for i := uint16(1); i <= 5; i++ {
		r.Push(frame(i))
	}
	for i := uint16(1); i <= 5; i++ {
		fr, ok := r.Pop()
		if !ok || fr.StdID != i {
			t.Fatalf("pop %d: got %+v ok=%v", i, fr, ok)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatalf("expected empty ring")
	}
}

// TestRing_OverflowDropsOldest mirrors spec.md §8 scenario 5: fill the
// ring with exactly 64 frames (its full usable capacity, zero
// evictions), push a 65th without popping, and expect frame #2 to come
// out first (frame #1 dropped) with frame #65 last.
func TestRing_OverflowDropsOldest(t *testing.T) {
	r := New(64)
	for i := uint16(1); i <= 64; i++ {
		r.Push(frame(i))
	}
	if r.Overflow() != 0 {
		t.Fatalf("expected zero evictions filling to capacity, got overflow %d", r.Overflow())
	}
	r.Push(frame(65))

	fr, ok := r.Pop()
	if !ok || fr.StdID != 2 {
		t.Fatalf("expected frame #2 first, got %+v ok=%v", fr, ok)
	}
	var last can.Frame
	for {
		f, ok := r.Pop()
		if !ok {
			break
		}
		last = f
	}
	if last.StdID != 65 {
		t.Fatalf("expected frame #65 last, got %+v", last)
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow counter 1, got %d", r.Overflow())
	}
}

func TestRing_DepthMustBePowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for non-power-of-two depth")
		}
	}()
	New(9)
}
