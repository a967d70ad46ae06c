// Package ring implements the lock-free SPSC frame ring that sits
// between the CAN RX producer (a socketcan/serial reader goroutine,
// standing in for the hardware ISR) and the worker goroutine that
// drains it. See spec.md §4.1.
package ring

import (
	"sync/atomic"

	"github.com/soldercore/nodetelem/internal/can"
	"github.com/soldercore/nodetelem/internal/metrics"
)

// DefaultDepth is the default ring capacity. Must stay a power of two.
const DefaultDepth = 64

// Ring is a single-producer/single-consumer circular buffer of
// can.Frame. The producer (Push) and consumer (Pop) may run
// concurrently on separate goroutines with no further synchronization;
// head/tail publication uses atomic store/load, which gives the
// release/acquire ordering the spec's ISR-side __DMB() barriers
// provide in the original firmware.
type Ring struct {
	slots    []can.Frame
	mask     uint32
	depth    uint32
	head     atomic.Uint32 // producer-owned; published after slot write
	tail     atomic.Uint32 // consumer-owned; producer may also advance it to drop-oldest
	count    atomic.Uint32 // queued frame count; both sides update it, see Push/Pop
	overflow atomic.Uint64 // frames evicted by drop-oldest
}

// New creates a ring with the given depth, which must be a power of
// two; depth<=0 selects DefaultDepth.
func New(depth int) *Ring {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if depth&(depth-1) != 0 {
		panic("ring: depth must be a power of two")
	}
	return &Ring{
		slots: make([]can.Frame, depth),
		mask:  uint32(depth - 1),
		depth: uint32(depth),
	}
}

func (r *Ring) next(v uint32) uint32 { return (v + 1) & r.mask }

// Push enqueues fr from the producer side. The ring holds depth frames
// with zero eviction; only the (depth+1)th frame still queued evicts
// the oldest slot (drop-oldest policy, per spec.md §4.1), incrementing
// the overflow counter. Push never blocks.
//
// head/tail alone can't distinguish "empty" from "full" once usable
// capacity equals the full backing array (next(head)==tail is reached
// at depth-1 queued frames, not depth), so fullness is tracked via an
// explicit count instead.
func (r *Ring) Push(fr can.Frame) {
	head := r.head.Load()
	full := r.count.Load() == r.depth
	if full {
		tail := r.tail.Load()
		r.tail.Store(r.next(tail))
		r.overflow.Add(1)
		metrics.IncRingOverflow()
	}
	r.slots[head] = fr
	r.head.Store(r.next(head))
	// count is updated last, after the slot write above, so Pop's
	// count.Load() acts as the acquire paired with this release —
	// the same role head.Store played before count existed.
	if full {
		r.count.Store(r.depth)
	} else {
		r.count.Add(1)
	}
}

// Pop dequeues the oldest frame from the consumer side. ok is false if
// the ring was empty.
func (r *Ring) Pop() (fr can.Frame, ok bool) {
	if r.count.Load() == 0 { // acquire: pairs with Push's release store/add
		return can.Frame{}, false
	}
	tail := r.tail.Load()
	fr = r.slots[tail]
	r.tail.Store(r.next(tail))
	r.count.Add(^uint32(0)) // -1
	return fr, true
}

// Len returns the approximate number of queued frames; it is racy with
// respect to a concurrent Push/Pop but useful for metrics/tests.
func (r *Ring) Len() int {
	return int(r.count.Load())
}

// Overflow returns the number of frames dropped by drop-oldest
// eviction since the ring was created.
func (r *Ring) Overflow() uint64 { return r.overflow.Load() }
