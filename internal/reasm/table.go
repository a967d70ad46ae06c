// Package reasm implements the bounded multi-slot reassembly table
// described in spec.md §4.3, ported from original_source/Core/Src/can_bus.c's
// reasm_get_slot/handle_rx_frame.
package reasm

import (
	"sync"

	"github.com/soldercore/nodetelem/internal/canfrag"
	"github.com/soldercore/nodetelem/internal/clock"
	"github.com/soldercore/nodetelem/internal/metrics"
	"github.com/soldercore/nodetelem/internal/pool"
)

// Slots is the fixed number of in-flight reassembly buffers.
const Slots = 4

// MaxBytes is the largest total_len a slot will accept.
const MaxBytes = canfrag.MaxReassemblyBytes

// MaxFrags is the largest frag_cnt a slot will accept.
const MaxFrags = canfrag.MaxFragsReassemblable

// StaleAfterMS is the inactivity window after which a partial message
// is dropped, per spec.md §4.3 "Staleness sweep".
const StaleAfterMS = 250

type slot struct {
	active         bool
	stdID          uint16
	seq            uint8
	fragCnt        uint8
	totalLen       uint16
	dataCap        uint8
	gotMask        uint64 // up to MaxFrags(64) bits, one word suffices
	gotCount       uint16
	buf            [MaxBytes]byte
	lastActivityMS int64
}

func (s *slot) reset() {
	*s = slot{}
}

func (s *slot) bitTest(idx uint8) bool { return s.gotMask&(1<<uint(idx)) != 0 }
func (s *slot) bitSet(idx uint8)       { s.gotMask |= 1 << uint(idx) }

// Table is the fixed 4-slot reassembly state machine. A Table is owned
// by exactly one worker and is not safe for concurrent Accept calls
// (the mutex here guards against accidental misuse in tests, not a
// production need — see spec.md §5's "single-threaded" note).
type Table struct {
	mu    sync.Mutex
	slots [Slots]slot
	clock clock.Source
	pool  *pool.Pool

	dropped  uint64 // rejected at header validation
	evicted  uint64 // stalest-slot evictions under pressure
	expired  uint64 // staleness-sweep resets
	complete uint64 // successful reassemblies
}

// Option configures a Table at construction, mirroring the router's
// own Option pattern.
type Option func(*Table)

// WithPool overrides the Table's default-sized allocation budget,
// mainly so tests can force ALLOC exhaustion on a completed message.
func WithPool(p *pool.Pool) Option { return func(t *Table) { t.pool = p } }

// New creates an empty reassembly table driven by clk.
func New(clk clock.Source, opts ...Option) *Table {
	t := &Table{clock: clk, pool: pool.New(pool.DefaultSize)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SweepStale resets any slot whose last activity is older than
// StaleAfterMS. The worker calls this before processing each frame, per
// spec.md §4.3.
func (t *Table) SweepStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.NowMS()
	for i := range t.slots {
		s := &t.slots[i]
		if s.active && now-s.lastActivityMS > StaleAfterMS {
			s.reset()
			t.expired++
			metrics.IncReasmExpired()
		}
	}
}

// getSlot locates the slot for (stdID, seq), claims a free slot, or
// evicts the stalest slot under pressure. Mirrors reasm_get_slot.
func (t *Table) getSlot(stdID uint16, seq uint8, now int64) *slot {
	for i := range t.slots {
		s := &t.slots[i]
		if s.active && s.stdID == stdID {
			if s.seq != seq {
				s.reset()
			}
			s.active = true
			s.stdID = stdID
			s.seq = seq
			s.lastActivityMS = now
			return s
		}
	}
	for i := range t.slots {
		s := &t.slots[i]
		if !s.active {
			s.reset()
			s.active = true
			s.stdID = stdID
			s.seq = seq
			s.lastActivityMS = now
			return s
		}
	}
	stalest := 0
	bestAge := int64(-1)
	for i := range t.slots {
		age := now - t.slots[i].lastActivityMS
		if age >= bestAge {
			bestAge = age
			stalest = i
		}
	}
	s := &t.slots[stalest]
	s.reset()
	s.active = true
	s.stdID = stdID
	s.seq = seq
	s.lastActivityMS = now
	t.evicted++
	metrics.IncReasmEvicted()
	return s
}

// Accept processes one fragment frame addressed to stdID with the given
// payload (header + fragment data). It returns the reassembled message
// and true if this fragment completed it.
func (t *Table) Accept(stdID uint16, payload []byte) ([]byte, bool) {
	hdr, err := canfrag.DecodeHeader(payload)
	if err != nil {
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
		metrics.IncReasmDropped()
		return nil, false
	}
	if hdr.FragCnt == 0 || hdr.FragCnt > MaxFrags || hdr.TotalLen == 0 || int(hdr.TotalLen) > MaxBytes {
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
		metrics.IncReasmDropped()
		return nil, false
	}

	fragPayload := payload[canfrag.HeaderSize:]
	payloadLen := uint8(len(fragPayload))

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.NowMS()
	s := t.getSlot(stdID, hdr.Seq, now)

	if s.fragCnt == 0 {
		s.fragCnt = hdr.FragCnt
		s.totalLen = hdr.TotalLen
		s.dataCap = payloadLen
		s.gotCount = 0
		s.gotMask = 0
	} else {
		if s.fragCnt != hdr.FragCnt || s.totalLen != hdr.TotalLen {
			s.reset()
			t.dropped++
			metrics.IncReasmDropped()
			return nil, false
		}
	}

	off := uint32(hdr.FragIdx) * uint32(s.dataCap)
	if off >= uint32(s.totalLen) {
		return nil, false
	}
	take := uint32(payloadLen)
	if off+take > uint32(s.totalLen) {
		take = uint32(s.totalLen) - off
	}

	if !s.bitTest(hdr.FragIdx) {
		s.bitSet(hdr.FragIdx)
		s.gotCount++
		copy(s.buf[off:off+take], fragPayload[:take])
	}
	s.lastActivityMS = now

	if s.gotCount == uint16(s.fragCnt) {
		out, allocErr := t.pool.Alloc(int(s.totalLen))
		if allocErr != nil {
			s.reset()
			t.dropped++
			metrics.IncReasmDropped()
			return nil, false
		}
		copy(out, s.buf[:s.totalLen])
		s.reset()
		t.complete++
		metrics.IncReasmComplete()
		return out, true
	}
	return nil, false
}

// Release returns a reassembled message's bytes to the allocation
// budget. The worker calls this once msg has been handed to every
// subscriber and the router, per spec.md §5's bounded-allocation rule.
func (t *Table) Release(msg []byte) {
	t.pool.Free(len(msg))
}

// Stats is a point-in-time counter snapshot, used by metrics and tests.
type Stats struct {
	Dropped  uint64
	Evicted  uint64
	Expired  uint64
	Complete uint64
}

// Stats returns the current counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Dropped: t.dropped, Evicted: t.evicted, Expired: t.expired, Complete: t.complete}
}
