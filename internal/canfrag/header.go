// Package canfrag implements the fragmentation/defragmentation header
// and the sender-side fragmentation of oversized payloads into
// fixed-width CAN-FD wire frames. The companion reassembly of received
// fragments lives in package reasm.
package canfrag

import (
	"encoding/binary"
	"errors"
)

// Magic is the constant that distinguishes a fragment frame from a raw
// application frame. Changing it breaks interoperability with existing
// peers.
const Magic = 0x5344

// Flag bits carried in FragmentHeader.Flags.
const (
	FlagFirst = 1 << 0
	FlagLast  = 1 << 1
)

// HeaderSize is the packed, little-endian wire size of FragmentHeader.
const HeaderSize = 8

// WireLen is the fixed wire-frame payload length used for every
// fragment frame; DataCap is the number of message bytes it carries.
const (
	WireLen = 64
	DataCap = WireLen - HeaderSize
)

// MaxFragsReassemblable is the largest frag_cnt a peer's reassembly
// table can accept (CAN_BUS_REASM_MAX_FRAGS in the spec).
const MaxFragsReassemblable = 64

// MaxReassemblyBytes is the largest total_len a peer's reassembly table
// will accept.
const MaxReassemblyBytes = 2048

// ErrInvalidHeader is returned when a fragment header violates the
// frag_idx < frag_cnt invariant.
var ErrInvalidHeader = errors.New("canfrag: frag_idx >= frag_cnt")

// FragmentHeader is the 8-byte, little-endian packed header prefixed to
// every fragment frame.
type FragmentHeader struct {
	Magic    uint16
	Seq      uint8
	FragIdx  uint8
	FragCnt  uint8
	Flags    uint8
	TotalLen uint16
}

// Encode packs h into its 8-byte wire representation.
func (h FragmentHeader) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint16(b[0:2], h.Magic)
	b[2] = h.Seq
	b[3] = h.FragIdx
	b[4] = h.FragCnt
	b[5] = h.Flags
	binary.LittleEndian.PutUint16(b[6:8], h.TotalLen)
	return b
}

// DecodeHeader unpacks an 8-byte little-endian header. It does not
// validate field ranges beyond the frag_idx < frag_cnt invariant;
// callers (the reassembly table) apply the rest of spec.md §4.3 step 1.
func DecodeHeader(b []byte) (FragmentHeader, error) {
	var h FragmentHeader
	if len(b) < HeaderSize {
		return h, errors.New("canfrag: short header")
	}
	h.Magic = binary.LittleEndian.Uint16(b[0:2])
	h.Seq = b[2]
	h.FragIdx = b[3]
	h.FragCnt = b[4]
	h.Flags = b[5]
	h.TotalLen = binary.LittleEndian.Uint16(b[6:8])
	if h.FragCnt != 0 && h.FragIdx >= h.FragCnt {
		return h, ErrInvalidHeader
	}
	return h, nil
}

// IsFragment reports whether payload carries a fragment header: it is
// long enough and starts with Magic. A false result means the frame
// should be delivered raw to subscribers.
func IsFragment(payload []byte) bool {
	if len(payload) < HeaderSize {
		return false
	}
	return binary.LittleEndian.Uint16(payload[0:2]) == Magic
}
