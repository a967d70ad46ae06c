package canfrag

import (
	"errors"
	"sync/atomic"

	"github.com/soldercore/nodetelem/internal/can"
)

// ErrPayloadTooLarge is returned by SendBytes when data exceeds 64
// bytes, and by SendLarge when data exceeds the 16-bit total_len field
// or produces more than 255 fragments.
var ErrPayloadTooLarge = errors.New("canfrag: payload too large")

// RawSend transmits a single already-framed CAN-FD frame. Backends
// (socketcan, serial, loopback) satisfy this signature.
type RawSend func(can.Frame) error

// Sender fragments oversized buffers into wire frames and forwards
// single frames unchanged. It owns the per-sender sequence counter used
// to tag fragment groups, matching the C source's static g_seq.
type Sender struct {
	send RawSend
	seq  atomic.Uint32 // wraps at 256; only the low byte is meaningful
}

// NewSender wraps send with fragmentation support.
func NewSender(send RawSend) *Sender { return &Sender{send: send} }

// SendBytes transmits a single frame up to 64 bytes, rounding the
// payload up to the next CAN-FD DLC length and zero-padding.
func (s *Sender) SendBytes(stdID uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > 64 {
		return ErrPayloadTooLarge
	}
	wireLen := can.RoundUpFDLen(len(data))
	var f can.Frame
	f.StdID = stdID
	f.Len = uint8(wireLen)
	copy(f.Data[:], data)
	return s.send(f)
}

// SendLarge fragments data (1..65535 bytes) into fixed 64-byte wire
// frames and transmits each in turn. It aborts on the first transmit
// failure without rolling back fragments already sent; the peer will
// eventually stale-expire the partial message.
func (s *Sender) SendLarge(stdID uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > 0xFFFF {
		return ErrPayloadTooLarge
	}
	fragCnt := (len(data) + DataCap - 1) / DataCap
	if fragCnt == 0 {
		fragCnt = 1
	}
	if fragCnt > 255 {
		return ErrPayloadTooLarge
	}
	seq := uint8(s.seq.Add(1) - 1)
	off := 0
	for idx := 0; idx < fragCnt; idx++ {
		var frame [WireLen]byte
		h := FragmentHeader{
			Magic:    Magic,
			Seq:      seq,
			FragIdx:  uint8(idx),
			FragCnt:  uint8(fragCnt),
			TotalLen: uint16(len(data)),
		}
		if idx == 0 {
			h.Flags |= FlagFirst
		}
		if idx == fragCnt-1 {
			h.Flags |= FlagLast
		}
		hdr := h.Encode()
		copy(frame[:HeaderSize], hdr[:])

		take := len(data) - off
		if take > DataCap {
			take = DataCap
		}
		copy(frame[HeaderSize:], data[off:off+take])
		off += take

		if err := s.SendBytes(stdID, frame[:]); err != nil {
			return err
		}
	}
	return nil
}
