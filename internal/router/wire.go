package router

import (
	"encoding/binary"

	"github.com/soldercore/nodetelem/internal/pool"
	"github.com/soldercore/nodetelem/internal/schema"
)

// envelopeHeaderSize is the packed little-endian size of the router's
// wire envelope: u16 type, u16 flags, u32 timestamp_ms, u16 payload_len.
const envelopeHeaderSize = 10

// GenericError is the data_type used by LogErrorf/LogErrorfSync,
// mirroring the C source's GENERIC_ERROR packet tag.
const GenericError uint16 = 0xFFFF

// MaxErrorMessage is the cap on a formatted error message, per
// spec.md §7 ("capped at 512 bytes, truncated silently").
const MaxErrorMessage = 512

// encodeFlags packs an element kind and element size into the
// envelope's flags field: bits 0-2 carry the kind, bits 3-5 carry
// log2(elemSize). KindString packets carry no size bits.
func encodeFlags(kind schema.ElementKind, elemSize int) (uint16, error) {
	if kind > 7 {
		return 0, ErrBadArg
	}
	flags := uint16(kind)
	if kind == schema.KindString {
		return flags, nil
	}
	var szLog uint16
	switch elemSize {
	case 1:
		szLog = 0
	case 2:
		szLog = 1
	case 4:
		szLog = 2
	case 8:
		szLog = 3
	default:
		return 0, ErrBadArg
	}
	return flags | (szLog << 3), nil
}

// decodeFlags is the inverse of encodeFlags.
func decodeFlags(flags uint16) (kind schema.ElementKind, elemSize int) {
	kind = schema.ElementKind(flags & 0x7)
	if kind == schema.KindString {
		return kind, 0
	}
	elemSize = 1 << ((flags >> 3) & 0x7)
	return kind, elemSize
}

// encodePacket packs the router's wire envelope: {u16 type, u16 flags,
// u32 timestamp_ms, u16 payload_len, bytes...}, little-endian, per
// spec.md §4.5. The envelope's backing bytes come out of p's fixed
// allocation budget; ErrAlloc surfaces if it is exhausted, per
// spec.md §5.
func encodePacket(p *pool.Pool, dataType uint16, flags uint16, timestampMS int64, payload []byte) ([]byte, error) {
	buf, err := p.Alloc(envelopeHeaderSize + len(payload))
	if err != nil {
		return nil, ErrAlloc
	}
	binary.LittleEndian.PutUint16(buf[0:2], dataType)
	binary.LittleEndian.PutUint16(buf[2:4], flags)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(timestampMS))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(payload)))
	copy(buf[envelopeHeaderSize:], payload)
	return buf, nil
}

// decodedPacket is the parsed form of one wire envelope.
type decodedPacket struct {
	Type        uint16
	Flags       uint16
	TimestampMS int64
	Payload     []byte
}

// decodePacket unpacks a wire envelope, validating that payload_len
// matches the bytes actually present.
func decodePacket(b []byte) (decodedPacket, error) {
	var p decodedPacket
	if len(b) < envelopeHeaderSize {
		return p, ErrBadArg
	}
	p.Type = binary.LittleEndian.Uint16(b[0:2])
	p.Flags = binary.LittleEndian.Uint16(b[2:4])
	p.TimestampMS = int64(binary.LittleEndian.Uint32(b[4:8]))
	plen := binary.LittleEndian.Uint16(b[8:10])
	rest := b[envelopeHeaderSize:]
	if int(plen) > len(rest) {
		return p, ErrBadArg
	}
	p.Payload = rest[:plen]
	return p, nil
}

// padOrTruncateString adapts data to the schema's fixed pad width for
// KindString entries, per spec.md §4.5: "the sink pads or truncates to
// the schema's fixed width when needed."
func padOrTruncateString(data []byte, width int) []byte {
	if width <= 0 || len(data) == width {
		return data
	}
	out := make([]byte, width)
	copy(out, data)
	return out
}
