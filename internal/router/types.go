package router

import "github.com/soldercore/nodetelem/internal/schema"

// Mode is the router's role, fixed at construction (spec.md §4.5).
type Mode int

const (
	// ModeSource generates and forwards; it does not sink to local
	// endpoints unless a packet is explicitly addressed to one.
	ModeSource Mode = iota
	// ModeSink terminates traffic. This is the primary target of this
	// package: unaddressed and unknown-tag packets drop silently.
	ModeSink
	// ModeRelay forwards RX traffic between sides, suppressing
	// reflection back to the originating side.
	ModeRelay
)

func (m Mode) String() string {
	switch m {
	case ModeSource:
		return "source"
	case ModeSink:
		return "sink"
	case ModeRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// TransmitFunc sends a fully serialized packet on a side. user is the
// opaque context supplied when the side was added.
type TransmitFunc func(payload []byte, user any) error

// side is the router's non-owning handle on a bus attachment.
type side struct {
	id              int
	name            string
	transmit        TransmitFunc
	user            any
	reliableEnabled bool // reserved; spec.md §9 — stored, never read
}

// PacketHandler receives a decoded packet addressed to a LocalEndpoint.
type PacketHandler func(view PacketView)

// SerializedHandler receives the raw wire bytes of a packet addressed
// to a LocalEndpoint, in addition to the decoded PacketHandler call.
type SerializedHandler func(payload []byte)

// LocalEndpoint is a sink bound to a numeric endpoint tag.
type LocalEndpoint struct {
	Tag        uint16
	Packet     PacketHandler
	Serialized SerializedHandler
}

// PacketView is handed to a LocalEndpoint's PacketHandler.
type PacketView struct {
	Type        uint16
	Payload     []byte
	TimestampMS int64
	SrcSideID   int // -1 if the packet has no known origin side
	Kind        schema.ElementKind
	ElemSize    int
}

// TypedSample is a logging request, per spec.md §3.
type TypedSample struct {
	DataType     uint16
	ElementCount int
	ElementSize  int
	ElementKind  schema.ElementKind
	Data         []byte
	TimestampMS  *int64 // nil selects the router clock at call time
	Queued       bool
}

const noOriginSide = -1
