// Package timesync implements the NTP-style four-timestamp time-sync
// client of spec.md §4.6. The client is strictly the requestor; a
// master node elsewhere on the bus fills in t2/t3 and replies over the
// router's local-endpoint bus. Ported from
// original_source/Core/Src/telemetry.c's compute_offset_delay and
// threadx_apply_offset_ms.
package timesync

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/soldercore/nodetelem/internal/clock"
	"github.com/soldercore/nodetelem/internal/endpoint"
	"github.com/soldercore/nodetelem/internal/logging"
	"github.com/soldercore/nodetelem/internal/metrics"
	"github.com/soldercore/nodetelem/internal/schema"
)

// ClampMS is the maximum acceptable |offset|; corrections beyond this
// are silently discarded as a spoof/bad-reply guard (spec.md §4.6).
const ClampMS = 30_000

// requestPayloadSize and replyPayloadSize are the packed little-endian
// wire sizes of the request/reply bodies.
const (
	requestPayloadSize = 16 // u64 seq, u64 t1
	replyPayloadSize   = 32 // u64 seq, u64 t1, u64 t2, u64 t3
)

// Router is the subset of *router.Router the client needs: enough to
// send a request packet and be handed reply packets by the router's
// TimeSync local endpoint. Kept as an interface so this package
// doesn't import router (router doesn't need to know about timesync).
type Router interface {
	LogTS(dataType uint16, data []byte, count, elemSize int, kind schema.ElementKind, timestampMS int64, queued bool) error
}

// Sender is the concrete LogTS-shaped call the client issues each
// request through — kept minimal (vs. taking a full Router) so tests
// can stub it trivially.
type Sender func(payload []byte, timestampMS int64) error

// Client issues periodic time-sync requests and applies the offset
// computed from each reply, per spec.md §4.6.
type Client struct {
	clock clock.Source
	send  Sender

	mu       sync.Mutex
	seq      atomic.Uint64
	inflight map[uint64]int64 // seq -> t1, for replies we can still match (see spec.md §4.6 on stale replies)

	lastOffsetMS atomic.Int64
	lastDelayMS  atomic.Int64
	rejected     atomic.Uint64
	applied      atomic.Uint64
}

// New creates a Client that sends requests via send and reads the
// current time from clk.
func New(clk clock.Source, send Sender) *Client {
	return &Client{
		clock:    clk,
		send:     send,
		inflight: make(map[uint64]int64),
	}
}

// RequestType and ReplyType are the DataType tags carried on the wire;
// callers register the client's HandleReply under endpoint.TimeSync.
const (
	RequestType uint16 = 1
	ReplyType   uint16 = 2
)

// IssueRequest sends a new time-sync request. t1 is captured from the
// client clock and embedded in the payload. The worker calls this
// every 2000ms regardless of whether prior replies were received
// (spec.md §4.6/§4.7).
func (c *Client) IssueRequest() error {
	seq := c.seq.Add(1)
	t1 := c.clock.NowMS()

	c.mu.Lock()
	c.inflight[seq] = t1
	c.mu.Unlock()

	payload := make([]byte, requestPayloadSize)
	binary.LittleEndian.PutUint64(payload[0:8], seq)
	binary.LittleEndian.PutUint64(payload[8:16], uint64(t1))
	return c.send(payload, t1)
}

// HandleReply is registered as the endpoint.TimeSync PacketHandler. It
// captures t4 at entry, computes offset/delay, and applies the offset
// to the client clock if it passes the clamp.
func (c *Client) HandleReply(payload []byte) {
	t4 := c.clock.NowMS()
	if len(payload) < replyPayloadSize {
		return
	}
	seq := binary.LittleEndian.Uint64(payload[0:8])
	t1 := int64(binary.LittleEndian.Uint64(payload[8:16]))
	t2 := int64(binary.LittleEndian.Uint64(payload[16:24]))
	t3 := int64(binary.LittleEndian.Uint64(payload[24:32]))

	c.mu.Lock()
	// Stale replies (seq older than what's tracked) are still accepted
	// per spec.md §4.6 ("the math is self-correcting"); we just drop
	// the bookkeeping entry if present without requiring an exact seq
	// match, since t1 travels in the payload itself.
	delete(c.inflight, seq)
	c.mu.Unlock()

	offset, delay := ComputeOffsetDelay(t1, t2, t3, t4)
	metrics.SetTimeSyncDelay(delay)
	if offset > ClampMS || offset < -ClampMS {
		c.rejected.Add(1)
		metrics.IncTimeSyncRejected()
		logging.L().Warn("timesync_offset_rejected", "offset_ms", offset)
		return
	}
	c.clock.ApplyOffset(offset)
	c.lastOffsetMS.Store(offset)
	c.lastDelayMS.Store(delay)
	c.applied.Add(1)
	metrics.SetTimeSyncOffset(offset)
	logging.L().Debug("timesync_applied", "offset_ms", offset, "delay_ms", delay)
}

// ComputeOffsetDelay implements spec.md §4.6's formulas exactly:
//
//	offset = ((t2-t1) + (t3-t4)) / 2
//	delay  = max(0, (t4-t1) - (t3-t2))
func ComputeOffsetDelay(t1, t2, t3, t4 int64) (offset, delay int64) {
	offset = ((t2 - t1) + (t3 - t4)) / 2
	delay = (t4 - t1) - (t3 - t2)
	if delay < 0 {
		delay = 0
	}
	return offset, delay
}

// EncodeReply packs a master's reply payload; provided so a loopback
// master fake (used in tests) can build replies without duplicating
// the wire layout.
func EncodeReply(seq uint64, t1, t2, t3 int64) []byte {
	buf := make([]byte, replyPayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], seq)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(t1))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(t2))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(t3))
	return buf
}

// DecodeRequest unpacks a client request payload, for use by a master
// implementation.
func DecodeRequest(payload []byte) (seq uint64, t1 int64, ok bool) {
	if len(payload) < requestPayloadSize {
		return 0, 0, false
	}
	seq = binary.LittleEndian.Uint64(payload[0:8])
	t1 = int64(binary.LittleEndian.Uint64(payload[8:16]))
	return seq, t1, true
}

// LastOffsetMS and LastDelayMS report the most recently applied
// correction, for tests and diagnostics.
func (c *Client) LastOffsetMS() int64 { return c.lastOffsetMS.Load() }
func (c *Client) LastDelayMS() int64  { return c.lastDelayMS.Load() }
func (c *Client) Rejected() uint64    { return c.rejected.Load() }
func (c *Client) Applied() uint64     { return c.applied.Load() }

// EndpointTag is the local-endpoint tag replies are addressed to.
const EndpointTag = endpoint.TimeSync
