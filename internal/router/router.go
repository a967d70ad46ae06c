// Package router implements the telemetry router state machine of
// spec.md §4.5: side-aware ingress/egress, queued vs. synchronous log
// paths, local-endpoint dispatch, and fragment-boundary-safe
// buffering. It is the on-node analogue of the teacher's hub.Hub +
// server.Server pair, generalized from "fan frames out to TCP
// clients" to "fan typed packets out to bus sides and local sinks".
package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soldercore/nodetelem/internal/clock"
	"github.com/soldercore/nodetelem/internal/logging"
	"github.com/soldercore/nodetelem/internal/metrics"
	"github.com/soldercore/nodetelem/internal/pool"
	"github.com/soldercore/nodetelem/internal/schema"
)

// MaxSides and MaxLocalEndpoints are the router's fixed capacities,
// per spec.md §3.
const (
	MaxSides          = 8
	MaxLocalEndpoints = 16
)

const (
	defaultTXQueueDepth = 256
	defaultRXQueueDepth = 256
)

// Router is the aggregate owner described in spec.md §3: mode, clock,
// side table, local-endpoint table, and the two bounded queues.
type Router struct {
	mu    sync.RWMutex
	mode  Mode
	clock clock.Source

	schema *schema.Table
	pool   *pool.Pool

	sides     [MaxSides]*side
	endpoints map[uint16]LocalEndpoint

	txQ *boundedQueue
	rxQ *boundedQueue

	startMS  int64
	errCount atomic.Uint64
}

// Option configures a Router at construction, mirroring the teacher's
// server.ServerOption pattern.
type Option func(*Router)

// WithSchema attaches a schema.Table used to validate LogTyped's
// element size against a data_type's fixed size.
func WithSchema(t *schema.Table) Option { return func(r *Router) { r.schema = t } }

// WithQueueCapacity overrides the default TX/RX queue depths.
func WithQueueCapacity(txCap, rxCap int) Option {
	return func(r *Router) {
		if txCap > 0 {
			r.txQ = newBoundedQueue(txCap)
		}
		if rxCap > 0 {
			r.rxQ = newBoundedQueue(rxCap)
		}
	}
}

// WithPool overrides the router's default-sized envelope allocation
// budget, mainly so tests can force ALLOC exhaustion.
func WithPool(p *pool.Pool) Option { return func(r *Router) { r.pool = p } }

// New constructs a Router in the given mode, driven by clk. Per
// spec.md §9, tests should construct a fresh Router per case rather
// than sharing the package-level Default().
func New(mode Mode, clk clock.Source, opts ...Option) *Router {
	r := &Router{
		mode:      mode,
		clock:     clk,
		endpoints: make(map[uint16]LocalEndpoint, MaxLocalEndpoints),
		txQ:       newBoundedQueue(defaultTXQueueDepth),
		rxQ:       newBoundedQueue(defaultRXQueueDepth),
		pool:      pool.New(pool.DefaultSize),
	}
	if clk != nil {
		r.startMS = clk.NowMS()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mode returns the router's fixed role.
func (r *Router) Mode() Mode { return r.mode }

// AddSide registers a bus attachment. name must be non-empty and at
// most 7 characters (spec.md §4.5). Failure to add a side is
// non-fatal for the caller: the router still accepts logging and can
// receive, but side-tagged RX for a never-added side simply won't
// resolve to anything (RxSerializedFromSide doesn't validate sideID
// against the table — it only tags provenance for forwarding).
func (r *Router) AddSide(name string, transmit TransmitFunc, user any, reliableEnabled bool) (int, error) {
	if transmit == nil || name == "" || len(name) > 7 {
		return 0, ErrBadArg
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.sides {
		if s == nil {
			r.sides[i] = &side{id: i, name: name, transmit: transmit, user: user, reliableEnabled: reliableEnabled}
			return i, nil
		}
	}
	return 0, ErrAlloc
}

// AddLocalEndpoint registers a local sink under tag. Re-registering an
// already-used tag returns ErrBadArg.
func (r *Router) AddLocalEndpoint(tag uint16, packet PacketHandler, serialized SerializedHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[tag]; exists {
		return ErrBadArg
	}
	if len(r.endpoints) >= MaxLocalEndpoints {
		return ErrAlloc
	}
	r.endpoints[tag] = LocalEndpoint{Tag: tag, Packet: packet, Serialized: serialized}
	return nil
}

func (r *Router) resolveTimestamp(explicit *int64) int64 {
	if explicit != nil {
		return *explicit
	}
	if r.clock == nil {
		return 0
	}
	return r.clock.NowMS()
}

// GuessElementKind implements spec.md §9's element_size heuristic
// ("treat 4 or 8 as FLOAT"). It exists only to back the deprecated
// LogTypedHeuristic; new call sites should pass an explicit kind to
// LogTyped.
func GuessElementKind(elemSize int) schema.ElementKind {
	if elemSize == 4 || elemSize == 8 {
		return schema.KindFloat
	}
	return schema.KindUnsigned
}

// LogTyped serializes a typed sample and either transmits it
// synchronously on every side (queued=false) or enqueues it on the TX
// queue for later processing (queued=true), per spec.md §4.5.
func (r *Router) LogTyped(dataType uint16, data []byte, count, elemSize int, kind schema.ElementKind, timestampMS *int64, queued bool) error {
	if elemSize <= 0 || count < 0 {
		return ErrBadArg
	}
	if r.schema != nil {
		if entry, ok := r.schema.Lookup(dataType); ok && entry.FixedSize > 0 && entry.FixedSize != elemSize {
			return ErrSizeMismatch
		}
	}
	flags, err := encodeFlags(kind, elemSize)
	if err != nil {
		return err
	}
	ts := r.resolveTimestamp(timestampMS)
	payload, err := encodePacket(r.pool, dataType, flags, ts, data)
	if err != nil {
		return err
	}
	return r.dispatchOut(payload, queued)
}

// LogTypedHeuristic guesses the element kind from elemSize instead of
// taking one explicitly.
//
// Deprecated: prefer LogTyped with an explicit schema.ElementKind;
// this heuristic is a known schema-compiler gap (spec.md §9).
func (r *Router) LogTypedHeuristic(dataType uint16, data []byte, count, elemSize int, timestampMS *int64, queued bool) error {
	return r.LogTyped(dataType, data, count, elemSize, GuessElementKind(elemSize), timestampMS, queued)
}

// LogString serializes a string packet (no null terminator; the
// receiving endpoint pads/truncates to its schema width).
func (r *Router) LogString(dataType uint16, data []byte, timestampMS *int64, queued bool) error {
	flags, err := encodeFlags(schema.KindString, 0)
	if err != nil {
		return err
	}
	ts := r.resolveTimestamp(timestampMS)
	payload, err := encodePacket(r.pool, dataType, flags, ts, data)
	if err != nil {
		return err
	}
	return r.dispatchOut(payload, queued)
}

// LogTS is LogTyped with a required (non-optional) timestamp.
func (r *Router) LogTS(dataType uint16, data []byte, count, elemSize int, kind schema.ElementKind, timestampMS int64, queued bool) error {
	return r.LogTyped(dataType, data, count, elemSize, kind, &timestampMS, queued)
}

// LogErrorf formats msg with args, truncates it to MaxErrorMessage
// bytes, and enqueues it as a GENERIC_ERROR string packet.
func (r *Router) LogErrorf(format string, args ...any) error {
	return r.logErrorf(true, format, args...)
}

// LogErrorfSync is LogErrorf's synchronous counterpart.
func (r *Router) LogErrorfSync(format string, args ...any) error {
	return r.logErrorf(false, format, args...)
}

func (r *Router) logErrorf(queued bool, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if len(msg) > MaxErrorMessage {
		msg = msg[:MaxErrorMessage]
	}
	return r.LogString(GenericError, []byte(msg), nil, queued)
}

// dispatchOut is the shared queued/synchronous fork for every logging
// entry point.
func (r *Router) dispatchOut(payload []byte, queued bool) error {
	if queued {
		if !r.txQ.enqueue(queueEntry{raw: payload, srcSideID: noOriginSide}) {
			metrics.IncRouterTXDrop()
			r.pool.Free(len(payload))
			return ErrQueueFull
		}
		return nil
	}
	r.transmitAndRelease(payload, noOriginSide)
	return nil
}

func (r *Router) snapshotSides() []*side {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*side, 0, MaxSides)
	for _, s := range r.sides {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// transmitToAllSides sends payload on every registered side except
// excludeSideID (noOriginSide sends to all). A side TX failure is
// counted and logged; it never fails the caller (spec.md §4.5).
func (r *Router) transmitToAllSides(payload []byte, excludeSideID int) {
	for _, s := range r.snapshotSides() {
		if excludeSideID >= 0 && s.id == excludeSideID {
			continue
		}
		if err := s.transmit(payload, s.user); err != nil {
			r.errCount.Add(1)
			metrics.IncRouterSideTXError(s.name)
			logging.L().Warn("router_side_tx_error", "side", s.name, "error", err)
		}
	}
}

// transmitAndRelease transmits a router-owned TX payload and returns
// its bytes to the allocation budget; the payload is never touched
// again once transmitToAllSides returns, on either the sync or queued
// path, so releasing it here is always safe.
func (r *Router) transmitAndRelease(payload []byte, excludeSideID int) {
	r.transmitToAllSides(payload, excludeSideID)
	r.pool.Free(len(payload))
}

// RxSerialized ingests a wire packet with no known origin side. It may
// be forwarded to any side on Relay.
func (r *Router) RxSerialized(data []byte) error {
	return r.RxSerializedFromSide(noOriginSide, data)
}

// RxSerializedFromSide ingests a wire packet received on sideID,
// tagging its origin so Relay forwarding can suppress reflection back
// to the sender (spec.md §4.5). The buffered copy comes out of the
// router's allocation budget and is released by dispatchRX once it has
// been delivered.
func (r *Router) RxSerializedFromSide(sideID int, data []byte) error {
	if _, err := decodePacket(data); err != nil {
		return err
	}
	raw, err := r.pool.Alloc(len(data))
	if err != nil {
		metrics.IncRouterRXDrop()
		return ErrAlloc
	}
	copy(raw, data)
	if !r.rxQ.enqueue(queueEntry{raw: raw, srcSideID: sideID}) {
		metrics.IncRouterRXDrop()
		r.pool.Free(len(raw))
		return ErrQueueFull
	}
	return nil
}

// dispatchRX decodes one RX entry, hands it to a matching local
// endpoint, and (Relay mode) forwards it to every side but the origin.
// e.raw's budget is released once dispatch completes, whether or not
// it was relayed.
func (r *Router) dispatchRX(e queueEntry) {
	defer r.pool.Free(len(e.raw))
	dp, err := decodePacket(e.raw)
	if err != nil {
		metrics.IncRouterRXDrop()
		return
	}
	kind, elemSize := decodeFlags(dp.Flags)
	payload := dp.Payload
	if kind == schema.KindString && r.schema != nil {
		if entry, ok := r.schema.Lookup(dp.Type); ok && entry.FixedPad > 0 {
			payload = padOrTruncateString(payload, entry.FixedPad)
		}
	}
	r.mu.RLock()
	ep, found := r.endpoints[dp.Type]
	r.mu.RUnlock()
	if found {
		view := PacketView{
			Type:        dp.Type,
			Payload:     payload,
			TimestampMS: dp.TimestampMS,
			SrcSideID:   e.srcSideID,
			Kind:        kind,
			ElemSize:    elemSize,
		}
		if ep.Packet != nil {
			ep.Packet(view)
		}
		if ep.Serialized != nil {
			ep.Serialized(e.raw)
		}
	} else if r.mode == ModeSink {
		metrics.IncRouterUnknownEndpoint()
	}
	if r.mode == ModeRelay {
		r.transmitToAllSides(e.raw, e.srcSideID)
	}
}

// ProcessTXQueue drains every currently queued TX entry and transmits
// it on all sides. It returns the number of entries processed.
func (r *Router) ProcessTXQueue() int { return r.drainTX(time.Time{}, false) }

// ProcessRXQueue drains every currently queued RX entry and dispatches
// it. It returns the number of entries processed.
func (r *Router) ProcessRXQueue() int { return r.drainRX(time.Time{}, false) }

// ProcessTXQueueWithTimeout is ProcessTXQueue bounded by a deadline.
func (r *Router) ProcessTXQueueWithTimeout(d time.Duration) int {
	return r.drainTX(time.Now().Add(d), true)
}

// ProcessRXQueueWithTimeout is ProcessRXQueue bounded by a deadline.
func (r *Router) ProcessRXQueueWithTimeout(d time.Duration) int {
	return r.drainRX(time.Now().Add(d), true)
}

// ProcessAllQueuesWithTimeout interleaves TX and RX processing fairly
// (alternating pops) until both queues are empty or the deadline
// elapses, per spec.md §4.5.
func (r *Router) ProcessAllQueuesWithTimeout(d time.Duration) (txN, rxN int) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		txEntry, txOK := r.txQ.dequeue()
		if txOK {
			r.transmitAndRelease(txEntry.raw, noOriginSide)
			txN++
		}
		rxEntry, rxOK := r.rxQ.dequeue()
		if rxOK {
			r.dispatchRX(rxEntry)
			rxN++
		}
		if !txOK && !rxOK {
			break
		}
	}
	return txN, rxN
}

func (r *Router) drainTX(deadline time.Time, hasDeadline bool) int {
	n := 0
	for {
		if hasDeadline && !time.Now().Before(deadline) {
			return n
		}
		e, ok := r.txQ.dequeue()
		if !ok {
			return n
		}
		r.transmitAndRelease(e.raw, noOriginSide)
		n++
	}
}

func (r *Router) drainRX(deadline time.Time, hasDeadline bool) int {
	n := 0
	for {
		if hasDeadline && !time.Now().Before(deadline) {
			return n
		}
		e, ok := r.rxQ.dequeue()
		if !ok {
			return n
		}
		r.dispatchRX(e)
		n++
	}
}

// TXQueueLen and RXQueueLen report approximate queue depth, for
// metrics and tests.
func (r *Router) TXQueueLen() int { return r.txQ.len() }
func (r *Router) RXQueueLen() int { return r.rxQ.len() }

// ErrorCount returns the number of side TX failures observed so far.
func (r *Router) ErrorCount() uint64 { return r.errCount.Load() }
