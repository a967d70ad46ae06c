// Package node implements the worker loop of spec.md §4.7: the single
// cooperative goroutine that stands in for the ThreadX telemetry
// thread in original_source/Core/Src/telemetry_thread.c. It drains the
// ISR-fed ring into reassembly and subscriber dispatch, pumps the
// router's queues, and issues periodic time-sync requests.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/soldercore/nodetelem/internal/can"
	"github.com/soldercore/nodetelem/internal/canfrag"
	"github.com/soldercore/nodetelem/internal/logging"
	"github.com/soldercore/nodetelem/internal/reasm"
	"github.com/soldercore/nodetelem/internal/ring"
	"github.com/soldercore/nodetelem/internal/router"
	"github.com/soldercore/nodetelem/internal/subscriber"
	"github.com/soldercore/nodetelem/internal/timesync"
)

// SyncInterval is the fixed period between time-sync requests, per
// spec.md §4.6/§4.7 ("issues a request every 2000ms regardless of
// whether prior replies were received").
const SyncInterval = 2 * time.Second

// YieldTick is the Go stand-in for the firmware's tx_thread_sleep(1)
// scheduler-tick yield at the loop tail; Go has no RTOS tick
// primitive, so a short fixed sleep plays the same "let other
// goroutines run" role.
const YieldTick = time.Millisecond

// queueDrainTimeout bounds each ProcessAllQueuesWithTimeout call so
// one loop iteration can never stall the ring drain behind it.
const queueDrainTimeout = 5 * time.Millisecond

// Worker owns the ring-to-router pump described in spec.md §4.7. It
// has no exported mutable state; all coordination goes through the
// components it was built with.
type Worker struct {
	ring       *ring.Ring
	reasm      *reasm.Table
	subs       *subscriber.Registry
	router     *router.Router
	sync       *timesync.Client
	lastSyncAt time.Time
}

// New builds a Worker over the given components. sync may be nil if
// the node runs without a time-sync master (the loop simply skips the
// periodic request in that case).
func New(r *ring.Ring, ra *reasm.Table, subs *subscriber.Registry, rt *router.Router, sync *timesync.Client) *Worker {
	return &Worker{ring: r, reasm: ra, subs: subs, router: rt, sync: sync}
}

// Run drives the loop until ctx is cancelled, per spec.md §4.7's exact
// shape: drain ring -> ProcessAllQueuesWithTimeout -> drain ring again
// -> maybe issue a sync request -> yield one tick.
func (w *Worker) Run(ctx context.Context) {
	w.lastSyncAt = time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.drainRing()
		w.router.ProcessAllQueuesWithTimeout(queueDrainTimeout)
		w.drainRing()
		w.maybeIssueSync()

		select {
		case <-ctx.Done():
			return
		case <-time.After(YieldTick):
		}
	}
}

// drainRing pops every currently available frame, sweeps stale
// reassembly slots before each frame is processed (and once up front,
// so idle slots expire even when no frame arrives), and hands
// completed messages to the subscriber registry.
func (w *Worker) drainRing() {
	w.reasm.SweepStale()
	for {
		fr, ok := w.ring.Pop()
		if !ok {
			return
		}
		w.reasm.SweepStale()
		w.handleFrame(fr)
	}
}

// handleFrame implements spec.md §4.2's defragmentation decision: a
// frame whose payload does not carry a fragment header (IsFragment
// false) is a single, already-complete message and goes straight to
// subscribers; only a real fragment is handed to the reassembly table.
func (w *Worker) handleFrame(fr can.Frame) {
	payload := fr.Payload()
	if !canfrag.IsFragment(payload) {
		w.deliver(payload)
		return
	}
	msg, complete := w.reasm.Accept(fr.StdID, payload)
	if !complete {
		return
	}
	w.deliver(msg)
	w.reasm.Release(msg)
}

func (w *Worker) deliver(msg []byte) {
	w.subs.Notify(msg)
	if err := w.router.RxSerialized(msg); err != nil {
		logging.L().Debug("router_rx_drop", "err", err)
	}
}

func (w *Worker) maybeIssueSync() {
	if w.sync == nil {
		return
	}
	now := time.Now()
	if !w.lastSyncAt.IsZero() && now.Sub(w.lastSyncAt) < SyncInterval {
		return
	}
	w.lastSyncAt = now
	if err := w.sync.IssueRequest(); err != nil {
		logging.L().Warn("timesync_request_failed", "err", err)
	}
}

// Die is the port of telemetry.c's die(): an unrecoverable startup
// condition that the original firmware handles by looping a printf
// forever rather than resetting. Panicking a goroutine here would end
// telemetry silently, with none of the operator-visible repetition the
// original intends, so this spins and logs once a second instead. It
// never returns.
func Die(format string, args ...any) {
	for {
		logging.L().Error("fatal", "msg", fmt.Sprintf(format, args...))
		time.Sleep(time.Second)
	}
}
