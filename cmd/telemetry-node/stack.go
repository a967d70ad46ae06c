package main

import (
	"encoding/binary"
	"os"

	"github.com/soldercore/nodetelem/internal/can"
	"github.com/soldercore/nodetelem/internal/canbus"
	"github.com/soldercore/nodetelem/internal/canfrag"
	"github.com/soldercore/nodetelem/internal/clock"
	"github.com/soldercore/nodetelem/internal/endpoint"
	"github.com/soldercore/nodetelem/internal/node"
	"github.com/soldercore/nodetelem/internal/pool"
	"github.com/soldercore/nodetelem/internal/reasm"
	"github.com/soldercore/nodetelem/internal/ring"
	"github.com/soldercore/nodetelem/internal/router"
	"github.com/soldercore/nodetelem/internal/schema"
	"github.com/soldercore/nodetelem/internal/subscriber"
	"github.com/soldercore/nodetelem/internal/timesync"
)

// nodeStack is every long-lived component main wires together, kept
// as one value so it can be built (and tested) independently of
// signal handling and process lifecycle.
type nodeStack struct {
	clock  *clock.Monotonic
	ring   *ring.Ring
	reasm  *reasm.Table
	subs   *subscriber.Registry
	router *router.Router
	sync   *timesync.Client
	worker *node.Worker
}

// buildStack assembles the ring/reassembly/router/time-sync/worker
// pipeline over bus and returns it along with the opened SD-card file
// (nil if none was configured), for the caller to close on shutdown.
func buildStack(cfg *nodeConfig, bus canbus.Bus) (*nodeStack, *os.File, error) {
	clk := clock.NewMonotonic()
	rng := ring.New(cfg.ringDepth)
	// One shared byte pool for the whole node: reassembly and router
	// traffic draw from the same 32KiB arena, matching spec.md §5's
	// single shared-budget byte pool rather than giving each consumer
	// its own independent ceiling.
	bytePool := pool.New(pool.DefaultSize)
	reasmTable := reasm.New(clk, reasm.WithPool(bytePool))
	subs := subscriber.New()
	rt := router.New(router.ModeSink, clk, router.WithPool(bytePool))

	sender := canfrag.NewSender(func(fr can.Frame) error { return bus.Send(fr) })
	if _, err := rt.AddSide("can0", func(payload []byte, user any) error {
		return sender.SendLarge(sideStdID(cfg, payload), payload)
	}, nil, false); err != nil {
		return nil, nil, err
	}

	syncClient := timesync.New(clk, func(payload []byte, ts int64) error {
		return rt.LogTS(timesync.RequestType, payload, len(payload), 1, schema.KindUnsigned, ts, false)
	})
	if err := rt.AddLocalEndpoint(timesync.ReplyType, func(v router.PacketView) {
		syncClient.HandleReply(v.Payload)
	}, nil); err != nil {
		return nil, nil, err
	}

	var sdFile *os.File
	var sdWrite endpoint.WriteFunc
	if cfg.sdCardPath != "" {
		f, err := os.OpenFile(cfg.sdCardPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		sdFile = f
		sdWrite = func(payload []byte) error { _, err := f.Write(payload); return err }
	}
	sdSink := endpoint.SDCardSink(sdWrite)
	if err := rt.AddLocalEndpoint(endpoint.SDCard, nil, func(payload []byte) { _ = sdSink(payload) }); err != nil {
		return nil, sdFile, err
	}

	worker := node.New(rng, reasmTable, subs, rt, syncClient)
	return &nodeStack{
		clock:  clk,
		ring:   rng,
		reasm:  reasmTable,
		subs:   subs,
		router: rt,
		sync:   syncClient,
		worker: worker,
	}, sdFile, nil
}

// sideStdID picks the outbound std_id for a router-encoded payload:
// time-sync request/reply traffic uses the dedicated time-sync id so a
// master node can filter on it without decoding every frame; every
// other packet type uses the node's own id.
func sideStdID(cfg *nodeConfig, payload []byte) uint16 {
	if len(payload) >= 2 {
		dataType := binary.LittleEndian.Uint16(payload[0:2])
		if dataType == timesync.RequestType || dataType == timesync.ReplyType {
			return cfg.timeSyncStdID
		}
	}
	return cfg.stdID
}
