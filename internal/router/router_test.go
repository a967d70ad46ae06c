package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soldercore/nodetelem/internal/clock"
	"github.com/soldercore/nodetelem/internal/pool"
	"github.com/soldercore/nodetelem/internal/schema"
)

// mustEncode builds a wire envelope for use as a test fixture (e.g. RX
// bytes arriving off the bus), out of a scratch pool independent of
// any Router under test.
func mustEncode(t *testing.T, dataType, flags uint16, ts int64, payload []byte) []byte {
	t.Helper()
	b, err := encodePacket(pool.New(pool.DefaultSize), dataType, flags, ts, payload)
	if err != nil {
		t.Fatalf("encodePacket: %v", err)
	}
	return b
}

func captureSide(r *Router, name string) (*[][]byte, error) {
	var mu sync.Mutex
	got := &[][]byte{}
	_, err := r.AddSide(name, func(payload []byte, user any) error {
		mu.Lock()
		defer mu.Unlock()
		*got = append(*got, append([]byte(nil), payload...))
		return nil
	}, nil, false)
	return got, err
}

func TestLogTyped_SyncTransmitsImmediately(t *testing.T) {
	fake := clock.NewFake(1000)
	r := New(ModeSink, fake)
	got, err := captureSide(r, "a")
	if err != nil {
		t.Fatalf("AddSide: %v", err)
	}

	data := []byte{1, 2, 3, 4}
	if err := r.LogTyped(0x10, data, 1, 4, schema.KindUnsigned, nil, false); err != nil {
		t.Fatalf("LogTyped: %v", err)
	}
	if len(*got) != 1 {
		t.Fatalf("side received %d payloads, want 1", len(*got))
	}
	if r.TXQueueLen() != 0 {
		t.Fatalf("sync log should not touch TX queue, len=%d", r.TXQueueLen())
	}
}

func TestLogTyped_QueuedRequiresDrain(t *testing.T) {
	fake := clock.NewFake(0)
	r := New(ModeSink, fake)
	got, _ := captureSide(r, "a")

	if err := r.LogTyped(0x10, []byte{9}, 1, 1, schema.KindUnsigned, nil, true); err != nil {
		t.Fatalf("LogTyped: %v", err)
	}
	if len(*got) != 0 {
		t.Fatal("queued log must not transmit before a drain")
	}
	if n := r.ProcessTXQueue(); n != 1 {
		t.Fatalf("ProcessTXQueue drained %d, want 1", n)
	}
	if len(*got) != 1 {
		t.Fatalf("side received %d payloads after drain, want 1", len(*got))
	}
}

func TestWireEnvelope_RoundTrip(t *testing.T) {
	payload := []byte("hello")
	flags, err := encodeFlags(schema.KindUnsigned, 1)
	if err != nil {
		t.Fatalf("encodeFlags: %v", err)
	}
	buf := mustEncode(t, 0x42, flags, 12345, payload)
	dp, err := decodePacket(buf)
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if dp.Type != 0x42 || dp.TimestampMS != 12345 || string(dp.Payload) != "hello" {
		t.Fatalf("round trip mismatch: %+v", dp)
	}
	kind, elemSize := decodeFlags(dp.Flags)
	if kind != schema.KindUnsigned || elemSize != 1 {
		t.Fatalf("flags round trip = kind=%v size=%d", kind, elemSize)
	}
}

func TestDecodePacket_RejectsShortAndMismatchedLength(t *testing.T) {
	if _, err := decodePacket([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for undersized envelope")
	}
	bad := mustEncode(t, 1, 0, 0, []byte("xy"))
	bad[8] = 0xFF // corrupt payload_len to exceed what's present
	if _, err := decodePacket(bad); err == nil {
		t.Fatal("expected error for payload_len exceeding available bytes")
	}
}

func TestRxSerialized_DispatchesToLocalEndpoint(t *testing.T) {
	fake := clock.NewFake(0)
	r := New(ModeSink, fake)

	var got PacketView
	done := make(chan struct{}, 1)
	if err := r.AddLocalEndpoint(7, func(v PacketView) {
		got = v
		done <- struct{}{}
	}, nil); err != nil {
		t.Fatalf("AddLocalEndpoint: %v", err)
	}

	flags, _ := encodeFlags(schema.KindUnsigned, 1)
	wire := mustEncode(t, 7, flags, 999, []byte{5, 6})
	if err := r.RxSerialized(wire); err != nil {
		t.Fatalf("RxSerialized: %v", err)
	}
	if n := r.ProcessRXQueue(); n != 1 {
		t.Fatalf("ProcessRXQueue = %d, want 1", n)
	}
	select {
	case <-done:
	default:
		t.Fatal("endpoint handler was not invoked")
	}
	if got.Type != 7 || got.TimestampMS != 999 || len(got.Payload) != 2 {
		t.Fatalf("unexpected PacketView: %+v", got)
	}
}

func TestRxSerialized_UnknownEndpointSilentlyDropsInSinkMode(t *testing.T) {
	fake := clock.NewFake(0)
	r := New(ModeSink, fake)
	flags, _ := encodeFlags(schema.KindUnsigned, 1)
	wire := mustEncode(t, 0xABCD, flags, 0, nil)
	if err := r.RxSerialized(wire); err != nil {
		t.Fatalf("RxSerialized: %v", err)
	}
	if n := r.ProcessRXQueue(); n != 1 {
		t.Fatalf("ProcessRXQueue = %d, want 1", n)
	}
	// No panic, no error return path exists for an unmatched endpoint;
	// this test exists to document the silent-drop contract.
}

func TestRelay_ForwardsButNeverReflectsToOriginSide(t *testing.T) {
	fake := clock.NewFake(0)
	r := New(ModeRelay, fake)

	gotA, _ := captureSide(r, "a")
	gotB, _ := captureSide(r, "b")

	flags, _ := encodeFlags(schema.KindUnsigned, 1)
	wire := mustEncode(t, 1, flags, 0, []byte{1})
	if err := r.RxSerializedFromSide(0, wire); err != nil {
		t.Fatalf("RxSerializedFromSide: %v", err)
	}
	if n := r.ProcessRXQueue(); n != 1 {
		t.Fatalf("ProcessRXQueue = %d, want 1", n)
	}
	if len(*gotA) != 0 {
		t.Fatal("relay reflected a packet back to its origin side")
	}
	if len(*gotB) != 1 {
		t.Fatalf("relay did not forward to the other side: got %d", len(*gotB))
	}
}

func TestAddSide_CapacityLimit(t *testing.T) {
	r := New(ModeSink, clock.NewFake(0))
	for i := 0; i < MaxSides; i++ {
		if _, err := r.AddSide("s", func([]byte, any) error { return nil }, nil, false); err != nil {
			t.Fatalf("AddSide #%d: %v", i, err)
		}
	}
	if _, err := r.AddSide("extra", func([]byte, any) error { return nil }, nil, false); !errors.Is(err, ErrAlloc) {
		t.Fatalf("expected ErrAlloc once full, got %v", err)
	}
}

func TestAddSide_RejectsBadArgs(t *testing.T) {
	r := New(ModeSink, clock.NewFake(0))
	if _, err := r.AddSide("", func([]byte, any) error { return nil }, nil, false); !errors.Is(err, ErrBadArg) {
		t.Fatalf("expected ErrBadArg for empty name, got %v", err)
	}
	if _, err := r.AddSide("toolongname", func([]byte, any) error { return nil }, nil, false); !errors.Is(err, ErrBadArg) {
		t.Fatalf("expected ErrBadArg for name >7 chars, got %v", err)
	}
	if _, err := r.AddSide("ok", nil, nil, false); !errors.Is(err, ErrBadArg) {
		t.Fatalf("expected ErrBadArg for nil transmit, got %v", err)
	}
}

func TestAddLocalEndpoint_RejectsDuplicateTag(t *testing.T) {
	r := New(ModeSink, clock.NewFake(0))
	if err := r.AddLocalEndpoint(1, nil, nil); err != nil {
		t.Fatalf("AddLocalEndpoint: %v", err)
	}
	if err := r.AddLocalEndpoint(1, nil, nil); !errors.Is(err, ErrBadArg) {
		t.Fatalf("expected ErrBadArg for duplicate tag, got %v", err)
	}
}

func TestLogErrorf_TruncatesAndTagsGenericError(t *testing.T) {
	fake := clock.NewFake(0)
	r := New(ModeSink, fake)
	got, _ := captureSide(r, "a")

	long := make([]byte, MaxErrorMessage+100)
	for i := range long {
		long[i] = 'x'
	}
	if err := r.LogErrorfSync("%s", string(long)); err != nil {
		t.Fatalf("LogErrorfSync: %v", err)
	}
	if len(*got) != 1 {
		t.Fatalf("expected one transmitted error packet, got %d", len(*got))
	}
	dp, err := decodePacket((*got)[0])
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if dp.Type != GenericError {
		t.Fatalf("Type = %#x, want GenericError", dp.Type)
	}
	if len(dp.Payload) != MaxErrorMessage {
		t.Fatalf("payload len = %d, want %d (truncated)", len(dp.Payload), MaxErrorMessage)
	}
}

func TestProcessAllQueuesWithTimeout_DrainsBothQueuesFairly(t *testing.T) {
	fake := clock.NewFake(0)
	r := New(ModeSink, fake)
	if _, err := r.AddSide("a", func([]byte, any) error { return nil }, nil, false); err != nil {
		t.Fatalf("AddSide: %v", err)
	}
	if err := r.AddLocalEndpoint(1, func(PacketView) {}, nil); err != nil {
		t.Fatalf("AddLocalEndpoint: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := r.LogTyped(0x10, []byte{1}, 1, 1, schema.KindUnsigned, nil, true); err != nil {
			t.Fatalf("LogTyped: %v", err)
		}
	}
	flags, _ := encodeFlags(schema.KindUnsigned, 1)
	for i := 0; i < 3; i++ {
		if err := r.RxSerialized(mustEncode(t, 1, flags, 0, nil)); err != nil {
			t.Fatalf("RxSerialized: %v", err)
		}
	}

	txN, rxN := r.ProcessAllQueuesWithTimeout(50 * time.Millisecond)
	if txN != 5 || rxN != 3 {
		t.Fatalf("txN=%d rxN=%d, want 5,3", txN, rxN)
	}
}

// TestLogTyped_PoolExhaustionSurfacesErrAlloc checks that an envelope
// encode that cannot fit in the router's allocation budget is rejected
// up front with ErrAlloc, rather than silently growing the budget.
func TestLogTyped_PoolExhaustionSurfacesErrAlloc(t *testing.T) {
	fake := clock.NewFake(0)
	r := New(ModeSink, fake, WithPool(pool.New(envelopeHeaderSize+3)))
	// Queued and left undrained, so its envelope bytes stay charged
	// against the budget instead of being released on transmit.
	if err := r.LogTyped(0x10, []byte{1, 2, 3}, 3, 1, schema.KindUnsigned, nil, true); err != nil {
		t.Fatalf("first LogTyped should fit exactly: %v", err)
	}
	if err := r.LogTyped(0x10, []byte{1}, 1, 1, schema.KindUnsigned, nil, true); !errors.Is(err, ErrAlloc) {
		t.Fatalf("expected ErrAlloc once the budget is spent, got %v", err)
	}
}

// TestTransmitAndRelease_FreesBudgetForReuse checks that a transmitted
// sync LogTyped call releases its envelope's budget once sent, so a
// long-running router does not exhaust its pool over many calls.
func TestTransmitAndRelease_FreesBudgetForReuse(t *testing.T) {
	fake := clock.NewFake(0)
	r := New(ModeSink, fake, WithPool(pool.New(envelopeHeaderSize+1)))
	if _, err := captureSide(r, "a"); err != nil {
		t.Fatalf("AddSide: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := r.LogTyped(0x10, []byte{1}, 1, 1, schema.KindUnsigned, nil, false); err != nil {
			t.Fatalf("LogTyped #%d: %v", i, err)
		}
	}
}
