package timesync

import (
	"testing"

	"github.com/soldercore/nodetelem/internal/clock"
)

// TestComputeOffsetDelay_SpecExample is spec.md §8 scenario 6: a client
// at t1=10000 gets a reply with t2=10100, t3=10110, observed at
// t4=10020; the expected offset is ~95 and the corrected clock lands
// at ~10115 (±1 tick).
func TestComputeOffsetDelay_SpecExample(t *testing.T) {
	offset, delay := ComputeOffsetDelay(10000, 10100, 10110, 10020)
	if offset != 95 {
		t.Fatalf("offset = %d, want 95", offset)
	}
	if delay != 10 {
		t.Fatalf("delay = %d, want 10", delay)
	}
}

func TestClient_AppliesOffsetWithinClamp(t *testing.T) {
	fake := clock.NewFake(10000)
	var sent [][]byte
	c := New(fake, func(payload []byte, ts int64) error {
		sent = append(sent, payload)
		return nil
	})

	if err := c.IssueRequest(); err != nil {
		t.Fatalf("IssueRequest: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one request sent, got %d", len(sent))
	}
	seq, t1, ok := DecodeRequest(sent[0])
	if !ok || seq != 1 || t1 != 10000 {
		t.Fatalf("decoded request = seq=%d t1=%d ok=%v, want seq=1 t1=10000", seq, t1, ok)
	}

	fake.Advance(20) // now_ms() == 10020 when the reply arrives, matching the spec example
	reply := EncodeReply(seq, t1, 10100, 10110)
	c.HandleReply(reply)

	if got := c.LastOffsetMS(); got != 95 {
		t.Fatalf("LastOffsetMS() = %d, want 95", got)
	}
	if got := fake.NowMS(); got != 10020+95 {
		t.Fatalf("clock after correction = %d, want %d", got, 10020+95)
	}
	if c.Applied() != 1 {
		t.Fatalf("Applied() = %d, want 1", c.Applied())
	}
	if c.Rejected() != 0 {
		t.Fatalf("Rejected() = %d, want 0", c.Rejected())
	}
}

func TestClient_RejectsOffsetBeyondClamp(t *testing.T) {
	fake := clock.NewFake(0)
	c := New(fake, func(payload []byte, ts int64) error { return nil })

	// A reply implying an offset far beyond +-30000ms must be discarded
	// and must not perturb the clock.
	reply := EncodeReply(1, 0, 100_000, 100_000)
	c.HandleReply(reply)

	if c.Applied() != 0 {
		t.Fatalf("Applied() = %d, want 0", c.Applied())
	}
	if c.Rejected() != 1 {
		t.Fatalf("Rejected() = %d, want 1", c.Rejected())
	}
	if fake.NowMS() != 0 {
		t.Fatalf("clock moved despite rejected offset: now=%d", fake.NowMS())
	}
}

func TestClient_ShortReplyIgnored(t *testing.T) {
	fake := clock.NewFake(0)
	c := New(fake, func(payload []byte, ts int64) error { return nil })

	c.HandleReply([]byte{1, 2, 3})
	if c.Applied() != 0 || c.Rejected() != 0 {
		t.Fatalf("short reply should be a silent no-op, got applied=%d rejected=%d", c.Applied(), c.Rejected())
	}
}

func TestDecodeRequest_TooShort(t *testing.T) {
	if _, _, ok := DecodeRequest([]byte{0, 1, 2}); ok {
		t.Fatal("expected ok=false for undersized payload")
	}
}
