package clock

import "testing"

func TestFakeAdvanceAndOffset(t *testing.T) {
	f := NewFake(10_000)
	if f.NowMS() != 10_000 {
		t.Fatalf("got %d", f.NowMS())
	}
	f.Advance(300)
	if f.NowMS() != 10_300 {
		t.Fatalf("got %d", f.NowMS())
	}
	f.ApplyOffset(95)
	if f.NowMS() != 10_395 {
		t.Fatalf("got %d", f.NowMS())
	}
	f.ApplyOffset(-1_000_000)
	if f.NowMS() != 0 {
		t.Fatalf("offset must clamp at zero, got %d", f.NowMS())
	}
}

func TestTickExtenderWraps(t *testing.T) {
	e := NewTickExtender(1000) // 1000 ticks/sec => 1 tick == 1ms
	if ms := e.Extend(500); ms != 500 {
		t.Fatalf("got %d", ms)
	}
	// Simulate wrap: next observed tick is smaller than the last.
	if ms := e.Extend(10); ms <= 500 {
		t.Fatalf("expected extended ms beyond wrap, got %d", ms)
	}
}
