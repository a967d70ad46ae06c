package endpoint

import (
	"errors"
	"testing"
)

func TestSDCardSink_NilWriteNoOps(t *testing.T) {
	sink := SDCardSink(nil)
	if err := sink([]byte{1, 2, 3}); err != nil {
		t.Fatalf("nil-backed sink returned error: %v", err)
	}
}

func TestSDCardSink_DelegatesToWriteFunc(t *testing.T) {
	var got []byte
	sink := SDCardSink(func(payload []byte) error {
		got = append([]byte(nil), payload...)
		return nil
	})
	if err := sink([]byte{9, 8, 7}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string([]byte{9, 8, 7}) {
		t.Fatalf("got %v, want [9 8 7]", got)
	}
}

func TestSDCardSink_PropagatesWriteError(t *testing.T) {
	wantErr := errors.New("disk full")
	sink := SDCardSink(func([]byte) error { return wantErr })
	if err := sink(nil); !errors.Is(err, wantErr) {
		t.Fatalf("sink error = %v, want %v", err, wantErr)
	}
}

func TestTags_AreDistinct(t *testing.T) {
	if SDCard == TimeSync {
		t.Fatal("SDCard and TimeSync tags must not collide")
	}
}
