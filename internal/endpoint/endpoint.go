// Package endpoint defines the local-endpoint tags spec.md §6 lists as
// emitted by the router (SD_CARD, TIME_SYNC) plus the default SD-card
// sink, which per spec.md §6's storage interface "may be a no-op
// stub". A production build supplies a real file-backed WriteFunc.
package endpoint

// Well-known local-endpoint tags. Application code may register
// additional tags starting above these.
const (
	SDCard   uint16 = 1
	TimeSync uint16 = 2
)

// WriteFunc persists a serialized packet to storage. A nil WriteFunc
// behaves as write_sd's no-op stub (spec.md §6).
type WriteFunc func(payload []byte) error

// SDCardSink returns a serialized handler for the SD_CARD tag. write is
// called with the packet's raw wire bytes; a nil write no-ops (matching
// the C source's default stub, useful in tests and builds without
// storage). The returned func reports write errors, so it is wrapped
// to fit router.SerializedHandler, which has no error result.
func SDCardSink(write WriteFunc) func(payload []byte) error {
	if write == nil {
		return func([]byte) error { return nil }
	}
	return write
}
