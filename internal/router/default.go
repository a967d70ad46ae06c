package router

import (
	"sync"

	"github.com/soldercore/nodetelem/internal/clock"
	"github.com/soldercore/nodetelem/internal/schema"
)

// defaultRouter mirrors the C source's g_router singleton: a single
// Sink-mode instance created lazily by the first package-level logging
// call. Production code should generally hold its own *Router built
// with New; this exists for call sites (and legacy-shaped tests) that
// want the ambient "just log something" API. Per spec.md §9, real
// tests construct a fresh Router per case instead of touching this.
var (
	defaultOnce   sync.Once
	defaultRouter *Router
)

// Default returns the process-wide Sink router, constructing it on
// first use.
func Default() *Router {
	defaultOnce.Do(func() {
		defaultRouter = New(ModeSink, clock.NewMonotonic())
	})
	return defaultRouter
}

// LogTyped forwards to Default().LogTyped.
func LogTyped(dataType uint16, data []byte, count, elemSize int, kind schema.ElementKind, timestampMS *int64, queued bool) error {
	return Default().LogTyped(dataType, data, count, elemSize, kind, timestampMS, queued)
}

// LogString forwards to Default().LogString.
func LogString(dataType uint16, data []byte, timestampMS *int64, queued bool) error {
	return Default().LogString(dataType, data, timestampMS, queued)
}

// LogErrorf forwards to Default().LogErrorf.
func LogErrorf(format string, args ...any) error {
	return Default().LogErrorf(format, args...)
}
