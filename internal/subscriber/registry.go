// Package subscriber implements the fixed-capacity raw-RX-frame
// callback fanout described in spec.md §4.4, ported from
// can_bus_subscribe_rx/unsubscribe_rx/notify_rx.
package subscriber

import (
	"errors"
	"reflect"
	"sync"
)

// Capacity is the fixed number of subscriber slots.
const Capacity = 8

// Callback receives a reassembled or raw RX buffer. Callbacks run on
// the worker goroutine and must not block or call back into the
// registry. Notify calls them on a snapshot taken under the lock, so a
// Subscribe/Unsubscribe made from within a callback takes effect only
// from the next Notify.
type Callback func(data []byte, user any)

type entry struct {
	cb   Callback
	user any
	set  bool
}

// ErrFull is returned by Subscribe when the table has no free slot.
var ErrFull = errors.New("subscriber: registry full")

// ErrDuplicate is returned by Subscribe when the (callback, user) pair
// is already registered. Callback identity is compared by underlying
// code pointer, so two closures created from the same function literal
// count as the same callback.
var ErrDuplicate = errors.New("subscriber: duplicate subscription")

// ErrNotFound is returned by Unsubscribe when no matching entry exists.
var ErrNotFound = errors.New("subscriber: not found")

// Registry is the fixed 8-slot subscriber table.
type Registry struct {
	mu      sync.Mutex
	entries [Capacity]entry
}

// New creates an empty registry.
func New() *Registry { return &Registry{} }

// Subscribe registers cb/user. It fails if the pair is already present
// or the table is full.
func (r *Registry) Subscribe(cb Callback, user any) error {
	if cb == nil {
		return errors.New("subscriber: nil callback")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	free := -1
	for i := range r.entries {
		e := &r.entries[i]
		if !e.set {
			if free < 0 {
				free = i
			}
			continue
		}
		if sameFunc(e.cb, cb) && e.user == user {
			return ErrDuplicate
		}
	}
	if free < 0 {
		return ErrFull
	}
	r.entries[free] = entry{cb: cb, user: user, set: true}
	return nil
}

// Unsubscribe removes a previously registered pair. It is
// idempotent-style: not found is reported as an error rather than a
// silent no-op, per spec.md §4.4.
func (r *Registry) Unsubscribe(cb Callback, user any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		e := &r.entries[i]
		if e.set && sameFunc(e.cb, cb) && e.user == user {
			r.entries[i] = entry{}
			return nil
		}
	}
	return ErrNotFound
}

// Notify invokes every registered callback with data, in slot order.
func (r *Registry) Notify(data []byte) {
	r.mu.Lock()
	snapshot := r.entries
	r.mu.Unlock()
	for _, e := range snapshot {
		if e.set {
			e.cb(data, e.user)
		}
	}
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.set {
			n++
		}
	}
	return n
}

// sameFunc compares two callback values by underlying code pointer.
// Go forbids comparing func values directly; reflect.Value.Pointer is
// the idiomatic workaround, with the same caveat the stdlib documents:
// it only reliably distinguishes different function *bodies*, which is
// exactly the duplicate-registration check spec.md §4.4 asks for.
func sameFunc(a, b Callback) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
