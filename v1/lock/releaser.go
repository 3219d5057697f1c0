package lock

import (
	"io"
	"sync/atomic"
	"time"
)

var _ io.Closer = (*Releaser)(nil)

// Releaser is the handle returned by every acquisition. Releasing it gives
// the slot back exactly once if the acquisition entered the slot, and is a
// no-op otherwise. Release may be called any number of times from any
// goroutine.
type Releaser struct {
	lock       *NonKeyed
	entered    bool
	released   atomic.Bool
	id         string
	acquiredAt time.Time
}

// EnteredSlot reports whether the handle currently holds the slot.
func (r *Releaser) EnteredSlot() bool {
	return r != nil && r.entered && !r.released.Load()
}

// ID returns the holder id, or "" if the slot was never entered.
func (r *Releaser) ID() string {
	if r == nil {
		return ""
	}
	return r.id
}

// Release returns the slot to the lock.
func (r *Releaser) Release() {
	if r == nil || !r.entered || !r.released.CompareAndSwap(false, true) {
		return
	}
	r.lock.release(r)
}

// Close calls Release. It always returns nil.
func (r *Releaser) Close() error {
	r.Release()
	return nil
}
