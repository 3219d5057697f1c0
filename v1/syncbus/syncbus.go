package syncbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	nkerrors "github.com/mirkobrombin/go-nklock/v1/errors"
)

// EventKind identifies a lock transition.
type EventKind string

const (
	// EventAcquired is published after a holder entered the slot.
	EventAcquired EventKind = "acquired"
	// EventReleased is published after a holder returned the slot.
	EventReleased EventKind = "released"
)

// subscriberBuffer is the per-subscriber channel capacity. Events that do
// not fit are dropped for that subscriber.
const subscriberBuffer = 16

// Event describes one transition of a named lock.
type Event struct {
	Kind   EventKind `json:"k"`
	Lock   string    `json:"l"`
	Holder string    `json:"h,omitempty"`
	At     time.Time `json:"t"`
}

// Bus carries lock events to observers. It never arbitrates the lock
// itself: a lost or late event has no effect on who holds the slot.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, lock string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, lock string, ch <-chan Event) error
	Metrics() Metrics
}

// Metrics reports how many events a bus published and handed to subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

func encodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// fanout is the subscriber bookkeeping shared by every Bus implementation.
// Sends and closes both happen under mu so a subscriber channel is never
// written after it was closed.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	delivered atomic.Uint64
}

// add registers a new subscriber channel and reports whether it is the
// first one for lock.
func (f *fanout) add(lock string) (chan Event, bool) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[string][]chan Event)
	}
	first := len(f.subs[lock]) == 0
	f.subs[lock] = append(f.subs[lock], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether lock has no subscribers left. found
// is false when ch was not registered.
func (f *fanout) remove(lock string, ch <-chan Event) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[lock]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, lock)
		return found, found
	}
	f.subs[lock] = subs
	return found, false
}

func (f *fanout) deliver(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.Lock] {
		select {
		case ch <- ev:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	for lock, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, lock)
	}
	f.mu.Unlock()
}

// unsubscribeOnDone removes ch once ctx is done.
func unsubscribeOnDone(ctx context.Context, b Bus, lock string, ch <-chan Event) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), lock, ch)
	}()
}

// InMemoryBus is a local implementation of Bus, used by default and in tests.
type InMemoryBus struct {
	fanout
	published atomic.Uint64
	closed    atomic.Bool
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	if b.closed.Load() {
		return nkerrors.ErrBusClosed
	}
	b.published.Add(1)
	b.deliver(ev)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, lock string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, nkerrors.ErrBusClosed
	}
	ch, _ := b.add(lock)
	unsubscribeOnDone(ctx, b, lock, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, lock string, ch <-chan Event) error {
	b.remove(lock, ch)
	return nil
}

// Metrics implements Bus.Metrics.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close closes every subscriber channel. Later calls fail with ErrBusClosed.
func (b *InMemoryBus) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		b.closeAll()
	}
	return nil
}
