package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	nkerrors "github.com/mirkobrombin/go-nklock/v1/errors"
)

const natsSubjectPrefix = "nklock."

// NATSBus implements Bus using a NATS connection.
type NATSBus struct {
	fanout
	conn *nats.Conn

	subMu     sync.Mutex
	natsSubs  map[string]*nats.Subscription
	published atomic.Uint64
	closed    atomic.Bool
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, natsSubs: make(map[string]*nats.Subscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	if b.closed.Load() {
		return nkerrors.ErrBusClosed
	}
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubjectPrefix+ev.Lock, payload); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is flushed to the
// server before Subscribe returns.
func (b *NATSBus) Subscribe(ctx context.Context, lock string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, nkerrors.ErrBusClosed
	}
	b.subMu.Lock()
	if _, ok := b.natsSubs[lock]; !ok {
		sub, err := b.conn.Subscribe(natsSubjectPrefix+lock, func(msg *nats.Msg) {
			ev, err := decodeEvent(msg.Data)
			if err != nil {
				slog.Warn("nklock: dropping malformed nats event", "subject", msg.Subject, "error", err)
				return
			}
			b.deliver(ev)
		})
		if err != nil {
			b.subMu.Unlock()
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			b.subMu.Unlock()
			return nil, err
		}
		b.natsSubs[lock] = sub
	}
	ch, _ := b.add(lock)
	b.subMu.Unlock()

	unsubscribeOnDone(ctx, b, lock, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, lock string, ch <-chan Event) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, last := b.remove(lock, ch); !last {
		return nil
	}
	sub, ok := b.natsSubs[lock]
	if !ok {
		return nil
	}
	delete(b.natsSubs, lock)
	return sub.Unsubscribe()
}

// Metrics implements Bus.Metrics.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close drops every NATS subscription and closes subscriber channels. The
// connection is left open.
func (b *NATSBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.subMu.Lock()
	for lock, sub := range b.natsSubs {
		_ = sub.Unsubscribe()
		delete(b.natsSubs, lock)
	}
	b.subMu.Unlock()
	b.closeAll()
	return nil
}
