package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	nkerrors "github.com/mirkobrombin/go-nklock/v1/errors"
)

const redisChannelPrefix = "nklock:"

var tracer = otel.Tracer("github.com/mirkobrombin/go-nklock/v1/syncbus")

// RedisBus implements Bus on top of Redis pub/sub. One Redis subscription
// is kept per observed lock and shared by all local subscribers.
type RedisBus struct {
	fanout
	client *redis.Client

	psMu      sync.Mutex
	pubsubs   map[string]*redis.PubSub
	published atomic.Uint64
	closed    atomic.Bool
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, pubsubs: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if b.closed.Load() {
		return nkerrors.ErrBusClosed
	}
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(
		attribute.String("nklock.name", ev.Lock),
		attribute.String("nklock.event", string(ev.Kind)),
	))
	defer span.End()

	payload, err := encodeEvent(ev)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := b.client.Publish(ctx, redisChannelPrefix+ev.Lock, payload).Err(); err != nil {
		span.RecordError(err)
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The Redis subscription is confirmed
// before Subscribe returns, so events published afterwards are observed.
func (b *RedisBus) Subscribe(ctx context.Context, lock string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, nkerrors.ErrBusClosed
	}
	b.psMu.Lock()
	if _, ok := b.pubsubs[lock]; !ok {
		ps := b.client.Subscribe(context.Background(), redisChannelPrefix+lock)
		if _, err := ps.Receive(ctx); err != nil {
			b.psMu.Unlock()
			_ = ps.Close()
			return nil, err
		}
		b.pubsubs[lock] = ps
		go b.dispatch(ps)
	}
	ch, _ := b.add(lock)
	b.psMu.Unlock()

	unsubscribeOnDone(ctx, b, lock, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		ev, err := decodeEvent([]byte(msg.Payload))
		if err != nil {
			slog.Warn("nklock: dropping malformed redis event", "channel", msg.Channel, "error", err)
			continue
		}
		b.deliver(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription is closed
// with the last local subscriber.
func (b *RedisBus) Unsubscribe(ctx context.Context, lock string, ch <-chan Event) error {
	b.psMu.Lock()
	defer b.psMu.Unlock()
	if _, last := b.remove(lock, ch); !last {
		return nil
	}
	ps, ok := b.pubsubs[lock]
	if !ok {
		return nil
	}
	delete(b.pubsubs, lock)
	return ps.Close()
}

// Metrics implements Bus.Metrics.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close stops every Redis subscription and closes subscriber channels. The
// client itself is left open.
func (b *RedisBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.psMu.Lock()
	var firstErr error
	for lock, ps := range b.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.pubsubs, lock)
	}
	b.psMu.Unlock()
	b.closeAll()
	return firstErr
}
