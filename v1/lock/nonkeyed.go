package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	nkerrors "github.com/mirkobrombin/go-nklock/v1/errors"
	"github.com/mirkobrombin/go-nklock/v1/metrics"
	"github.com/mirkobrombin/go-nklock/v1/syncbus"
)

const (
	// Infinite is the millisecond timeout meaning "wait until acquired".
	Infinite = -1
	// InfiniteTimeout is the duration timeout meaning "wait until acquired".
	InfiniteTimeout = -1 * time.Millisecond
)

const (
	outcomeAcquired  = "acquired"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
	outcomeInvalid   = "invalid"
)

// NonKeyed is a lock with a single slot. The zero value is not usable; use
// NewNonKeyed.
type NonKeyed struct {
	sem   *semaphore.Weighted
	inUse atomic.Int32

	name    string
	logger  *slog.Logger
	reg     prometheus.Registerer
	metrics *metrics.LockCollectors
	tracer  trace.Tracer
	bus     syncbus.Bus
}

// NewNonKeyed returns a new lock with its slot free.
func NewNonKeyed(opts ...Option) *NonKeyed {
	l := &NonKeyed{
		sem:    semaphore.NewWeighted(1),
		name:   defaultName,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.reg != nil {
		l.metrics = metrics.NewLockCollectors(l.name)
		l.metrics.Register(l.reg)
	}
	return l
}

// Name returns the lock name.
func (l *NonKeyed) Name() string { return l.name }

// Lock waits until the slot is free and takes it.
func (l *NonKeyed) Lock() *Releaser {
	r, _, _ := l.acquire(context.Background(), InfiniteTimeout)
	return r
}

// LockContext waits until the slot is free or ctx is done. A context that
// is already done fails with ErrCancelled without touching the slot.
func (l *NonKeyed) LockContext(ctx context.Context) (*Releaser, error) {
	r, _, err := l.acquire(ctx, InfiniteTimeout)
	return r, err
}

// LockMillis waits at most ms milliseconds for the slot. Zero probes
// without waiting and Infinite waits forever. entered is false, with a nil
// error, when the timeout expired.
func (l *NonKeyed) LockMillis(ms int) (r *Releaser, entered bool, err error) {
	return l.acquire(context.Background(), millis(ms))
}

// LockTimeout is LockMillis with a duration. InfiniteTimeout waits forever.
func (l *NonKeyed) LockTimeout(timeout time.Duration) (r *Releaser, entered bool, err error) {
	return l.acquire(context.Background(), timeout)
}

// LockMillisContext combines LockMillis and LockContext. A done context
// wins over any timeout, including zero.
func (l *NonKeyed) LockMillisContext(ctx context.Context, ms int) (r *Releaser, entered bool, err error) {
	return l.acquire(ctx, millis(ms))
}

// LockTimeoutContext combines LockTimeout and LockContext.
func (l *NonKeyed) LockTimeoutContext(ctx context.Context, timeout time.Duration) (r *Releaser, entered bool, err error) {
	return l.acquire(ctx, timeout)
}

// CurrentCount returns the number of free slots, 0 or 1.
func (l *NonKeyed) CurrentCount() int {
	return 1 - int(l.inUse.Load())
}

// RemainingCount returns the number of taken slots, 0 or 1.
func (l *NonKeyed) RemainingCount() int {
	return int(l.inUse.Load())
}

// Do runs fn while holding the slot. The slot is released when fn returns
// or panics.
func (l *NonKeyed) Do(ctx context.Context, fn func(context.Context) error) error {
	r, err := l.LockContext(ctx)
	if err != nil {
		return err
	}
	defer r.Release()
	return fn(ctx)
}

// TryDo runs fn if the slot can be taken within timeout. It reports false,
// without calling fn, when the timeout expired.
func (l *NonKeyed) TryDo(ctx context.Context, timeout time.Duration, fn func(context.Context) error) (bool, error) {
	r, entered, err := l.LockTimeoutContext(ctx, timeout)
	if err != nil || !entered {
		return false, err
	}
	defer r.Release()
	return true, fn(ctx)
}

func millis(ms int) time.Duration {
	// Infinite maps onto InfiniteTimeout.
	return time.Duration(ms) * time.Millisecond
}

func (l *NonKeyed) acquire(ctx context.Context, timeout time.Duration) (*Releaser, bool, error) {
	var span trace.Span
	if l.tracer != nil {
		ctx, span = l.tracer.Start(ctx, "NonKeyed.Lock", trace.WithAttributes(
			attribute.String("nklock.name", l.name),
			attribute.Int64("nklock.timeout_ms", timeout.Milliseconds()),
		))
		defer span.End()
	}

	if err := ctx.Err(); err != nil {
		return l.cancelled(span, 0, err)
	}
	if timeout < 0 && timeout != InfiniteTimeout {
		err := fmt.Errorf("%w: %v", nkerrors.ErrInvalidTimeout, timeout)
		l.finishSpan(span, outcomeInvalid, "", err)
		return &Releaser{}, false, err
	}

	start := time.Now()
	entered, err := l.wait(ctx, timeout)
	waited := time.Since(start)
	if err != nil {
		return l.cancelled(span, waited, err)
	}
	if !entered {
		l.logger.Debug("nklock: lock wait timed out", "lock", l.name, "timeout", timeout)
		if l.metrics != nil {
			l.metrics.TimedOut.Inc()
			l.metrics.Wait.Observe(waited.Seconds())
		}
		l.finishSpan(span, outcomeTimeout, "", nil)
		return &Releaser{}, false, nil
	}

	l.inUse.Add(1)
	r := &Releaser{lock: l, entered: true, id: uuid.NewString(), acquiredAt: time.Now()}
	if l.metrics != nil {
		l.metrics.Acquired.Inc()
		l.metrics.Held.Set(1)
		l.metrics.Wait.Observe(waited.Seconds())
	}
	l.publish(syncbus.EventAcquired, r.id)
	l.finishSpan(span, outcomeAcquired, r.id, nil)
	return r, true, nil
}

// wait blocks on the semaphore. A nil error with entered false means the
// timeout expired; an error means ctx was done first.
func (l *NonKeyed) wait(ctx context.Context, timeout time.Duration) (bool, error) {
	switch {
	case timeout == 0:
		return l.sem.TryAcquire(1), nil
	case timeout == InfiniteTimeout:
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return false, err
		}
		return true, nil
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := l.sem.Acquire(tctx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, nil
	}
	return true, nil
}

func (l *NonKeyed) cancelled(span trace.Span, waited time.Duration, cause error) (*Releaser, bool, error) {
	err := fmt.Errorf("%w: %w", nkerrors.ErrCancelled, cause)
	l.logger.Debug("nklock: lock wait cancelled", "lock", l.name, "error", cause)
	if l.metrics != nil {
		l.metrics.Cancelled.Inc()
		l.metrics.Wait.Observe(waited.Seconds())
	}
	l.finishSpan(span, outcomeCancelled, "", err)
	return &Releaser{}, false, err
}

func (l *NonKeyed) finishSpan(span trace.Span, outcome, holder string, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("nklock.outcome", outcome))
	if holder != "" {
		span.SetAttributes(attribute.String("nklock.holder", holder))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
}

// release returns the slot held by r. The released event is published
// before the slot is handed on, so observers see transitions in order.
func (l *NonKeyed) release(r *Releaser) {
	held := time.Since(r.acquiredAt)
	l.publish(syncbus.EventReleased, r.id)
	if l.metrics != nil {
		l.metrics.Held.Set(0)
		l.metrics.Hold.Observe(held.Seconds())
	}
	l.inUse.Add(-1)
	l.sem.Release(1)
}

func (l *NonKeyed) publish(kind syncbus.EventKind, holder string) {
	if l.bus == nil {
		return
	}
	ev := syncbus.Event{Kind: kind, Lock: l.name, Holder: holder, At: time.Now()}
	if err := l.bus.Publish(context.Background(), ev); err != nil {
		l.logger.Warn("nklock: publishing lock event failed", "lock", l.name, "event", kind, "error", err)
	}
}
