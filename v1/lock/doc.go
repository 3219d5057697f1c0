// Package lock provides NonKeyed, a single-slot asynchronous lock with
// cancellable and time-bounded acquisition.
//
// Every acquisition returns a Releaser. Releasing it returns the slot if,
// and only if, the acquisition actually entered it, so the usual pattern is
//
//	r, entered, err := l.LockTimeoutContext(ctx, time.Second)
//	if err != nil {
//		return err
//	}
//	defer r.Release()
//	if !entered {
//		return errBusy
//	}
//
// Cancellation is reported as an error wrapping errors.ErrCancelled, while
// an expired timeout is reported as entered == false with a nil error.
//
// Waiters are queued by golang.org/x/sync/semaphore, which serves them in
// FIFO order; a zero-timeout probe never takes the slot ahead of a queued
// waiter. Locks are not reentrant.
//
// Locks can optionally record Prometheus metrics, emit OpenTelemetry spans
// and publish acquired/released events on a syncbus Bus for observers.
package lock
