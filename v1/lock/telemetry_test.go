package lock

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-nklock/v1/syncbus"
)

func TestNonKeyedMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	l := NewNonKeyed(WithName("orders"), WithMetrics(reg))

	r := l.Lock()
	if v := testutil.ToFloat64(l.metrics.Held); v != 1 {
		t.Fatalf("expected held 1, got %v", v)
	}
	if _, entered, _ := l.LockMillis(0); entered {
		t.Fatal("probe entered a held lock")
	}
	if _, err := l.LockContext(cancelledContext()); err == nil {
		t.Fatal("expected cancellation")
	}
	r.Release()

	if v := testutil.ToFloat64(l.metrics.Acquired); v != 1 {
		t.Fatalf("expected 1 acquisition, got %v", v)
	}
	if v := testutil.ToFloat64(l.metrics.TimedOut); v != 1 {
		t.Fatalf("expected 1 timeout, got %v", v)
	}
	if v := testutil.ToFloat64(l.metrics.Cancelled); v != 1 {
		t.Fatalf("expected 1 cancellation, got %v", v)
	}
	if v := testutil.ToFloat64(l.metrics.Held); v != 0 {
		t.Fatalf("expected held 0, got %v", v)
	}
	n, err := testutil.GatherAndCount(reg, "nklock_hold_seconds", "nklock_wait_seconds")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 histogram series, got %d", n)
	}
}

func TestNonKeyedMetricsUseConfiguredName(t *testing.T) {
	reg := prometheus.NewRegistry()
	// option order must not matter
	NewNonKeyed(WithMetrics(reg), WithName("a"))
	NewNonKeyed(WithMetrics(reg), WithName("b"))
	n, err := testutil.GatherAndCount(reg, "nklock_held")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected one series per lock, got %d", n)
	}
}

func spanAttr(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNonKeyedTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	l := NewNonKeyed(WithName("orders"), WithTracing(tp))
	r := l.Lock()
	_, _, _ = l.LockMillis(0)
	_, _ = l.LockContext(cancelledContext())
	_, _, _ = l.LockMillis(-3)
	r.Release()

	spans := sr.Ended()
	if len(spans) != 4 {
		t.Fatalf("expected 4 spans, got %d", len(spans))
	}
	want := []string{outcomeAcquired, outcomeTimeout, outcomeCancelled, outcomeInvalid}
	for i, s := range spans {
		if s.Name() != "NonKeyed.Lock" {
			t.Fatalf("unexpected span name %q", s.Name())
		}
		if v, ok := spanAttr(s, "nklock.name"); !ok || v.AsString() != "orders" {
			t.Fatalf("span %d missing lock name", i)
		}
		if v, ok := spanAttr(s, "nklock.outcome"); !ok || v.AsString() != want[i] {
			t.Fatalf("span %d: expected outcome %s, got %v", i, want[i], v.AsString())
		}
	}
	if v, ok := spanAttr(spans[0], "nklock.holder"); !ok || v.AsString() != r.ID() {
		t.Fatalf("expected holder %s on acquire span", r.ID())
	}
}

func TestNonKeyedPublishesEvents(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, "orders")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	l := NewNonKeyed(WithName("orders"), WithEvents(bus))
	r := l.Lock()
	_, _, _ = l.LockMillis(0)
	r.Release()

	for _, kind := range []syncbus.EventKind{syncbus.EventAcquired, syncbus.EventReleased} {
		select {
		case ev := <-ch:
			if ev.Kind != kind || ev.Lock != "orders" || ev.Holder != r.ID() {
				t.Fatalf("expected %s event for %s, got %+v", kind, r.ID(), ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for failed probe: %+v", ev)
	default:
	}
}

func TestNonKeyedPublishFailureIsLogged(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	_ = bus.Close()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := NewNonKeyed(WithName("orders"), WithEvents(bus), WithLogger(logger))
	r := l.Lock()
	if !r.EnteredSlot() {
		t.Fatal("publish failure must not fail the acquisition")
	}
	r.Release()
	assertCounts(t, l, 1, 0)
	if !strings.Contains(buf.String(), "publishing lock event failed") {
		t.Fatalf("expected warning in log, got %q", buf.String())
	}
}

func TestNonKeyedLogsCancellationAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l := NewNonKeyed(WithName("orders"), WithLogger(logger))
	if _, err := l.LockContext(cancelledContext()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "lock wait cancelled") || !strings.Contains(out, "lock=orders") {
		t.Fatalf("unexpected log output %q", out)
	}
}
