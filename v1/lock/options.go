package lock

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-nklock/v1/syncbus"
)

const (
	defaultName = "default"
	tracerName  = "github.com/mirkobrombin/go-nklock/v1/lock"
)

// Option configures a NonKeyed lock.
type Option func(*NonKeyed)

// WithName sets the name used in metrics labels, span attributes, log
// records and bus events.
func WithName(name string) Option {
	return func(l *NonKeyed) {
		if name != "" {
			l.name = name
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *NonKeyed) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer. Collectors are labelled with the lock name.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *NonKeyed) {
		l.reg = reg
	}
}

// WithTracing enables a span per acquisition. A nil provider selects the
// global one.
func WithTracing(tp trace.TracerProvider) Option {
	return func(l *NonKeyed) {
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		l.tracer = tp.Tracer(tracerName)
	}
}

// WithEvents publishes acquired and released events on bus.
func WithEvents(bus syncbus.Bus) Option {
	return func(l *NonKeyed) {
		l.bus = bus
	}
}
