package metrics

import "github.com/prometheus/client_golang/prometheus"

// LockCollectors groups the Prometheus collectors describing one lock.
type LockCollectors struct {
	// Acquired counts successful acquisitions.
	Acquired prometheus.Counter
	// TimedOut counts bounded waits that expired without the slot.
	TimedOut prometheus.Counter
	// Cancelled counts waits abandoned because the context was done.
	Cancelled prometheus.Counter
	// Held is 1 while the slot is taken.
	Held prometheus.Gauge
	// Wait observes how long acquisitions waited, whatever the outcome.
	Wait prometheus.Histogram
	// Hold observes how long the slot was kept by a holder.
	Hold prometheus.Histogram
}

// NewLockCollectors creates the collectors for the lock called name. The
// name is attached as the constant label "lock".
func NewLockCollectors(name string) *LockCollectors {
	labels := prometheus.Labels{"lock": name}
	return &LockCollectors{
		Acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "nklock_acquired_total",
			Help:        "Total number of successful lock acquisitions",
			ConstLabels: labels,
		}),
		TimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "nklock_timeouts_total",
			Help:        "Total number of lock waits that timed out",
			ConstLabels: labels,
		}),
		Cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "nklock_cancellations_total",
			Help:        "Total number of lock waits that were cancelled",
			ConstLabels: labels,
		}),
		Held: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "nklock_held",
			Help:        "Whether the lock slot is currently held",
			ConstLabels: labels,
		}),
		Wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "nklock_wait_seconds",
			Help:        "Time spent waiting for the lock slot",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		Hold: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "nklock_hold_seconds",
			Help:        "Time the lock slot was held",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

// Register registers all collectors on reg. It panics on duplicate
// registration, like prometheus.MustRegister.
func (c *LockCollectors) Register(reg prometheus.Registerer) {
	reg.MustRegister(c.Acquired, c.TimedOut, c.Cancelled, c.Held, c.Wait, c.Hold)
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}
