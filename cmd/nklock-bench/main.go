package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/mirkobrombin/go-nklock/v1/lock"
	"github.com/mirkobrombin/go-nklock/v1/metrics"
	"github.com/mirkobrombin/go-nklock/v1/syncbus"
	"github.com/mirkobrombin/go-nklock/v1/watch"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	hold        = flag.Duration("hold", 0, "Time spent inside the lock per request")
	timeout     = flag.Duration("timeout", time.Millisecond, "Timeout for the nklock-bounded target")
	target      = flag.String("target", "all", "Target: nklock, nklock-ctx, nklock-bounded, nklock-events, nklock-redis, nklock-nats, semaphore, mutex")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
	natsAddr    = flag.String("nats-addr", nats.DefaultURL, "NATS Address")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics and lock events on this address while running")
)

// eventBus carries the events of the nklock-events target and backs the
// /events and /ws endpoints.
var eventBus = syncbus.NewInMemoryBus()

func main() {
	flag.Parse()

	reg := metrics.NewRegistry()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/events", watch.SSEHandler(eventBus))
		mux.Handle("/ws", watch.WebSocketHandler(eventBus))
		go func() {
			log.Printf("serving metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"mutex", "semaphore", "nklock", "nklock-ctx", "nklock-bounded", "nklock-events"}
	}

	fmt.Printf("| %-15s | %-10s | %-10s | %-12s | %-12s |\n", "System", "Ops/sec", "Missed", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t), reg)
	}
}

// lockFn takes the lock and returns the function that releases it. ok is
// false when the lock was not obtained.
type lockFn func(ctx context.Context) (unlock func(), ok bool)

func nklockFn(l *lock.NonKeyed) lockFn {
	return func(context.Context) (func(), bool) {
		r := l.Lock()
		return r.Release, true
	}
}

func runBenchmark(name string, reg prometheus.Registerer) {
	var (
		acquire lockFn
		cleanup func()
	)

	switch name {
	case "mutex":
		var mu sync.Mutex
		acquire = func(context.Context) (func(), bool) {
			mu.Lock()
			return mu.Unlock, true
		}

	case "semaphore":
		sem := semaphore.NewWeighted(1)
		acquire = func(ctx context.Context) (func(), bool) {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil, false
			}
			return func() { sem.Release(1) }, true
		}

	case "nklock":
		acquire = nklockFn(lock.NewNonKeyed(lock.WithName(name), lock.WithMetrics(reg)))

	case "nklock-ctx":
		l := lock.NewNonKeyed(lock.WithName(name), lock.WithMetrics(reg))
		acquire = func(ctx context.Context) (func(), bool) {
			r, err := l.LockContext(ctx)
			if err != nil {
				return nil, false
			}
			return r.Release, true
		}

	case "nklock-bounded":
		l := lock.NewNonKeyed(lock.WithName(name), lock.WithMetrics(reg))
		acquire = func(ctx context.Context) (func(), bool) {
			r, entered, err := l.LockTimeoutContext(ctx, *timeout)
			if err != nil || !entered {
				return nil, false
			}
			return r.Release, true
		}

	case "nklock-events":
		acquire = nklockFn(lock.NewNonKeyed(lock.WithName(name), lock.WithMetrics(reg), lock.WithEvents(eventBus)))

	case "nklock-redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		bus := syncbus.NewRedisBus(client)
		acquire = nklockFn(lock.NewNonKeyed(lock.WithName(name), lock.WithMetrics(reg), lock.WithEvents(bus)))
		cleanup = func() {
			_ = bus.Close()
			_ = client.Close()
		}

	case "nklock-nats":
		conn, err := nats.Connect(*natsAddr)
		if err != nil {
			log.Printf("nats connect: %v", err)
			return
		}
		bus := syncbus.NewNATSBus(conn)
		acquire = nklockFn(lock.NewNonKeyed(lock.WithName(name), lock.WithMetrics(reg), lock.WithEvents(bus)))
		cleanup = func() {
			_ = bus.Close()
			conn.Close()
		}

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	if cleanup != nil {
		defer cleanup()
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	var ops, missed int64
	totalReqs := *requests
	latencies := make([]int64, totalReqs)

	start := time.Now()
	chunk := totalReqs / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				unlock, ok := acquire(ctx)
				if !ok {
					atomic.AddInt64(&missed, 1)
					continue
				}
				if *hold > 0 {
					time.Sleep(*hold)
				}
				unlock()
				atomic.AddInt64(&ops, 1)
				latencies[offset+j] = time.Since(reqStart).Nanoseconds()
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-15s | %-10s | %-10d | %-12s | %-12s |\n", name, "ERROR", missed, "-", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)

	p99 := "-"
	validLats := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			validLats = append(validLats, l)
		}
	}
	if len(validLats) > 0 {
		sort.Slice(validLats, func(i, j int) bool { return validLats[i] < validLats[j] })
		p99Idx := int(float64(len(validLats)) * 0.99)
		if p99Idx >= len(validLats) {
			p99Idx = len(validLats) - 1
		}
		p99 = fmt.Sprintf("%d", validLats[p99Idx])
	}

	fmt.Printf("| %-15s | %-10.0f | %-10d | %-12.0f | %-12s |\n", name, throughput, missed, avgLat, p99)
}
