// Package metrics backs the Engine's statistics (spec.md §4.7) with
// Prometheus collectors: counters for accepted/rejected/spawned/crashed,
// an EWMA rate meter over accepted enqueues, queue-depth and pool-size
// gauges, and a per-channel latency histogram. The queue-depth gauge holds
// the current depth as last set by the queue, without smoothing. The
// latency histogram is cumulative over the process lifetime, not a
// sliding window, and nothing in the Engine records into it.
//
// Grounded on thrasher-corp-gocryptotrader's exchange-level metrics
// registration pattern (one prometheus.Registry per subsystem, labeled
// vectors keyed by exchange/currency) -- here relabeled by app name so
// every Engine's series are distinguishable in one process-wide registry.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AppMetrics is the full set of collectors one Engine reports through.
type AppMetrics struct {
	Accepted prometheus.Counter
	Rejected prometheus.Counter
	Spawned  prometheus.Counter
	Crashed  prometheus.Counter

	QueueDepth prometheus.Gauge
	PoolSize   prometheus.Gauge

	Latency prometheus.Histogram

	rate *ewmaRate
}

// Registry wraps a prometheus.Registry and hands out per-app collector
// sets, namespaced by app name, so every Engine in a Node Service shares
// one /metrics endpoint.
type Registry struct {
	reg *prometheus.Registry

	mu   sync.Mutex
	apps map[string]*AppMetrics
}

// NewRegistry returns a Registry backed by a fresh prometheus.Registry
// (the process default registry is deliberately not used, so tests and
// multiple Node instances in one process don't collide on metric names).
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry(), apps: make(map[string]*AppMetrics)}
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP
// /metrics handler (promhttp.HandlerFor).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ForApp returns the AppMetrics for name, creating and registering it on
// first use. Safe for concurrent use; idempotent per name.
func (r *Registry) ForApp(name string) *AppMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.apps[name]; ok {
		return m
	}

	var labels = prometheus.Labels{"app": name}
	var m = &AppMetrics{
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vicodyn", Subsystem: "engine", Name: "requests_accepted_total",
			Help: "Channels accepted onto the pending queue or pool.", ConstLabels: labels,
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vicodyn", Subsystem: "engine", Name: "requests_rejected_total",
			Help: "Channels rejected because the pending queue was full.", ConstLabels: labels,
		}),
		Spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vicodyn", Subsystem: "engine", Name: "slaves_spawned_total",
			Help: "Slaves spawned by the rebalancer.", ConstLabels: labels,
		}),
		Crashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vicodyn", Subsystem: "engine", Name: "slaves_crashed_total",
			Help: "Slaves that terminated with crashed=true.", ConstLabels: labels,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vicodyn", Subsystem: "engine", Name: "queue_depth",
			Help: "Current pending queue depth.", ConstLabels: labels,
		}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vicodyn", Subsystem: "engine", Name: "pool_size",
			Help: "Current slave pool size.", ConstLabels: labels,
		}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vicodyn", Subsystem: "engine", Name: "channel_latency_seconds",
			Help: "Per-channel completion latency.", ConstLabels: labels,
			Buckets: prometheus.DefBuckets,
		}),
		rate: newEWMARate(time.Minute),
	}

	r.reg.MustRegister(m.Accepted, m.Rejected, m.Spawned, m.Crashed, m.QueueDepth, m.PoolSize, m.Latency)
	r.apps[name] = m
	return m
}

// ObserveAccept records one accepted enqueue towards both the Prometheus
// counter and the internal EWMA rate meter.
func (m *AppMetrics) ObserveAccept() {
	m.Accepted.Inc()
	m.rate.tick(1)
}

// Rate returns the current EWMA-smoothed accept rate, in events/sec.
func (m *AppMetrics) Rate() float64 { return m.rate.value() }

// ewmaRate is a one-minute exponentially-weighted moving average over
// tick counts, modeled on the classic UNIX load-average decay constant
// (the teacher's own rate tracking -- broker/client/reader.go's retry
// backoff -- uses a similar fixed-interval decay, generalized here from a
// backoff delay into a sustained rate estimate).
type ewmaRate struct {
	mu       sync.Mutex
	window   time.Duration
	alpha    float64
	rate     float64
	uncounted uint64
	lastTick time.Time
	init     bool
}

const rateSampleInterval = 5 * time.Second

func newEWMARate(window time.Duration) *ewmaRate {
	var alpha = 1 - math.Exp(-rateSampleInterval.Seconds()/window.Seconds())
	return &ewmaRate{window: window, alpha: alpha}
}

func (e *ewmaRate) tick(n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uncounted += n
	e.maybeTickLocked()
}

// maybeTickLocked decays the rate once per 5-second interval, matching
// the classic load-average sampling cadence; callers may tick more
// frequently than that, in which case counts accumulate in uncounted
// until the next sample boundary.
func (e *ewmaRate) maybeTickLocked() {
	var now = time.Now()
	if !e.init {
		e.lastTick = now
		e.init = true
		return
	}
	var elapsed = now.Sub(e.lastTick)
	if elapsed < rateSampleInterval {
		return
	}
	var instantRate = float64(e.uncounted) / elapsed.Seconds()
	e.uncounted = 0
	e.lastTick = now
	e.rate += e.alpha * (instantRate - e.rate)
}

func (e *ewmaRate) value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}
