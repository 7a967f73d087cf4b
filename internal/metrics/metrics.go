// Package metrics exposes Prometheus instrumentation for the gate's cache,
// request, mutation and bus paths. All recording methods are safe to call on
// a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "maintgate"

// Gate decisions.
const (
	DecisionBlocked  = "blocked"
	DecisionPassed   = "passed"
	DecisionBypassed = "bypassed"
)

// Mutation results.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultInvalid  = "invalid"
	ResultError    = "error"
)

// Bus directions.
const (
	BusPublished = "published"
	BusReceived  = "received"
	BusMalformed = "malformed"
	BusFailed    = "failed"
)

// Metrics holds the collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheStoreErrors   prometheus.Counter
	cacheInvalidations prometheus.Counter
	cacheRevision      prometheus.Gauge
	gateRequests       *prometheus.CounterVec
	mutations          *prometheus.CounterVec
	busMessages        *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, along with the standard
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Gate cache reads served from a fresh entry",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Gate cache reads that went to the store",
		}),
		cacheStoreErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "store_errors_total",
			Help:      "Store reads that failed or timed out and fell back to the last known state",
		}),
		cacheInvalidations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "States pushed into the gate cache",
		}),
		cacheRevision: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "revision",
			Help:      "Revision of the cached maintenance state",
		}),
		gateRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "requests_total",
			Help:      "Requests seen by the gate, by decision",
		}, []string{"decision"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "mutations_total",
			Help:      "Maintenance state mutation attempts, by result",
		}, []string{"result"}),
		busMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Invalidation bus messages, by direction",
		}, []string{"direction"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) CacheStoreError() {
	if m != nil {
		m.cacheStoreErrors.Inc()
	}
}

// CacheUpdated records the revision now held by the cache; pushed marks an
// explicit invalidation rather than a refresh.
func (m *Metrics) CacheUpdated(revision int64, pushed bool) {
	if m == nil {
		return
	}
	m.cacheRevision.Set(float64(revision))
	if pushed {
		m.cacheInvalidations.Inc()
	}
}

func (m *Metrics) GateDecision(decision string) {
	if m != nil {
		m.gateRequests.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) Mutation(result string) {
	if m != nil {
		m.mutations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) BusMessage(direction string) {
	if m != nil {
		m.busMessages.WithLabelValues(direction).Inc()
	}
}
