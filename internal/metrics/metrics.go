// Package metrics exposes Prometheus collectors for the marketplace daemon.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

const namespace = "marketd"

// Metrics owns a private registry so tests and multiple daemons in one
// process do not collide on the global one.
type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	opLatency  *prometheus.HistogramVec
	events     *prometheus.CounterVec
	requests   *prometheus.CounterVec
	reqLatency *prometheus.HistogramVec
	wsClients  prometheus.Gauge
	archived   prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Marketplace operations by name, nesting and outcome.",
		}, []string{"op", "nested", "outcome"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of top-level marketplace operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_committed_total",
			Help:      "Committed marketplace events by kind.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		reqLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "clients",
			Help:      "Connected websocket clients.",
		}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "events_total",
			Help:      "Market events exported to the blob archive.",
		}),
	}
	m.registry.MustRegister(
		m.operations, m.opLatency, m.events,
		m.requests, m.reqLatency, m.wsClients, m.archived,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOperation records one finished marketplace operation. Nested
// operations are counted but kept out of the latency histogram.
func (m *Metrics) ObserveOperation(op string, nested bool, outcome string, elapsed time.Duration) {
	op = strings.ReplaceAll(op, " ", "_")
	m.operations.WithLabelValues(op, strconv.FormatBool(nested), outcome).Inc()
	if !nested {
		m.opLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}

// ObserveEvents counts committed events.
func (m *Metrics) ObserveEvents(events []domain.Event) {
	for _, ev := range events {
		m.events.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// ObserveRequest records one served HTTP request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.reqLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ClientConnected and ClientDisconnected track websocket clients.
func (m *Metrics) ClientConnected()    { m.wsClients.Inc() }
func (m *Metrics) ClientDisconnected() { m.wsClients.Dec() }

// ObserveArchived counts events written by one archive run.
func (m *Metrics) ObserveArchived(n int) { m.archived.Add(float64(n)) }
