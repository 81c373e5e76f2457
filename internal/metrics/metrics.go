// Package metrics exposes Prometheus collectors for the study server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "homophily"

var (
	// assignmentsTotal counts condition assignments by group and outlier flag.
	assignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Condition assignments by counterbalancing group and outlier flag",
		},
		[]string{"group", "outlier"},
	)

	// transitionsTotal counts phase transition requests.
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Phase transition requests by target phase and result",
		},
		[]string{"to", "result"}, // result: accepted or the rejection code
	)

	// relayTotal counts relay streams by terminal outcome.
	relayTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_streams_total",
			Help:      "Relay streams by outcome",
		},
		[]string{"outcome"}, // done, error, canceled
	)

	relayFragments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_fragments_total",
			Help:      "Response fragments forwarded to participants",
		},
	)

	// providerDuration observes full completion stream duration.
	providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_stream_duration_seconds",
			Help:      "Duration of completion provider streams in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"model", "status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code",
		},
		[]string{"method", "code"},
	)

	relaysActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_active",
			Help:      "Relay streams currently open",
		},
	)
)

// Registry holds every collector above.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		assignmentsTotal,
		transitionsTotal,
		relayTotal,
		relayFragments,
		providerDuration,
		relaysActive,
		httpRequests,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func RecordAssignment(group string, outlier bool) {
	o := "false"
	if outlier {
		o = "true"
	}
	assignmentsTotal.WithLabelValues(group, o).Inc()
}

func RecordTransition(to, result string) {
	transitionsTotal.WithLabelValues(to, result).Inc()
}

func RecordRelay(outcome string) {
	relayTotal.WithLabelValues(outcome).Inc()
}

func RecordFragment() { relayFragments.Inc() }

func ObserveProvider(model, status string, d time.Duration) {
	providerDuration.WithLabelValues(model, status).Observe(d.Seconds())
}

func RecordRequest(method string, code int) {
	httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// RelayStarted increments the active gauge and returns the matching decrement.
func RelayStarted() func() {
	relaysActive.Inc()
	return relaysActive.Dec
}
