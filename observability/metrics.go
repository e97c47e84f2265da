package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	serverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facegate",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Frames handled by the server.",
		},
		[]string{"op", "result"},
	)
	serverDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "facegate",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	serverConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "facegate",
			Subsystem: "server",
			Name:      "open_connections",
			Help:      "Client connections currently open.",
		},
	)
	clientRoundTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facegate",
			Subsystem: "client",
			Name:      "roundtrips_total",
			Help:      "Round trips issued by the client.",
		},
		[]string{"op", "result"},
	)
	clientDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "facegate",
			Subsystem: "client",
			Name:      "roundtrip_duration_seconds",
			Help:      "Round trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(serverRequests, serverDuration, serverConns, clientRoundTrips, clientDuration)
	})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func RecordServerRequest(op string, duration time.Duration, err error) {
	RegisterMetrics()
	serverRequests.WithLabelValues(op, resultLabel(err)).Inc()
	serverDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func ServerConnOpened() {
	RegisterMetrics()
	serverConns.Inc()
}

func ServerConnClosed() {
	RegisterMetrics()
	serverConns.Dec()
}

func RecordClientRoundTrip(op string, duration time.Duration, err error) {
	RegisterMetrics()
	clientRoundTrips.WithLabelValues(op, resultLabel(err)).Inc()
	clientDuration.WithLabelValues(op).Observe(duration.Seconds())
}
