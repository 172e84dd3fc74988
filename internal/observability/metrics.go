package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	pings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commlink",
			Subsystem: "comm",
			Name:      "pings_total",
			Help:      "Ping attempts by result.",
		},
		[]string{"node", "result"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commlink",
			Subsystem: "comm",
			Name:      "handshakes_total",
			Help:      "Handshake outcomes by role.",
		},
		[]string{"node", "role", "result"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commlink",
			Subsystem: "comm",
			Name:      "deliveries_total",
			Help:      "Payload messages handed to the delivery callback.",
		},
		[]string{"node", "origin"},
	)
	rejectedPayloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commlink",
			Subsystem: "comm",
			Name:      "rejected_payloads_total",
			Help:      "Payload datagrams dropped by admission control.",
		},
		[]string{"node"},
	)
	decodeDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commlink",
			Subsystem: "comm",
			Name:      "decode_drops_total",
			Help:      "Datagrams dropped because they failed to decode.",
		},
		[]string{"node"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "commlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			pings, handshakes, deliveries, rejectedPayloads, decodeDrops,
			httpRequests, httpDuration,
		)
	})
}

func RecordPing(node, result string) {
	RegisterMetrics()
	pings.WithLabelValues(node, result).Inc()
}

func RecordHandshake(node, role, result string) {
	RegisterMetrics()
	handshakes.WithLabelValues(node, role, result).Inc()
}

func RecordDelivery(node, origin string) {
	RegisterMetrics()
	deliveries.WithLabelValues(node, origin).Inc()
}

func RecordPayloadRejected(node string) {
	RegisterMetrics()
	rejectedPayloads.WithLabelValues(node).Inc()
}

func RecordDecodeDrop(node string) {
	RegisterMetrics()
	decodeDrops.WithLabelValues(node).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
