package telemetry

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "together",
			Name:      "messages_sent_total",
			Help:      "Sync messages written to peers, by type.",
		},
		[]string{"type"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "together",
			Name:      "messages_received_total",
			Help:      "Sync messages read from peers, by type.",
		},
		[]string{"type"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "together",
			Name:      "messages_dropped_total",
			Help:      "Inbound frames dropped (malformed or unknown type).",
		},
		[]string{"reason"},
	)

	BroadcastsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "together",
			Name:      "broadcasts_suppressed_total",
			Help:      "Local events not re-broadcast, by reason (lock, debounce, deferred).",
		},
		[]string{"reason"},
	)

	RemoteLocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "together",
			Name:      "remote_locks_total",
			Help:      "Remote-apply locks taken, by kind.",
		},
		[]string{"kind"},
	)

	LoadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "together",
			Name:      "load_failures_total",
			Help:      "Items that could not be loaded after the retry.",
		},
	)

	RosterSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "together",
			Name:      "roster_size",
			Help:      "Open peer channels.",
		},
	)

	QueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "together",
			Name:      "queue_length",
			Help:      "Items in the shared queue.",
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "together",
			Name:      "requests_total",
			Help:      "Total number of control API requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "together",
			Name:      "request_duration_seconds",
			Help:      "Latency of control API requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "together",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		MessagesSent, MessagesReceived, MessagesDropped,
		BroadcastsSuppressed, RemoteLocks, LoadFailures,
		RosterSize, QueueLength,
		RequestsTotal, RequestDuration, uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through instrumented routes.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
