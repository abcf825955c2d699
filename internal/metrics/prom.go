package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	promSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_sessions_total",
		Help: "Total number of sessions created",
	})

	promSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quartc_sessions_active",
		Help: "Number of sessions currently open",
	})

	promStreamsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_streams_total",
		Help: "Total number of streams opened",
	})

	promStreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quartc_streams_active",
		Help: "Number of streams currently open",
	})

	promStreamsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_streams_cancelled_total",
		Help: "Total number of streams cancelled before completion",
	})

	promHandshakesComplete = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_handshakes_complete_total",
		Help: "Total number of completed crypto handshakes",
	})

	promPacketsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_packets_written_total",
		Help: "Total number of packets handed to the packet transport",
	})

	promPacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_packets_received_total",
		Help: "Total number of packets received from the packet transport",
	})

	promPacketsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_packets_blocked_total",
		Help: "Total number of writes refused by a blocked packet transport",
	})

	promPacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_packets_dropped_total",
		Help: "Total number of inbound packets dropped on queue overflow",
	})

	promBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_bytes_written_total",
		Help: "Total bytes handed to the packet transport",
	})

	promBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_bytes_received_total",
		Help: "Total bytes received from the packet transport",
	})

	promMessagesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_messages_queued_total",
		Help: "Total number of datagram messages accepted for sending",
	})

	promMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_messages_sent_total",
		Help: "Total number of datagram messages sent",
	})

	promMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_messages_received_total",
		Help: "Total number of datagram messages received",
	})

	promMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quartc_messages_dropped_total",
		Help: "Total number of datagram messages dropped as unsendable",
	})
)

// PromHandler serves the default-registry Prometheus exposition.
func PromHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
