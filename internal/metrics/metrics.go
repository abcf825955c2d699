package metrics

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of every counter, for the JSON status
// endpoint and for tests.
type Snapshot struct {
	SessionsTotal      int64 `json:"sessions_total"`
	SessionsActive     int64 `json:"sessions_active"`
	StreamsTotal       int64 `json:"streams_total"`
	StreamsActive      int64 `json:"streams_active"`
	StreamsCancelled   int64 `json:"streams_cancelled"`
	HandshakesComplete int64 `json:"handshakes_complete"`
	PacketsWritten     int64 `json:"packets_written"`
	PacketsReceived    int64 `json:"packets_received"`
	PacketsBlocked     int64 `json:"packets_blocked"`
	PacketsDropped     int64 `json:"packets_dropped"`
	BytesWritten       int64 `json:"bytes_written"`
	BytesReceived      int64 `json:"bytes_received"`
	MessagesQueued     int64 `json:"messages_queued"`
	MessagesSent       int64 `json:"messages_sent"`
	MessagesReceived   int64 `json:"messages_received"`
	MessagesDropped    int64 `json:"messages_dropped"`
	MessageBytesSent   int64 `json:"message_bytes_sent"`
	MessageBytesRecv   int64 `json:"message_bytes_received"`
	CongestionUpdates  int64 `json:"congestion_updates"`
	UpdatedUnix        int64 `json:"updated_unix"`
}

var (
	sessionsTotal      atomic.Int64
	sessionsActive     atomic.Int64
	streamsTotal       atomic.Int64
	streamsActive      atomic.Int64
	streamsCancelled   atomic.Int64
	handshakesComplete atomic.Int64
	packetsWritten     atomic.Int64
	packetsReceived    atomic.Int64
	packetsBlocked     atomic.Int64
	packetsDropped     atomic.Int64
	bytesWritten       atomic.Int64
	bytesReceived      atomic.Int64
	messagesQueued     atomic.Int64
	messagesSent       atomic.Int64
	messagesReceived   atomic.Int64
	messagesDropped    atomic.Int64
	messageBytesSent   atomic.Int64
	messageBytesRecv   atomic.Int64
	congestionUpdates  atomic.Int64
)

func SessionOpened() {
	sessionsTotal.Add(1)
	sessionsActive.Add(1)
	promSessionsTotal.Inc()
	promSessionsActive.Inc()
}

func SessionClosed() { sessionsActive.Add(-1); promSessionsActive.Dec() }

func StreamOpened() {
	streamsTotal.Add(1)
	streamsActive.Add(1)
	promStreamsTotal.Inc()
	promStreamsActive.Inc()
}

func StreamClosed()    { streamsActive.Add(-1); promStreamsActive.Dec() }
func StreamCancelled() { streamsCancelled.Add(1); promStreamsCancelled.Inc() }

func HandshakeComplete() { handshakesComplete.Add(1); promHandshakesComplete.Inc() }

func PacketWritten(n int) {
	packetsWritten.Add(1)
	promPacketsWritten.Inc()
	if n > 0 {
		bytesWritten.Add(int64(n))
		promBytesWritten.Add(float64(n))
	}
}

func PacketReceived(n int) {
	packetsReceived.Add(1)
	promPacketsReceived.Inc()
	if n > 0 {
		bytesReceived.Add(int64(n))
		promBytesReceived.Add(float64(n))
	}
}

func PacketBlocked() { packetsBlocked.Add(1); promPacketsBlocked.Inc() }
func PacketDropped() { packetsDropped.Add(1); promPacketsDropped.Inc() }

func MessageQueued() { messagesQueued.Add(1); promMessagesQueued.Inc() }

func MessageSent(n int) {
	messagesSent.Add(1)
	promMessagesSent.Inc()
	if n > 0 {
		messageBytesSent.Add(int64(n))
	}
}

func MessageReceived(n int) {
	messagesReceived.Add(1)
	promMessagesReceived.Inc()
	if n > 0 {
		messageBytesRecv.Add(int64(n))
	}
}

func MessageDropped()   { messagesDropped.Add(1); promMessagesDropped.Inc() }
func CongestionUpdate() { congestionUpdates.Add(1) }

// Getter functions for the text status endpoint and tests.
func GetSessionsActive() int64  { return sessionsActive.Load() }
func GetStreamsActive() int64   { return streamsActive.Load() }
func GetPacketsWritten() int64  { return packetsWritten.Load() }
func GetPacketsReceived() int64 { return packetsReceived.Load() }

func SnapshotData() Snapshot {
	return Snapshot{
		SessionsTotal:      sessionsTotal.Load(),
		SessionsActive:     sessionsActive.Load(),
		StreamsTotal:       streamsTotal.Load(),
		StreamsActive:      streamsActive.Load(),
		StreamsCancelled:   streamsCancelled.Load(),
		HandshakesComplete: handshakesComplete.Load(),
		PacketsWritten:     packetsWritten.Load(),
		PacketsReceived:    packetsReceived.Load(),
		PacketsBlocked:     packetsBlocked.Load(),
		PacketsDropped:     packetsDropped.Load(),
		BytesWritten:       bytesWritten.Load(),
		BytesReceived:      bytesReceived.Load(),
		MessagesQueued:     messagesQueued.Load(),
		MessagesSent:       messagesSent.Load(),
		MessagesReceived:   messagesReceived.Load(),
		MessagesDropped:    messagesDropped.Load(),
		MessageBytesSent:   messageBytesSent.Load(),
		MessageBytesRecv:   messageBytesRecv.Load(),
		CongestionUpdates:  congestionUpdates.Load(),
		UpdatedUnix:        time.Now().Unix(),
	}
}

// Start exposes the counters over HTTP: a JSON snapshot on /metrics, the
// Prometheus exposition on /metrics/prom, and a health check. Non-loopback
// addresses require a bearer token.
func Start(addr string, authToken string) {
	if addr == "" {
		return
	}
	if !isLoopback(addr) && authToken == "" {
		log.Printf("metrics not started: refusing to expose unauthenticated endpoint on %s", addr)
		return
	}
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if authToken != "" && r.Header.Get("Authorization") != "Bearer "+authToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("/metrics", auth(func(w http.ResponseWriter, r *http.Request) {
		st := SnapshotData()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(st)
	}))

	mux.HandleFunc("/metrics/prom", auth(PromHandler))

	mux.HandleFunc("/healthz", auth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
