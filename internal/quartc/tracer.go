package quartc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/qlog"
	"github.com/quic-go/quic-go/qlogwriter"
)

// maxTrackedPackets bounds the sent-packet → stream map kept for loss
// attribution. Entries beyond the cap are forgotten oldest-first; a loss
// report for a forgotten packet is simply not attributed.
const maxTrackedPackets = 4096

// pacingGain mirrors the engine's pacing of ~1.25x the bandwidth estimate.
const pacingGainNum, pacingGainDen = 5, 4

// connTracer consumes the engine's qlog event stream and re-surfaces
// congestion updates, per-stream losses and connection closure to its
// session. It is handed to the engine as a qlogwriter.Trace; the engine's
// sent-packet manager and connection record events into it.
//
// Server-side tracers start unbound: the engine requests the trace when the
// client hello arrives, before a session exists; the dispatcher binds them at
// accept time. Events on an unbound tracer update bookkeeping but dispatch
// nothing.
type connTracer struct {
	session atomic.Pointer[Session]

	mu      sync.Mutex
	order   []qlog.PacketNumber
	packets map[qlog.PacketNumber][]quic.StreamID

	// metrics_updated events carry only the fields that changed; the last
	// seen values fill the gaps.
	smoothedRTT time.Duration
	latestRTT   time.Duration
	cwnd        int
}

func newUnboundTracer() *connTracer {
	return &connTracer{packets: make(map[qlog.PacketNumber][]quic.StreamID)}
}

func (t *connTracer) bind(s *Session) { t.session.Store(s) }

// trace returns the engine-facing view of the tracer.
func (t *connTracer) trace() qlogwriter.Trace { return traceAdapter{t} }

type traceAdapter struct{ t *connTracer }

func (a traceAdapter) AddProducer() qlogwriter.Recorder { return eventRecorder{a.t} }
func (a traceAdapter) SupportsSchemas(string) bool      { return true }

// eventRecorder funnels every producer the engine adds into the one tracer.
type eventRecorder struct{ t *connTracer }

func (r eventRecorder) RecordEvent(ev qlogwriter.Event) { r.t.handleEvent(ev) }
func (r eventRecorder) Close() error                    { return nil }

func (t *connTracer) handleEvent(ev qlogwriter.Event) {
	switch e := ev.(type) {
	case qlog.PacketSent:
		t.packetSent(e)
	case qlog.PacketLost:
		t.packetLost(e)
	case qlog.MetricsUpdated:
		t.metricsUpdated(e)
	case qlog.ConnectionClosed:
		t.connectionClosed(e)
	}
}

func (t *connTracer) packetSent(e qlog.PacketSent) {
	if e.Header.PacketType != qlog.PacketType1RTT {
		return
	}
	var ids []quic.StreamID
	for _, f := range e.Frames {
		if sf, ok := f.Frame.(*qlog.StreamFrame); ok {
			ids = append(ids, sf.StreamID)
		}
	}
	if len(ids) == 0 {
		return
	}
	t.mu.Lock()
	if _, dup := t.packets[e.Header.PacketNumber]; !dup {
		t.order = append(t.order, e.Header.PacketNumber)
	}
	t.packets[e.Header.PacketNumber] = ids
	for len(t.order) > maxTrackedPackets {
		delete(t.packets, t.order[0])
		t.order = t.order[1:]
	}
	t.mu.Unlock()
}

func (t *connTracer) packetLost(e qlog.PacketLost) {
	if e.Header.PacketType != qlog.PacketType1RTT {
		return
	}
	t.mu.Lock()
	ids := t.packets[e.Header.PacketNumber]
	delete(t.packets, e.Header.PacketNumber)
	t.mu.Unlock()
	s := t.session.Load()
	if s != nil && len(ids) > 0 {
		s.handleStreamFramesLost(ids)
	}
}

func (t *connTracer) metricsUpdated(e qlog.MetricsUpdated) {
	t.mu.Lock()
	if e.SmoothedRTT != 0 {
		t.smoothedRTT = e.SmoothedRTT
	}
	if e.LatestRTT != 0 {
		t.latestRTT = e.LatestRTT
	}
	if e.CongestionWindow != 0 {
		t.cwnd = e.CongestionWindow
	}
	srtt, latest, cwnd := t.smoothedRTT, t.latestRTT, t.cwnd
	t.mu.Unlock()

	s := t.session.Load()
	if s == nil {
		return
	}
	bandwidth := BandwidthFromBytesAndDuration(int64(cwnd), srtt)
	pacing := Bandwidth(uint64(bandwidth) * pacingGainNum / pacingGainDen)
	s.handleCongestionUpdate(bandwidth, pacing, latest)
}

func (t *connTracer) connectionClosed(e qlog.ConnectionClosed) {
	if s := t.session.Load(); s != nil {
		s.handleEngineClosed(closeEventError(e))
	}
}

// closeEventError reconstructs the engine error behind a connection_closed
// event, so tracer-side close dispatch classifies local/remote the same way
// the connection context does.
func closeEventError(e qlog.ConnectionClosed) error {
	remote := e.Initiator == qlog.InitiatorRemote
	switch {
	case e.ApplicationError != nil:
		return &quic.ApplicationError{Remote: remote, ErrorCode: *e.ApplicationError, ErrorMessage: e.Reason}
	case e.ConnectionError != nil:
		return &quic.TransportError{Remote: remote, ErrorCode: *e.ConnectionError, ErrorMessage: e.Reason}
	case e.Trigger == qlog.ConnectionCloseTriggerIdleTimeout:
		return &quic.IdleTimeoutError{}
	case e.Trigger == qlog.ConnectionCloseTriggerStatelessReset:
		return &quic.StatelessResetError{}
	default:
		return fmt.Errorf("connection closed: %s", e.Trigger)
	}
}
