package quartc

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"quartc/internal/metrics"
	"quartc/internal/transport"
)

// defaultMaxPacketSize keeps packets under common network MTUs. The
// transport owns the real MTU, so path MTU discovery is disabled and this
// bound is conservative.
const defaultMaxPacketSize = 1200

// maxBlockedPackets bounds the packets retained while the transport reports
// backpressure. Overflow behaves like loss; the engine's recovery resends.
const maxBlockedPackets = 32

// PacketWriter bridges the engine's packet output onto a PacketTransport and
// feeds packets the embedder received back into the engine. It satisfies
// net.PacketConn so a quic.Transport can be bound directly to it.
//
// The writer must be attached to its owning session before the engine's
// first write; the session does this during construction.
type PacketWriter struct {
	transport     transport.PacketTransport
	maxPacketSize int

	attached atomic.Bool
	blocked  atomic.Bool
	seq      atomic.Uint64

	mu      sync.Mutex
	pending [][]byte

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	readMu        sync.Mutex
	readDeadline  time.Time
	deadlineWoken chan struct{}
}

// NewPacketWriter wraps a PacketTransport. maxPacketSize <= 0 selects the
// 1200-byte default.
func NewPacketWriter(t transport.PacketTransport, maxPacketSize int) *PacketWriter {
	if maxPacketSize <= 0 {
		maxPacketSize = defaultMaxPacketSize
	}
	return &PacketWriter{
		transport:     t,
		maxPacketSize: maxPacketSize,
		inbound:       make(chan []byte, 256),
		closed:        make(chan struct{}),
		deadlineWoken: make(chan struct{}),
	}
}

// attach marks the writer as owned by a live session. Engine writes before
// attachment indicate a wiring bug.
func (w *PacketWriter) attach() { w.attached.Store(true) }
func (w *PacketWriter) detach() { w.attached.Store(false) }

// GetMaxPacketSize returns the fixed packet size bound for the peer.
func (w *PacketWriter) GetMaxPacketSize(net.Addr) int { return w.maxPacketSize }

// IsWriteBlocked reports whether the transport refused the last write and
// has not been marked writable since.
func (w *PacketWriter) IsWriteBlocked() bool { return w.blocked.Load() }

// IsWriteBlockedDataBuffered is always false: the engine, not the writer,
// retains unsent data beyond the small blocked buffer.
func (w *PacketWriter) IsWriteBlockedDataBuffered() bool { return false }

// SetWritable clears the blocked flag and flushes packets retained while
// blocked. It is the only way the blocked state clears; the embedder drives
// it via Session.OnTransportCanWrite.
func (w *PacketWriter) SetWritable() {
	w.blocked.Store(false)
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.pending) > 0 {
		p := w.pending[0]
		n := w.transport.WritePacket(p, transport.PacketInfo{PacketNumber: w.seq.Add(1)})
		if n == 0 {
			w.blocked.Store(true)
			metrics.PacketBlocked()
			return
		}
		w.pending = w.pending[1:]
		metrics.PacketWritten(len(p))
	}
}

// WriteTo implements net.PacketConn. Backpressure is absorbed here: a
// blocked transport is not an error, the packet is retained (bounded) and
// retried from SetWritable.
func (w *PacketWriter) WriteTo(p []byte, addr net.Addr) (int, error) {
	if !w.attached.Load() {
		log.Printf("quartc: packet writer used before session attach; dropping %d bytes", len(p))
		return len(p), nil
	}
	if len(p) > w.maxPacketSize {
		log.Printf("quartc: oversized packet %d > %d dropped", len(p), w.maxPacketSize)
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.blocked.Load() {
		w.retainLocked(p)
		return len(p), nil
	}
	n := w.transport.WritePacket(p, transport.PacketInfo{PacketNumber: w.seq.Add(1)})
	if n == 0 {
		w.blocked.Store(true)
		w.retainLocked(p)
		metrics.PacketBlocked()
		return len(p), nil
	}
	metrics.PacketWritten(len(p))
	return len(p), nil
}

func (w *PacketWriter) retainLocked(p []byte) {
	if len(w.pending) >= maxBlockedPackets {
		w.pending = w.pending[1:]
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.pending = append(w.pending, buf)
}

// enqueueInbound hands a received packet to the engine's read path. Overflow
// is dropped; QUIC treats it as network loss.
func (w *PacketWriter) enqueueInbound(p []byte) {
	select {
	case <-w.closed:
	case w.inbound <- p:
	default:
		metrics.PacketDropped()
	}
}

// ReadFrom implements net.PacketConn. All packets appear to come from the
// fixed synthetic peer address.
func (w *PacketWriter) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		w.readMu.Lock()
		deadline := w.readDeadline
		woken := w.deadlineWoken
		w.readMu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, errDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		select {
		case pkt := <-w.inbound:
			if timer != nil {
				timer.Stop()
			}
			n := copy(p, pkt)
			return n, transport.PeerAddr(), nil
		case <-w.closed:
			if timer != nil {
				timer.Stop()
			}
			return 0, nil, net.ErrClosed
		case <-timeout:
			return 0, nil, errDeadlineExceeded
		case <-woken:
			if timer != nil {
				timer.Stop()
			}
			// Deadline changed; re-evaluate.
		}
	}
}

// SetReadDeadline implements net.PacketConn.
func (w *PacketWriter) SetReadDeadline(t time.Time) error {
	w.readMu.Lock()
	w.readDeadline = t
	close(w.deadlineWoken)
	w.deadlineWoken = make(chan struct{})
	w.readMu.Unlock()
	return nil
}

// SetWriteDeadline implements net.PacketConn; writes never block.
func (w *PacketWriter) SetWriteDeadline(time.Time) error { return nil }

// SetDeadline implements net.PacketConn.
func (w *PacketWriter) SetDeadline(t time.Time) error { return w.SetReadDeadline(t) }

// LocalAddr implements net.PacketConn.
func (w *PacketWriter) LocalAddr() net.Addr { return transport.SelfAddr() }

// Close implements net.PacketConn. The underlying transport is not closed;
// it belongs to the embedder.
func (w *PacketWriter) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

// errDeadlineExceeded satisfies net.Error so the engine treats deadline
// expiry as a timeout, not a fatal read error.
type deadlineError struct{}

func (deadlineError) Error() string   { return "quartc: read deadline exceeded" }
func (deadlineError) Timeout() bool   { return true }
func (deadlineError) Temporary() bool { return true }

var errDeadlineExceeded net.Error = deadlineError{}
