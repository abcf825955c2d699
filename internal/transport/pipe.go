package transport

import (
	"sync"
	"sync/atomic"
)

// PipeTransport is an in-memory PacketTransport connected to a peer
// PipeTransport. Packets written on one side are delivered asynchronously to
// the receiver registered on the other side. It is used by tests and local
// demos in place of a real datagram channel.
//
// The pair can simulate backpressure (SetBlocked) and packet loss (SetDrop).
type PipeTransport struct {
	peer *PipeTransport

	mu       sync.Mutex
	receiver func(p []byte)
	queue    chan []byte
	done     chan struct{}
	closed   atomic.Bool
	blocked  atomic.Bool
	drop     atomic.Pointer[func(p []byte) bool]

	writes  atomic.Int64
	dropped atomic.Int64
}

// NewPipePair returns two connected PipeTransports.
func NewPipePair() (*PipeTransport, *PipeTransport) {
	a := newPipe()
	b := newPipe()
	a.peer = b
	b.peer = a
	return a, b
}

func newPipe() *PipeTransport {
	t := &PipeTransport{queue: make(chan []byte, 1024), done: make(chan struct{})}
	go t.deliverLoop()
	return t
}

// SetReceiver registers the inbound packet callback, typically
// Session.OnTransportReceived. Packets arriving before a receiver is set are
// dropped, like loss on a real datagram path.
func (t *PipeTransport) SetReceiver(fn func(p []byte)) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

// SetBlocked toggles simulated backpressure. While blocked, WritePacket
// accepts zero bytes.
func (t *PipeTransport) SetBlocked(blocked bool) {
	t.blocked.Store(blocked)
}

// SetDrop installs a loss predicate. Packets for which fn returns true are
// counted as sent but never delivered to the peer.
func (t *PipeTransport) SetDrop(fn func(p []byte) bool) {
	t.drop.Store(&fn)
}

// WritePacket implements PacketTransport.
func (t *PipeTransport) WritePacket(p []byte, info PacketInfo) int {
	if t.closed.Load() || t.peer == nil {
		return 0
	}
	if t.blocked.Load() {
		return 0
	}
	t.writes.Add(1)
	if fn := t.drop.Load(); fn != nil && (*fn)(p) {
		t.dropped.Add(1)
		return len(p)
	}
	if t.peer.closed.Load() {
		// The far side is gone; the packet vanishes like loss.
		t.dropped.Add(1)
		return len(p)
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case t.peer.queue <- buf:
	case <-t.peer.done:
		t.dropped.Add(1)
	default:
		// Queue overflow behaves like network loss.
		t.dropped.Add(1)
	}
	return len(p)
}

// Close stops delivery on this side of the pipe. The queue channel is never
// closed so that a racing peer write can only be dropped, never panic.
func (t *PipeTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		close(t.done)
	}
	return nil
}

// PacketsWritten returns the number of accepted writes.
func (t *PipeTransport) PacketsWritten() int64 { return t.writes.Load() }

// PacketsDropped returns the number of packets lost to the drop predicate or
// queue overflow.
func (t *PipeTransport) PacketsDropped() int64 { return t.dropped.Load() }

func (t *PipeTransport) deliverLoop() {
	for {
		select {
		case <-t.done:
			return
		case p := <-t.queue:
			t.mu.Lock()
			fn := t.receiver
			t.mu.Unlock()
			if fn == nil {
				// No receiver yet; treat as loss rather than buffering forever.
				t.dropped.Add(1)
				continue
			}
			fn(p)
		}
	}
}
