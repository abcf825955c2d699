package quartc

import (
	"context"
	"fmt"
	"log"
	"sync"

	quic "github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/qlogwriter"

	"quartc/internal/transport"
)

// DispatcherDelegate is notified of each session the dispatcher creates,
// typically by a server endpoint that wires the session to its consumer.
type DispatcherDelegate interface {
	OnSessionCreated(s *Session)
}

// Dispatcher demultiplexes one shared transport across concurrent
// server-perspective sessions. Wire-level demux by connection ID is the
// engine's job; the dispatcher owns the shared packet writer, shared crypto
// material and the connection-ID-keyed session map, and builds a session per
// accepted connection.
type Dispatcher struct {
	config SessionConfig
	clock  Clock

	pt       transport.PacketTransport
	writer   *PacketWriter
	crypto   *ServerCryptoConfig
	certs    *CompressedCertsCache
	engine   *quic.Transport
	listener *quic.Listener
	delegate DispatcherDelegate

	maxSessions int // 0: unlimited

	mu       sync.Mutex
	sessions map[string]*Session
	pending  []pendingConn
	accepted int
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// pendingConn pairs a tracer created at client-hello time with the
// connection ID it was created for, until the accept loop binds it to a
// session. Accept order is assumed to follow hello order; with the one
// logical peer a transport usually carries this always holds.
type pendingConn struct {
	tracer *connTracer
	connID string
}

// NewDispatcher binds a dispatcher to pt and starts accepting. maxSessions
// of 0 accepts without bound; a server expecting exactly one peer passes 1.
func NewDispatcher(pt transport.PacketTransport, cfg SessionConfig, deps FactoryConfig, delegate DispatcherDelegate, maxSessions int) (*Dispatcher, error) {
	cfg.ApplyDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock()
	}

	certs := NewCompressedCertsCache()
	crypto, err := NewServerCryptoConfig(cfg.PreSharedKey, certs)
	if err != nil {
		return nil, fmt.Errorf("dispatcher crypto: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config:      cfg,
		clock:       clock,
		pt:          pt,
		writer:      NewPacketWriter(pt, cfg.MaxPacketSize),
		crypto:      crypto,
		certs:       certs,
		delegate:    delegate,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
		ctx:         ctx,
		cancel:      cancel,
	}
	d.writer.attach()
	d.engine = &quic.Transport{
		Conn:              d.writer,
		TokenGeneratorKey: crypto.TokenKey(),
		StatelessResetKey: crypto.ResetKey(),
	}
	ln, err := d.engine.Listen(crypto.TLS, engineConfig(cfg, d.allocTracer))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dispatcher listen: %w", err)
	}
	d.listener = ln
	go d.acceptLoop()
	return d, nil
}

// allocTracer is the engine's trace hook, invoked when a validated client
// hello arrives, before the session exists.
func (d *Dispatcher) allocTracer(_ context.Context, _ bool, connID quic.ConnectionID) qlogwriter.Trace {
	t := newUnboundTracer()
	d.mu.Lock()
	d.pending = append(d.pending, pendingConn{tracer: t, connID: connID.String()})
	d.mu.Unlock()
	return t.trace()
}

func (d *Dispatcher) acceptLoop() {
	for {
		conn, err := d.listener.Accept(d.ctx)
		if err != nil {
			return
		}
		d.createSession(conn)

		d.mu.Lock()
		done := d.maxSessions > 0 && d.accepted >= d.maxSessions
		d.mu.Unlock()
		if done {
			return
		}
	}
}

// createSession wraps an accepted engine connection in a server session
// sharing the dispatcher's writer and crypto.
func (d *Dispatcher) createSession(conn *quic.Conn) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = conn.CloseWithError(errorCodeGracefulClose, "dispatcher closed")
		return
	}
	var pc pendingConn
	if len(d.pending) > 0 {
		pc = d.pending[0]
		d.pending = d.pending[1:]
	}
	d.accepted++
	d.mu.Unlock()

	s := newSessionWithWriter(PerspectiveServer, d.pt, d.writer, d.config, d.clock)
	s.mu.Lock()
	s.started = true
	s.serverCrypto = d.crypto
	s.mu.Unlock()
	if pc.tracer != nil {
		s.tracer = pc.tracer
		pc.tracer.bind(s)
	} else {
		log.Printf("quartc: no pending tracer for accepted connection; loss callbacks disabled")
	}

	key := pc.connID
	if key == "" {
		key = fmt.Sprintf("conn-%d", d.accepted)
	}
	d.mu.Lock()
	d.sessions[key] = s
	d.mu.Unlock()
	go d.reap(key, s)

	// Delegate wiring happens before the connection binds so the consumer
	// observes the writable and handshake events.
	if d.delegate != nil {
		d.delegate.OnSessionCreated(s)
	}
	s.bindConn(conn)
}

// reap drops the session from the map once it reaches its terminal state.
func (d *Dispatcher) reap(key string, s *Session) {
	<-s.ctx.Done()
	d.mu.Lock()
	if d.sessions[key] == s {
		delete(d.sessions, key)
	}
	d.mu.Unlock()
}

// OnTransportReceived feeds one inbound datagram into the shared engine
// transport, which demultiplexes it by connection ID.
func (d *Dispatcher) OnTransportReceived(p []byte) {
	buf := make([]byte, len(p))
	copy(buf, p)
	d.writer.enqueueInbound(buf)
}

// OnTransportCanWrite unblocks the shared writer and gives every session a
// write opportunity.
func (d *Dispatcher) OnTransportCanWrite() {
	d.writer.SetWritable()
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()
	for _, s := range sessions {
		s.OnCanWrite()
	}
}

// SessionCount reports currently live sessions.
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// CompressedCertsCache exposes the shared credential cache.
func (d *Dispatcher) CompressedCertsCache() *CompressedCertsCache { return d.certs }

// Close stops accepting and tears down every session it created.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.CloseConnection("dispatcher shutting down")
	}
	d.cancel()
	err := d.listener.Close()
	d.writer.detach()
	_ = d.writer.Close()
	return err
}
