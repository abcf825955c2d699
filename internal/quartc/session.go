package quartc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"quartc/internal/metrics"
	"quartc/internal/transport"
)

// messageFrameOverhead is subtracted from the packet size bound to obtain
// the largest unreliable message payload: short header, connection ID,
// packet number, AEAD tag and the datagram frame header, with margin.
const messageFrameOverhead = 43

// Session owns one QUIC connection over one packet transport, the packet
// writer serving it, and the set of active streams. It drives the crypto
// handshake for its fixed perspective and surfaces connection-level events
// to a single registered delegate.
//
// All delegate callbacks are serialized: the delegate never observes
// concurrent calls, matching the cooperative callback model the embedder
// codes against.
type Session struct {
	perspective Perspective
	config      SessionConfig
	clock       Clock

	packetTransport transport.PacketTransport
	writer          *PacketWriter
	ownsWriter      bool
	engine          *quic.Transport // nil for dispatcher-created server sessions
	listener        *quic.Listener  // standalone server sessions only
	tracer          *connTracer

	clientCrypto *ClientCryptoConfig
	serverCrypto *ServerCryptoConfig

	runner *callbackRunner

	mu              sync.Mutex
	delegate        SessionDelegate
	conn            *quic.Conn
	streams         map[quic.StreamID]*Stream
	pendingMessages [][]byte
	writable        bool
	handshakeDone   bool
	handshakeFired  bool
	started         bool
	closed          bool

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func newSession(p Perspective, pt transport.PacketTransport, cfg SessionConfig, clock Clock) *Session {
	s := newSessionWithWriter(p, pt, NewPacketWriter(pt, cfg.MaxPacketSize), cfg, clock)
	s.ownsWriter = true
	s.writer.attach()
	return s
}

// newSessionWithWriter builds a session around an existing writer; used by
// the dispatcher, whose sessions share one writer across a transport.
func newSessionWithWriter(p Perspective, pt transport.PacketTransport, w *PacketWriter, cfg SessionConfig, clock Clock) *Session {
	if clock == nil {
		clock = SystemClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		perspective:     p,
		config:          cfg,
		clock:           clock,
		packetTransport: pt,
		writer:          w,
		runner:          newCallbackRunner(),
		streams:         make(map[quic.StreamID]*Stream),
		ctx:             ctx,
		cancel:          cancel,
	}
	metrics.SessionOpened()
	return s
}

// Perspective returns the fixed handshake role.
func (s *Session) Perspective() Perspective { return s.perspective }

// PacketWriter exposes the writer for composition-level wiring.
func (s *Session) PacketWriter() *PacketWriter { return s.writer }

// SetDelegate registers the session delegate. Re-registering logs a warning
// and replaces the previous delegate.
func (s *Session) SetDelegate(d SessionDelegate) {
	s.mu.Lock()
	if s.delegate != nil && d != nil {
		log.Printf("quartc: %s session delegate replaced", s.perspective)
	}
	s.delegate = d
	s.mu.Unlock()
}

// SetClientCryptoConfig replaces the client handshake material. Must be
// called before StartCryptoHandshake.
func (s *Session) SetClientCryptoConfig(c *ClientCryptoConfig) {
	s.mu.Lock()
	if s.started {
		log.Printf("quartc: ignoring crypto config change after handshake start")
	} else {
		s.clientCrypto = c
	}
	s.mu.Unlock()
}

// SetServerCryptoConfig replaces the server handshake material. Must be
// called before StartCryptoHandshake.
func (s *Session) SetServerCryptoConfig(c *ServerCryptoConfig) {
	s.mu.Lock()
	if s.started {
		log.Printf("quartc: ignoring crypto config change after handshake start")
	} else {
		s.serverCrypto = c
	}
	s.mu.Unlock()
}

// StartCryptoHandshake begins the handshake for the session's perspective.
// The client dials through its packet writer; the server waits passively for
// the client's first flight (dispatcher-created sessions arrive with the
// handshake already under way).
func (s *Session) StartCryptoHandshake() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("quartc: handshake already started")
	}
	s.started = true
	s.mu.Unlock()

	switch s.perspective {
	case PerspectiveClient:
		return s.startClientHandshake()
	case PerspectiveServer:
		s.mu.Lock()
		bound := s.conn != nil
		s.mu.Unlock()
		if bound {
			// Dispatcher-created: the handshake already ran on accept.
			return nil
		}
		return s.startServerHandshake()
	default:
		return fmt.Errorf("quartc: unknown perspective %d", s.perspective)
	}
}

func (s *Session) startClientHandshake() error {
	s.mu.Lock()
	crypto := s.clientCrypto
	s.mu.Unlock()
	if crypto == nil {
		crypto = NewClientCryptoConfig()
	}

	s.tracer = newUnboundTracer()
	s.tracer.bind(s)
	s.engine = &quic.Transport{Conn: s.writer}

	go func() {
		ctx := s.ctx
		if s.config.MaxTimeBeforeHandshake > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, s.clock.Now().Add(s.config.MaxTimeBeforeHandshake))
			defer cancel()
		}
		conn, err := s.engine.DialEarly(ctx, transport.PeerAddr(), crypto.TLS, buildEngineConfig(s.config, s.tracer))
		if err != nil {
			s.finalizeClose(fmt.Errorf("handshake: %w", err), false)
			return
		}
		s.bindConn(conn)
	}()
	return nil
}

// startServerHandshake listens on the session's own engine transport and
// waits passively for exactly one peer's first flight.
func (s *Session) startServerHandshake() error {
	s.mu.Lock()
	crypto := s.serverCrypto
	s.mu.Unlock()
	if crypto == nil {
		var err error
		crypto, err = NewServerCryptoConfig(s.config.PreSharedKey, nil)
		if err != nil {
			return err
		}
	}

	s.tracer = newUnboundTracer()
	s.tracer.bind(s)
	s.engine = &quic.Transport{
		Conn:              s.writer,
		TokenGeneratorKey: crypto.TokenKey(),
		StatelessResetKey: crypto.ResetKey(),
	}
	ln, err := s.engine.Listen(crypto.TLS, buildEngineConfig(s.config, s.tracer))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	go func() {
		conn, err := ln.Accept(s.ctx)
		if err != nil {
			if !s.IsClosed() {
				s.finalizeClose(fmt.Errorf("accept: %w", err), false)
			}
			return
		}
		s.bindConn(conn)
	}()
	return nil
}

// bindConn attaches an engine connection and starts the event loops. For the
// client this happens when the first flight is out (writable precedes
// handshake confirmation); for the server both coincide with acceptance.
func (s *Session) bindConn(conn *quic.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.CloseWithError(errorCodeGracefulClose, "session closed")
		return
	}
	s.conn = conn
	s.writable = true
	s.mu.Unlock()

	s.notifyDelegate(func(d SessionDelegate) { d.OnConnectionWritable() })
	s.drainPendingMessages()

	go s.watchHandshake(conn)
	go s.acceptLoop(conn)
	go s.messageLoop(conn)
	go s.watchClosed(conn)
}

func (s *Session) watchHandshake(conn *quic.Conn) {
	select {
	case <-conn.HandshakeComplete():
	case <-conn.Context().Done():
		return
	}
	s.mu.Lock()
	s.handshakeDone = true
	fire := !s.handshakeFired
	s.handshakeFired = true
	s.mu.Unlock()
	if fire {
		metrics.HandshakeComplete()
		s.notifyDelegate(func(d SessionDelegate) { d.OnCryptoHandshakeComplete() })
		s.drainPendingMessages()
	}
}

func (s *Session) acceptLoop(conn *quic.Conn) {
	for {
		qs, err := conn.AcceptStream(s.ctx)
		if err != nil {
			return
		}
		st := s.registerStream(qs)
		if st == nil {
			continue
		}
		s.notifyDelegate(func(d SessionDelegate) { d.OnIncomingStream(st) })
	}
}

func (s *Session) messageLoop(conn *quic.Conn) {
	for {
		payload, err := conn.ReceiveDatagram(s.ctx)
		if err != nil {
			return
		}
		metrics.MessageReceived(len(payload))
		s.notifyDelegate(func(d SessionDelegate) { d.OnMessageReceived(payload) })
	}
}

func (s *Session) watchClosed(conn *quic.Conn) {
	<-conn.Context().Done()
	err := context.Cause(conn.Context())
	s.finalizeClose(err, closeWasRemote(err))
}

// IsEncryptionEstablished reports whether application data may be sent. On
// the client this becomes true as soon as the first flight is out.
func (s *Session) IsEncryptionEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable && !s.closed
}

// IsCryptoHandshakeConfirmed reports whether both peers confirmed the
// handshake.
func (s *Session) IsCryptoHandshakeConfirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeDone
}

// IsClosed reports whether the session reached its terminal state.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CreateOutgoingStream opens a new outgoing stream. It returns nil until
// encryption is established and after closure, so no application data can
// leave in plaintext.
func (s *Session) CreateOutgoingStream() *Stream {
	s.mu.Lock()
	conn := s.conn
	ok := s.writable && !s.closed && conn != nil
	s.mu.Unlock()
	if !ok {
		return nil
	}
	qs, err := conn.OpenStream()
	if err != nil {
		log.Printf("quartc: open stream: %v", err)
		return nil
	}
	return s.registerStream(qs)
}

func (s *Session) registerStream(qs *quic.Stream) *Stream {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		qs.CancelRead(StreamErrorCancelled)
		qs.CancelWrite(StreamErrorCancelled)
		return nil
	}
	st := newStream(s, qs)
	s.streams[qs.StreamID()] = st
	s.mu.Unlock()
	metrics.StreamOpened()
	return st
}

// CancelStream resets the stream with the cancelled error code. No-op for
// unknown or already-closed streams.
func (s *Session) CancelStream(id quic.StreamID) {
	s.mu.Lock()
	st := s.streams[id]
	s.mu.Unlock()
	if st != nil {
		metrics.StreamCancelled()
		st.reset(StreamErrorCancelled)
	}
}

// streamEnded removes a fully closed stream from the session's set.
func (s *Session) streamEnded(id quic.StreamID) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// GetLargestMessagePayload returns the maximum SendOrQueueMessage payload.
func (s *Session) GetLargestMessagePayload() int {
	size := s.config.MaxPacketSize
	if size <= 0 {
		size = defaultMaxPacketSize
	}
	return size - messageFrameOverhead
}

// SendOrQueueMessage sends a short unreliable message, queueing it FIFO when
// the connection cannot take it yet. Structural failures (unsupported,
// oversized) return false immediately and are never queued; transient
// backpressure is retried on the next write opportunity.
func (s *Session) SendOrQueueMessage(payload []byte) bool {
	if len(payload) > s.GetLargestMessagePayload() {
		log.Printf("quartc: message of %d bytes exceeds limit %d", len(payload), s.GetLargestMessagePayload())
		return false
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.conn != nil && !s.conn.ConnectionState().SupportsDatagrams.Remote {
		s.mu.Unlock()
		log.Printf("quartc: peer does not support unreliable messages")
		return false
	}
	msg := make([]byte, len(payload))
	copy(msg, payload)
	s.pendingMessages = append(s.pendingMessages, msg)
	metrics.MessageQueued()
	s.mu.Unlock()

	s.drainPendingMessages()
	return true
}

// PendingMessageCount reports queued, not-yet-sent messages.
func (s *Session) PendingMessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingMessages)
}

// drainPendingMessages attempts to send queued messages in order. Draining
// stops at the first transient failure; structural failures drop the message
// with a diagnostic and keep going.
func (s *Session) drainPendingMessages() {
	for {
		s.mu.Lock()
		if s.closed || s.conn == nil || !s.writable || len(s.pendingMessages) == 0 {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		msg := s.pendingMessages[0]
		s.mu.Unlock()

		err := conn.SendDatagram(msg)
		if err != nil {
			var tooLarge *quic.DatagramTooLargeError
			if errors.As(err, &tooLarge) {
				log.Printf("quartc: dropping %d-byte message, engine limit %d: %v", len(msg), tooLarge.MaxDatagramPayloadSize, err)
				metrics.MessageDropped()
				s.popPendingHead(msg)
				continue
			}
			// Transient: keep the queue and retry on the next opportunity.
			return
		}
		metrics.MessageSent(len(msg))
		s.popPendingHead(msg)
	}
}

// popPendingHead removes msg if it is still at the head. Concurrent drains
// may have already advanced the queue.
func (s *Session) popPendingHead(msg []byte) {
	s.mu.Lock()
	if len(s.pendingMessages) > 0 {
		head := s.pendingMessages[0]
		if len(head) == 0 || (len(msg) > 0 && len(head) > 0 && &head[0] == &msg[0]) {
			s.pendingMessages = s.pendingMessages[1:]
		}
	}
	s.mu.Unlock()
}

// OnCanWrite is the engine write-opportunity hook: queued unreliable
// messages drain first (low-latency traffic beats bulk retransmission), then
// streams armed by the loss policy get their deferred cancellation.
func (s *Session) OnCanWrite() {
	s.drainPendingMessages()
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.cancelIfPending()
	}
}

// OnTransportCanWrite is called by the embedder when the transport drains.
// It is the only path that clears the writer's blocked state.
func (s *Session) OnTransportCanWrite() {
	s.writer.SetWritable()
	s.OnCanWrite()
}

// OnTransportReceived feeds one inbound datagram into the engine under the
// fixed synthetic addresses. The engine keeps its own receive clock.
func (s *Session) OnTransportReceived(p []byte) {
	metrics.PacketReceived(len(p))
	buf := make([]byte, len(p))
	copy(buf, p)
	s.writer.enqueueInbound(buf)
}

// CloseConnection initiates a graceful local close: a connection-close
// packet is sent fire-and-forget, with no wait for acknowledgment.
func (s *Session) CloseConnection(details string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.CloseWithError(errorCodeGracefulClose, details)
		// watchClosed finishes the teardown.
		return
	}
	s.finalizeClose(fmt.Errorf("connection closed: %s", details), false)
}

// handleStreamFramesLost is the tracer's loss report; each affected stream
// burns one unit of its retransmission budget.
func (s *Session) handleStreamFramesLost(ids []quic.StreamID) {
	s.mu.Lock()
	affected := make([]*Stream, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.streams[id]; ok {
			affected = append(affected, st)
		}
	}
	s.mu.Unlock()
	for _, st := range affected {
		st.handleLoss()
	}
}

// handleCongestionUpdate re-surfaces the engine's congestion state to the
// delegate.
func (s *Session) handleCongestionUpdate(bandwidth, pacing Bandwidth, latestRTT time.Duration) {
	metrics.CongestionUpdate()
	s.notifyDelegate(func(d SessionDelegate) {
		d.OnCongestionControlChange(bandwidth, pacing, latestRTT)
	})
}

// handleEngineClosed is the tracer-side closure report.
func (s *Session) handleEngineClosed(err error) {
	s.finalizeClose(err, closeWasRemote(err))
}

func (s *Session) finalizeClose(err error, fromPeer bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.writable = false
		streams := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.mu.Unlock()

		// Detach first: writer activity after closure must not reach a dying
		// session's transport. Shared writers stay attached; they belong to
		// the dispatcher.
		if s.ownsWriter {
			s.writer.detach()
			_ = s.writer.Close()
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.cancel()

		for _, st := range streams {
			st.abort(StreamErrorCancelled)
		}

		details := ""
		if err != nil {
			details = err.Error()
		}
		metrics.SessionClosed()
		s.notifyDelegate(func(d SessionDelegate) { d.OnConnectionClosed(err, details, fromPeer) })
		s.runner.stopAfterDrain()
	})
}

// closeWasRemote classifies an engine close error as peer-initiated.
func closeWasRemote(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Remote
	}
	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Remote
	}
	var resetErr *quic.StatelessResetError
	return errors.As(err, &resetErr)
}

func (s *Session) notifyDelegate(fn func(d SessionDelegate)) {
	s.mu.Lock()
	d := s.delegate
	s.mu.Unlock()
	if d == nil {
		return
	}
	s.invokeCallback(func() { fn(d) })
}

// invokeCallback serializes delegate callbacks session-wide.
func (s *Session) invokeCallback(fn func()) {
	s.runner.run(fn)
}

// callbackRunner executes callbacks one at a time, in submission order, on a
// dedicated goroutine. The queue is unbounded so a delegate may re-enter
// session and stream APIs from inside a callback without deadlocking.
type callbackRunner struct {
	mu       sync.Mutex
	queue    []func()
	signal   chan struct{}
	stopping bool
}

func newCallbackRunner() *callbackRunner {
	r := &callbackRunner{signal: make(chan struct{}, 1)}
	go r.loop()
	return r
}

func (r *callbackRunner) run(fn func()) {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// stopAfterDrain lets already-queued callbacks finish, then stops the loop.
func (r *callbackRunner) stopAfterDrain() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *callbackRunner) loop() {
	for range r.signal {
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				stop := r.stopping
				r.mu.Unlock()
				if stop {
					return
				}
				break
			}
			fn := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			fn()
		}
	}
}
