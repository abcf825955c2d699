package quartc

import (
	"sync"
	"time"

	"quartc/internal/transport"
)

// EndpointDelegate observes endpoint-level composition: session creation, or
// the failure to get that far.
type EndpointDelegate interface {
	OnSessionCreated(s *Session)
	OnConnectError(err error)
}

// ClientEndpoint assembles a client session asynchronously: Connect defers
// construction by one scheduled callback so the caller finishes wiring
// delegates before any engine activity, and an optional serialized server
// config from a previous connection arms a zero-round-trip resumed
// handshake.
type ClientEndpoint struct {
	factory  *Factory
	delegate EndpointDelegate
	config   SessionConfig

	resume *resumptionCache

	mu      sync.Mutex
	timer   *time.Timer
	session *Session
	closed  bool
}

// NewClientEndpoint builds a client endpoint. serializedServerConfig may be
// nil; when set it must come from a previous endpoint's ResumptionState.
func NewClientEndpoint(deps FactoryConfig, delegate EndpointDelegate, cfg SessionConfig, serializedServerConfig []byte) *ClientEndpoint {
	cfg.ApplyDefaults()
	return &ClientEndpoint{
		factory:  NewFactory(deps),
		delegate: delegate,
		config:   cfg,
		resume:   newResumptionCache(serializedServerConfig),
	}
}

// Connect schedules session creation on pt. The delegate's OnSessionCreated
// fires before the handshake starts.
func (e *ClientEndpoint) Connect(pt transport.PacketTransport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.timer != nil {
		return
	}
	e.timer = time.AfterFunc(0, func() { e.createSession(pt) })
}

func (e *ClientEndpoint) createSession(pt transport.PacketTransport) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	s := e.factory.CreateClientSession(pt, e.config)
	e.session = s
	e.mu.Unlock()

	crypto := NewClientCryptoConfig()
	crypto.TLS.ClientSessionCache = e.resume
	s.SetClientCryptoConfig(crypto)

	if e.delegate != nil {
		e.delegate.OnSessionCreated(s)
	}
	if err := s.StartCryptoHandshake(); err != nil && e.delegate != nil {
		e.delegate.OnConnectError(err)
	}
}

// Session returns the created session, nil before the scheduled callback
// ran.
func (e *ClientEndpoint) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// ResumptionState returns the serialized server config captured from the
// current connection, for a future endpoint's zero-round-trip handshake.
// Nil until the server issued a session ticket.
func (e *ClientEndpoint) ResumptionState() []byte { return e.resume.exportedState() }

// Close cancels a pending Connect and closes the session if one exists.
func (e *ClientEndpoint) Close() {
	e.mu.Lock()
	e.closed = true
	timer := e.timer
	s := e.session
	e.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if s != nil {
		s.CloseConnection("endpoint closed")
	}
}

// ServerEndpoint accepts a single peer on a dedicated transport: Connect
// builds a dispatcher limited to one session, appropriate for a server
// expecting exactly one peer rather than a conventional many-client server.
type ServerEndpoint struct {
	deps     FactoryConfig
	delegate EndpointDelegate
	config   SessionConfig

	mu         sync.Mutex
	dispatcher *Dispatcher
}

// NewServerEndpoint builds a server endpoint.
func NewServerEndpoint(deps FactoryConfig, delegate EndpointDelegate, cfg SessionConfig) *ServerEndpoint {
	cfg.ApplyDefaults()
	return &ServerEndpoint{deps: deps, delegate: delegate, config: cfg}
}

// Connect binds the endpoint to pt and starts waiting for the peer.
func (e *ServerEndpoint) Connect(pt transport.PacketTransport) {
	d, err := NewDispatcher(pt, e.config, e.deps, endpointDispatchAdapter{e}, 1)
	if err != nil {
		if e.delegate != nil {
			e.delegate.OnConnectError(err)
		}
		return
	}
	e.mu.Lock()
	e.dispatcher = d
	e.mu.Unlock()
}

// Dispatcher returns the endpoint's dispatcher, nil before Connect.
func (e *ServerEndpoint) Dispatcher() *Dispatcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher
}

// OnTransportReceived forwards an inbound datagram to the dispatcher.
func (e *ServerEndpoint) OnTransportReceived(p []byte) {
	if d := e.Dispatcher(); d != nil {
		d.OnTransportReceived(p)
	}
}

// OnTransportCanWrite forwards transport writability to the dispatcher.
func (e *ServerEndpoint) OnTransportCanWrite() {
	if d := e.Dispatcher(); d != nil {
		d.OnTransportCanWrite()
	}
}

// Close tears the dispatcher and its sessions down.
func (e *ServerEndpoint) Close() {
	if d := e.Dispatcher(); d != nil {
		_ = d.Close()
	}
}

type endpointDispatchAdapter struct {
	e *ServerEndpoint
}

func (a endpointDispatchAdapter) OnSessionCreated(s *Session) {
	if a.e.delegate != nil {
		a.e.delegate.OnSessionCreated(s)
	}
}
