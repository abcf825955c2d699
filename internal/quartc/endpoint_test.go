package quartc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quartc/internal/transport"
)

// testEndpointDelegate wires a recording session delegate at creation and
// optionally connects the transport's receive path to the session.
type testEndpointDelegate struct {
	pt       *transport.PipeTransport // nil: receiver wired elsewhere
	sessions chan acceptedSession
	errs     chan error
}

func newTestEndpointDelegate(pt *transport.PipeTransport) *testEndpointDelegate {
	return &testEndpointDelegate{
		pt:       pt,
		sessions: make(chan acceptedSession, 4),
		errs:     make(chan error, 4),
	}
}

func (d *testEndpointDelegate) OnSessionCreated(s *Session) {
	del := newTestSessionDelegate()
	s.SetDelegate(del)
	if d.pt != nil {
		d.pt.SetReceiver(s.OnTransportReceived)
	}
	d.sessions <- acceptedSession{session: s, delegate: del}
}

func (d *testEndpointDelegate) OnConnectError(err error) { d.errs <- err }

func startEndpointPair(t *testing.T, cfg SessionConfig) (client, server acceptedSession, ce *ClientEndpoint) {
	t.Helper()
	ptClient, ptServer := transport.NewPipePair()
	t.Cleanup(func() {
		ptClient.Close()
		ptServer.Close()
	})

	sed := newTestEndpointDelegate(nil)
	se := NewServerEndpoint(FactoryConfig{}, sed, cfg)
	se.Connect(ptServer)
	require.NotNil(t, se.Dispatcher())
	ptServer.SetReceiver(se.OnTransportReceived)
	t.Cleanup(se.Close)

	ced := newTestEndpointDelegate(ptClient)
	ce = NewClientEndpoint(FactoryConfig{}, ced, cfg, nil)
	ce.Connect(ptClient)
	t.Cleanup(ce.Close)

	select {
	case client = <-ced.sessions:
	case err := <-ced.errs:
		t.Fatalf("client connect failed: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("client endpoint never created a session")
	}
	select {
	case server = <-sed.sessions:
	case <-time.After(waitTimeout):
		t.Fatal("server endpoint never created a session")
	}
	return client, server, ce
}

func TestEndpointsEstablishSession(t *testing.T) {
	client, server, ce := startEndpointPair(t, SessionConfig{})

	waitSignal(t, client.delegate.handshake, "client handshake")
	waitSignal(t, server.delegate.handshake, "server handshake")

	assert.Same(t, client.session, ce.Session())
	assert.Equal(t, PerspectiveClient, client.session.Perspective())
	assert.Equal(t, PerspectiveServer, server.session.Perspective())
}

func TestEndpointStreamExchange(t *testing.T) {
	client, server, _ := startEndpointPair(t, SessionConfig{})
	waitSignal(t, client.delegate.writable, "client writable")

	out := client.session.CreateOutgoingStream()
	require.NotNil(t, out)
	require.NoError(t, out.Write([]byte("endpoint data"), true))

	var in *Stream
	select {
	case in = <-server.delegate.incoming:
	case <-time.After(waitTimeout):
		t.Fatal("server never saw the stream")
	}
	inD := newTestStreamDelegate()
	in.SetDelegate(inD)
	waitSignal(t, inD.fin, "server stream fin")
	assert.Equal(t, []byte("endpoint data"), inD.bytes())
}

func TestClientEndpointSessionDeferred(t *testing.T) {
	ptClient, ptServer := transport.NewPipePair()
	t.Cleanup(func() {
		ptClient.Close()
		ptServer.Close()
	})

	ced := newTestEndpointDelegate(ptClient)
	ce := NewClientEndpoint(FactoryConfig{}, ced, SessionConfig{}, nil)
	t.Cleanup(ce.Close)

	// Session creation is scheduled, not synchronous.
	assert.Nil(t, ce.Session())
	ce.Connect(ptClient)

	select {
	case <-ced.sessions:
	case <-time.After(waitTimeout):
		t.Fatal("session never created")
	}
	assert.NotNil(t, ce.Session())

	// A second Connect is a no-op.
	ce.Connect(ptClient)
	select {
	case <-ced.sessions:
		t.Fatal("second Connect created another session")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientEndpointCloseBeforeConnect(t *testing.T) {
	ptClient, _ := transport.NewPipePair()
	t.Cleanup(func() { ptClient.Close() })

	ced := newTestEndpointDelegate(ptClient)
	ce := NewClientEndpoint(FactoryConfig{}, ced, SessionConfig{}, nil)
	ce.Close()
	ce.Connect(ptClient)

	select {
	case <-ced.sessions:
		t.Fatal("closed endpoint created a session")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientEndpointIgnoresBadResumptionState(t *testing.T) {
	ptClient, _ := transport.NewPipePair()
	t.Cleanup(func() { ptClient.Close() })

	ced := newTestEndpointDelegate(ptClient)
	ce := NewClientEndpoint(FactoryConfig{}, ced, SessionConfig{}, []byte("not a ticket"))
	t.Cleanup(ce.Close)
	assert.Nil(t, ce.ResumptionState())
}
