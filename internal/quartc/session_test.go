package quartc

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/qlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quartc/internal/transport"
)

const waitTimeout = 10 * time.Second

type closeEvent struct {
	err      error
	details  string
	fromPeer bool
}

// testSessionDelegate records every session event on buffered channels.
type testSessionDelegate struct {
	handshake chan struct{}
	writable  chan struct{}
	incoming  chan *Stream
	messages  chan []byte
	closed    chan closeEvent
}

func newTestSessionDelegate() *testSessionDelegate {
	return &testSessionDelegate{
		handshake: make(chan struct{}, 1),
		writable:  make(chan struct{}, 1),
		incoming:  make(chan *Stream, 16),
		messages:  make(chan []byte, 64),
		closed:    make(chan closeEvent, 1),
	}
}

func (d *testSessionDelegate) OnCryptoHandshakeComplete() {
	select {
	case d.handshake <- struct{}{}:
	default:
	}
}

func (d *testSessionDelegate) OnConnectionWritable() {
	select {
	case d.writable <- struct{}{}:
	default:
	}
}

func (d *testSessionDelegate) OnIncomingStream(s *Stream) { d.incoming <- s }

func (d *testSessionDelegate) OnCongestionControlChange(bandwidth, pacing Bandwidth, rtt time.Duration) {
}

func (d *testSessionDelegate) OnConnectionClosed(err error, details string, fromPeer bool) {
	select {
	case d.closed <- closeEvent{err: err, details: details, fromPeer: fromPeer}:
	default:
	}
}

func (d *testSessionDelegate) OnMessageReceived(payload []byte) {
	msg := make([]byte, len(payload))
	copy(msg, payload)
	d.messages <- msg
}

// testStreamDelegate accumulates stream bytes until the fin delivery.
type testStreamDelegate struct {
	mu     sync.Mutex
	data   bytes.Buffer
	fin    chan struct{}
	closed chan struct{}

	finOnce   sync.Once
	closeOnce sync.Once
}

func newTestStreamDelegate() *testStreamDelegate {
	return &testStreamDelegate{
		fin:    make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (d *testStreamDelegate) OnReceived(s *Stream, data []byte) {
	if len(data) == 0 {
		d.finOnce.Do(func() { close(d.fin) })
		return
	}
	d.mu.Lock()
	d.data.Write(data)
	d.mu.Unlock()
}

func (d *testStreamDelegate) OnClose(s *Stream) {
	d.closeOnce.Do(func() { close(d.closed) })
}

func (d *testStreamDelegate) OnBufferChanged(s *Stream) {}

func (d *testStreamDelegate) bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, d.data.Len())
	copy(out, d.data.Bytes())
	return out
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

type sessionPair struct {
	client, server     *Session
	clientD, serverD   *testSessionDelegate
	clientPT, serverPT *transport.PipeTransport
}

// newSessionPair wires two sessions over an in-memory pipe. Handshakes are
// started unless start is false.
func newSessionPair(t *testing.T, cfg SessionConfig, start bool) *sessionPair {
	t.Helper()
	ptClient, ptServer := transport.NewPipePair()

	f := NewFactory(FactoryConfig{})
	p := &sessionPair{
		client:   f.CreateClientSession(ptClient, cfg),
		server:   f.CreateServerSession(ptServer, cfg),
		clientD:  newTestSessionDelegate(),
		serverD:  newTestSessionDelegate(),
		clientPT: ptClient,
		serverPT: ptServer,
	}
	p.client.SetDelegate(p.clientD)
	p.server.SetDelegate(p.serverD)
	ptClient.SetReceiver(p.client.OnTransportReceived)
	ptServer.SetReceiver(p.server.OnTransportReceived)

	t.Cleanup(func() {
		p.client.CloseConnection("test finished")
		p.server.CloseConnection("test finished")
		ptClient.Close()
		ptServer.Close()
	})

	if start {
		p.start(t)
	}
	return p
}

func (p *sessionPair) start(t *testing.T) {
	t.Helper()
	require.NoError(t, p.server.StartCryptoHandshake())
	require.NoError(t, p.client.StartCryptoHandshake())
}

func TestSessionHandshake(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)

	waitSignal(t, p.clientD.writable, "client writable")
	waitSignal(t, p.clientD.handshake, "client handshake")
	waitSignal(t, p.serverD.handshake, "server handshake")

	assert.True(t, p.client.IsEncryptionEstablished())
	assert.True(t, p.client.IsCryptoHandshakeConfirmed())
	assert.True(t, p.server.IsCryptoHandshakeConfirmed())
	assert.Equal(t, PerspectiveClient, p.client.Perspective())
	assert.Equal(t, PerspectiveServer, p.server.Perspective())
}

func TestStreamRoundTrip(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	waitSignal(t, p.clientD.writable, "client writable")

	out := p.client.CreateOutgoingStream()
	require.NotNil(t, out)
	outD := newTestStreamDelegate()
	out.SetDelegate(outD)
	require.NoError(t, out.Write([]byte("Hello, World!"), true))

	var in *Stream
	select {
	case in = <-p.serverD.incoming:
	case <-time.After(waitTimeout):
		t.Fatal("server never saw the incoming stream")
	}
	inD := newTestStreamDelegate()
	in.SetDelegate(inD)

	waitSignal(t, inD.fin, "server stream fin")
	assert.Equal(t, []byte("Hello, World!"), inD.bytes())

	// Echo back and finish; both streams then fully close.
	require.NoError(t, in.Write(inD.bytes(), true))
	waitSignal(t, outD.fin, "client stream fin")
	assert.Equal(t, []byte("Hello, World!"), outD.bytes())

	waitSignal(t, outD.closed, "client stream close")
	waitSignal(t, inD.closed, "server stream close")
	_, hasErr := out.Error()
	assert.False(t, hasErr)
}

func TestCreateOutgoingStreamRequiresEncryption(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, false)

	// No handshake yet: application data must not leave in plaintext.
	assert.Nil(t, p.client.CreateOutgoingStream())
	assert.False(t, p.client.IsEncryptionEstablished())
}

func TestStreamWriteAfterFinish(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	waitSignal(t, p.clientD.writable, "client writable")

	st := p.client.CreateOutgoingStream()
	require.NotNil(t, st)
	require.NoError(t, st.FinishWriting())
	assert.ErrorIs(t, st.Write([]byte("late"), false), ErrStreamClosed)
}

func TestCancelStreamPropagatesReset(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	waitSignal(t, p.clientD.writable, "client writable")

	out := p.client.CreateOutgoingStream()
	require.NotNil(t, out)
	outD := newTestStreamDelegate()
	out.SetDelegate(outD)
	require.NoError(t, out.Write([]byte("partial"), false))

	var in *Stream
	select {
	case in = <-p.serverD.incoming:
	case <-time.After(waitTimeout):
		t.Fatal("server never saw the incoming stream")
	}
	inD := newTestStreamDelegate()
	in.SetDelegate(inD)

	p.client.CancelStream(out.ID())
	waitSignal(t, outD.closed, "client stream close")
	code, ok := out.Error()
	require.True(t, ok)
	assert.Equal(t, StreamErrorCancelled, code)

	waitSignal(t, inD.closed, "server stream close")
	code, ok = in.Error()
	require.True(t, ok)
	assert.Equal(t, StreamErrorCancelled, code)
}

func TestCancelOnLossPolicy(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	waitSignal(t, p.clientD.writable, "client writable")

	out := p.client.CreateOutgoingStream()
	require.NotNil(t, out)
	assert.False(t, out.CancelOnLoss())
	out.SetCancelOnLoss(true)
	assert.True(t, out.CancelOnLoss())

	outD := newTestStreamDelegate()
	out.SetDelegate(outD)
	require.NoError(t, out.Write([]byte("realtime"), false))

	// Report a loss as the engine tracer would; the reset happens on the
	// next write opportunity, not inline.
	out.handleLoss()
	p.client.OnCanWrite()

	waitSignal(t, outD.closed, "client stream close")
	code, ok := out.Error()
	require.True(t, ok)
	assert.Equal(t, StreamErrorCancelled, code)
}

func TestMaxRetransmissionBudget(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	waitSignal(t, p.clientD.writable, "client writable")

	out := p.client.CreateOutgoingStream()
	require.NotNil(t, out)
	outD := newTestStreamDelegate()
	out.SetDelegate(outD)
	out.SetMaxRetransmissionCount(2)

	// Two losses stay inside the budget.
	out.handleLoss()
	out.handleLoss()
	p.client.OnCanWrite()
	select {
	case <-outD.closed:
		t.Fatal("stream cancelled inside its retransmission budget")
	case <-time.After(100 * time.Millisecond):
	}

	// The third exhausts it.
	out.handleLoss()
	p.client.OnCanWrite()
	waitSignal(t, outD.closed, "client stream close")
}

func TestStreamDeliveryUnderLoss(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	waitSignal(t, p.clientD.writable, "client writable")

	// Drop every third client packet for a while; the engine's loss recovery
	// must still deliver the full payload under the default retransmission
	// policy.
	var seen atomic.Int64
	p.clientPT.SetDrop(func([]byte) bool {
		n := seen.Add(1)
		return n <= 30 && n%3 == 0
	})

	payload := bytes.Repeat([]byte("0123456789abcdef"), 512)
	out := p.client.CreateOutgoingStream()
	require.NotNil(t, out)
	outD := newTestStreamDelegate()
	out.SetDelegate(outD)
	require.NoError(t, out.Write(payload, true))

	var in *Stream
	select {
	case in = <-p.serverD.incoming:
	case <-time.After(waitTimeout):
		t.Fatal("server never saw the incoming stream")
	}
	inD := newTestStreamDelegate()
	in.SetDelegate(inD)

	waitSignal(t, inD.fin, "server stream fin")
	assert.Equal(t, payload, inD.bytes())
	assert.Positive(t, p.clientPT.PacketsDropped())
}

func TestLossReportCancelsRealtimeStream(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	waitSignal(t, p.clientD.writable, "client writable")

	out := p.client.CreateOutgoingStream()
	require.NotNil(t, out)
	out.SetCancelOnLoss(true)
	outD := newTestStreamDelegate()
	out.SetDelegate(outD)
	require.NoError(t, out.Write([]byte("realtime"), false))

	// Replay the engine's qlog view of the write being sent and then declared
	// lost; the loss must surface as a stream reset.
	rec := p.client.tracer.trace().AddProducer()
	defer rec.Close()
	rec.RecordEvent(sentEvent(1_000_000, int64(out.ID())))
	rec.RecordEvent(lostEvent(qlog.PacketType1RTT, 1_000_000))
	p.client.OnCanWrite()

	waitSignal(t, outD.closed, "client stream close")
	code, ok := out.Error()
	require.True(t, ok)
	assert.Equal(t, StreamErrorCancelled, code)
}

func TestMessageExchange(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	waitSignal(t, p.clientD.writable, "client writable")
	waitSignal(t, p.clientD.handshake, "client handshake")

	// Datagram support is negotiated per direction; sending keys off the
	// peer's half.
	p.client.mu.Lock()
	state := p.client.conn.ConnectionState()
	p.client.mu.Unlock()
	require.True(t, state.SupportsDatagrams.Remote)

	require.True(t, p.client.SendOrQueueMessage([]byte("first")))
	require.True(t, p.client.SendOrQueueMessage([]byte("second")))

	var got [][]byte
	for len(got) < 2 {
		select {
		case m := <-p.serverD.messages:
			got = append(got, m)
		case <-time.After(waitTimeout):
			t.Fatalf("server received %d of 2 messages", len(got))
		}
	}
	assert.Equal(t, []byte("first"), got[0])
	assert.Equal(t, []byte("second"), got[1])
}

func TestMessageSizeLimit(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	waitSignal(t, p.clientD.writable, "client writable")
	waitSignal(t, p.clientD.handshake, "client handshake")

	limit := p.client.GetLargestMessagePayload()
	require.Greater(t, limit, 0)

	// One byte over is rejected outright, never queued.
	assert.False(t, p.client.SendOrQueueMessage(make([]byte, limit+1)))
	assert.Equal(t, 0, p.client.PendingMessageCount())

	// Exactly at the limit goes through.
	payload := bytes.Repeat([]byte{0xAB}, limit)
	require.True(t, p.client.SendOrQueueMessage(payload))
	select {
	case m := <-p.serverD.messages:
		assert.Equal(t, payload, m)
	case <-time.After(waitTimeout):
		t.Fatal("max-size message never arrived")
	}
}

func TestMessageQueuedBeforeHandshake(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, false)

	// No connection yet: the message parks in the FIFO queue.
	require.True(t, p.client.SendOrQueueMessage([]byte("early")))
	assert.Equal(t, 1, p.client.PendingMessageCount())

	p.start(t)
	select {
	case m := <-p.serverD.messages:
		assert.Equal(t, []byte("early"), m)
	case <-time.After(waitTimeout):
		t.Fatal("queued message never arrived")
	}
	assert.Eventually(t, func() bool {
		return p.client.PendingMessageCount() == 0
	}, waitTimeout, 10*time.Millisecond)
}

func TestCloseConnection(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	waitSignal(t, p.clientD.handshake, "client handshake")
	waitSignal(t, p.serverD.handshake, "server handshake")

	p.client.CloseConnection("all done")

	select {
	case ev := <-p.clientD.closed:
		assert.False(t, ev.fromPeer)
	case <-time.After(waitTimeout):
		t.Fatal("client close event missing")
	}
	select {
	case ev := <-p.serverD.closed:
		assert.True(t, ev.fromPeer)
	case <-time.After(waitTimeout):
		t.Fatal("server close event missing")
	}

	assert.True(t, p.client.IsClosed())
	assert.Eventually(t, p.server.IsClosed, waitTimeout, 10*time.Millisecond)
	assert.Nil(t, p.client.CreateOutgoingStream())
	assert.False(t, p.client.SendOrQueueMessage([]byte("late")))
}

func TestHandshakeStartsOnce(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	assert.Error(t, p.client.StartCryptoHandshake())
	assert.Error(t, p.server.StartCryptoHandshake())
}

func TestStreamIDsAreDistinct(t *testing.T) {
	p := newSessionPair(t, SessionConfig{}, true)
	waitSignal(t, p.clientD.writable, "client writable")

	a := p.client.CreateOutgoingStream()
	b := p.client.CreateOutgoingStream()
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.ID(), b.ID())

	var _ quic.StreamID = a.ID()
}
