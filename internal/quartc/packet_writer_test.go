package quartc

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quartc/internal/transport"
)

// recordingTransport captures written packets and can simulate backpressure.
type recordingTransport struct {
	mu      sync.Mutex
	packets [][]byte
	blocked bool
}

func (t *recordingTransport) WritePacket(p []byte, info transport.PacketInfo) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.blocked {
		return 0
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	t.packets = append(t.packets, buf)
	return len(p)
}

func (t *recordingTransport) setBlocked(b bool) {
	t.mu.Lock()
	t.blocked = b
	t.mu.Unlock()
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.packets)
}

func TestPacketWriterWrite(t *testing.T) {
	tr := &recordingTransport{}
	w := NewPacketWriter(tr, 0)
	w.attach()

	n, err := w.WriteTo([]byte("packet"), transport.PeerAddr())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 1, tr.count())
	assert.False(t, w.IsWriteBlocked())
}

func TestPacketWriterDropsBeforeAttach(t *testing.T) {
	tr := &recordingTransport{}
	w := NewPacketWriter(tr, 0)

	n, err := w.WriteTo([]byte("packet"), transport.PeerAddr())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 0, tr.count())
}

func TestPacketWriterMaxPacketSize(t *testing.T) {
	tr := &recordingTransport{}
	w := NewPacketWriter(tr, 100)
	w.attach()

	assert.Equal(t, 100, w.GetMaxPacketSize(transport.PeerAddr()))

	// Oversized packets are dropped, not split and not an error.
	n, err := w.WriteTo(make([]byte, 101), transport.PeerAddr())
	require.NoError(t, err)
	assert.Equal(t, 101, n)
	assert.Equal(t, 0, tr.count())
}

func TestPacketWriterBlockedAndFlush(t *testing.T) {
	tr := &recordingTransport{}
	w := NewPacketWriter(tr, 0)
	w.attach()

	tr.setBlocked(true)
	_, err := w.WriteTo([]byte("one"), transport.PeerAddr())
	require.NoError(t, err)
	assert.True(t, w.IsWriteBlocked())
	assert.False(t, w.IsWriteBlockedDataBuffered())

	// Further writes while blocked are retained without touching the
	// transport again.
	_, err = w.WriteTo([]byte("two"), transport.PeerAddr())
	require.NoError(t, err)
	assert.Equal(t, 0, tr.count())

	tr.setBlocked(false)
	w.SetWritable()
	assert.False(t, w.IsWriteBlocked())
	assert.Equal(t, 2, tr.count())

	tr.mu.Lock()
	assert.Equal(t, []byte("one"), tr.packets[0])
	assert.Equal(t, []byte("two"), tr.packets[1])
	tr.mu.Unlock()
}

func TestPacketWriterBlockedBufferBound(t *testing.T) {
	tr := &recordingTransport{}
	w := NewPacketWriter(tr, 0)
	w.attach()
	tr.setBlocked(true)

	for i := 0; i < maxBlockedPackets+10; i++ {
		_, err := w.WriteTo([]byte{byte(i)}, transport.PeerAddr())
		require.NoError(t, err)
	}

	tr.setBlocked(false)
	w.SetWritable()

	// Oldest packets were discarded; only the bounded tail was flushed.
	assert.Equal(t, maxBlockedPackets, tr.count())
	tr.mu.Lock()
	assert.Equal(t, []byte{10}, tr.packets[0])
	tr.mu.Unlock()
}

func TestPacketWriterReadFrom(t *testing.T) {
	w := NewPacketWriter(&recordingTransport{}, 0)
	w.enqueueInbound([]byte("inbound"))

	buf := make([]byte, 64)
	n, addr, err := w.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "inbound", string(buf[:n]))
	assert.Equal(t, transport.PeerAddr(), addr)
	assert.Equal(t, transport.SelfAddr(), w.LocalAddr())
}

func TestPacketWriterReadDeadline(t *testing.T) {
	w := NewPacketWriter(&recordingTransport{}, 0)
	require.NoError(t, w.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	buf := make([]byte, 64)
	_, _, err := w.ReadFrom(buf)
	require.Error(t, err)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())

	// Clearing the deadline unblocks future reads.
	require.NoError(t, w.SetReadDeadline(time.Time{}))
	w.enqueueInbound([]byte("late"))
	n, _, err := w.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf[:n]))
}

func TestPacketWriterClose(t *testing.T) {
	w := NewPacketWriter(&recordingTransport{}, 0)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	buf := make([]byte, 8)
	_, _, err := w.ReadFrom(buf)
	assert.ErrorIs(t, err, net.ErrClosed)
}
