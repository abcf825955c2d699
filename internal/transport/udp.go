package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// UDPTransport adapts a UDP socket to the PacketTransport contract for the
// demo binary and for embedders that do not bring their own datagram
// channel. The first peer to send becomes the remote for the lifetime of the
// transport (one logical peer per transport).
type UDPTransport struct {
	conn *net.UDPConn

	mu       sync.Mutex
	remote   *net.UDPAddr
	receiver func(p []byte)
	closed   atomic.Bool
}

// DialUDP creates a transport bound to a local ephemeral port and locked to
// the given remote.
func DialUDP(remote string) (*UDPTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve remote %q: %w", remote, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("udp listen: %w", err)
	}
	t := &UDPTransport{conn: conn, remote: raddr}
	go t.readLoop()
	return t, nil
}

// ListenUDP creates a transport bound to addr that adopts the first sender
// as its peer.
func ListenUDP(addr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp listen: %w", err)
	}
	t := &UDPTransport{conn: conn}
	go t.readLoop()
	return t, nil
}

// SetReceiver registers the inbound packet callback.
func (t *UDPTransport) SetReceiver(fn func(p []byte)) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// WritePacket implements PacketTransport. Writes before a peer is known are
// reported as blocked.
func (t *UDPTransport) WritePacket(p []byte, info PacketInfo) int {
	t.mu.Lock()
	remote := t.remote
	t.mu.Unlock()
	if remote == nil || t.closed.Load() {
		return 0
	}
	n, err := t.conn.WriteToUDP(p, remote)
	if err != nil {
		return 0
	}
	return n
}

// Close shuts the socket down, unblocking the read loop.
func (t *UDPTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		return t.conn.Close()
	}
	return nil
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if !t.closed.Load() && !errors.Is(err, net.ErrClosed) {
				continue
			}
			return
		}
		t.mu.Lock()
		if t.remote == nil {
			t.remote = from
		}
		fn := t.receiver
		t.mu.Unlock()
		if fn == nil {
			continue
		}
		p := make([]byte, n)
		copy(p, buf[:n])
		fn(p)
	}
}
