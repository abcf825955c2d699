package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const guardHeaderLen = 12 // 4 bytes magic + 8 bytes cookie

// GuardConfig controls the authenticated packet header prepended by a
// GuardedTransport. Magic must be exactly 4 bytes. The cookie rotates every
// Window; Skew extra past windows are accepted to tolerate clock drift.
type GuardConfig struct {
	Magic  string
	Key    string
	Window time.Duration
	Skew   int
}

func (c *GuardConfig) applyDefaults() {
	if c.Magic == "" {
		c.Magic = "QRTC"
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Skew <= 0 {
		c.Skew = 1
	}
}

// receiverTransport is the contract a GuardedTransport wraps: a
// PacketTransport whose inbound packets arrive through a registered callback.
// PipeTransport and UDPTransport both satisfy it.
type receiverTransport interface {
	PacketTransport
	SetReceiver(fn func(p []byte))
}

type guardCookies struct {
	win     uint64
	cookies [][8]byte
}

// GuardedTransport prepends an HMAC-derived header to every outbound packet
// and silently drops inbound packets that do not carry a valid one. It lets a
// peer discard off-path garbage before the packets ever reach the session,
// at the cost of guardHeaderLen bytes per datagram.
type GuardedTransport struct {
	inner receiverTransport

	magic         [4]byte
	key           [32]byte
	windowSeconds int64
	skew          int

	state    atomic.Value // *guardCookies
	receiver atomic.Value // func(p []byte)

	// RejectedPackets counts inbound datagrams dropped for a missing or
	// stale header.
	RejectedPackets atomic.Int64
}

// NewGuardedTransport wraps inner with packet authentication. The key is
// stretched with PBKDF2 so a short shared secret still yields a full-width
// MAC key.
func NewGuardedTransport(inner receiverTransport, cfg GuardConfig) (*GuardedTransport, error) {
	if inner == nil {
		return nil, fmt.Errorf("guard: nil inner transport")
	}
	cfg.applyDefaults()
	if len(cfg.Magic) != 4 {
		return nil, fmt.Errorf("guard: magic must be 4 bytes, got %d", len(cfg.Magic))
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("guard: empty key")
	}

	g := &GuardedTransport{
		inner:         inner,
		windowSeconds: int64(cfg.Window.Seconds()),
		skew:          cfg.Skew,
	}
	copy(g.magic[:], cfg.Magic)
	dk := pbkdf2.Key([]byte(cfg.Key), []byte("quartc guard"), 100_000, 32, sha256.New)
	copy(g.key[:], dk)

	g.getCookies()
	inner.SetReceiver(g.onInbound)
	return g, nil
}

// WritePacket implements PacketTransport. The inner transport's blocked
// signal (a zero return) passes through; any accepted write reports the
// caller's payload length, not the framed length.
func (g *GuardedTransport) WritePacket(p []byte, info PacketInfo) int {
	cookies := g.getCookies()

	framed := make([]byte, guardHeaderLen+len(p))
	copy(framed[0:4], g.magic[:])
	copy(framed[4:12], cookies.cookies[0][:])
	copy(framed[guardHeaderLen:], p)

	if g.inner.WritePacket(framed, info) == 0 {
		return 0
	}
	return len(p)
}

// SetReceiver registers the callback for authenticated inbound packets.
func (g *GuardedTransport) SetReceiver(fn func(p []byte)) {
	g.receiver.Store(fn)
}

// Close closes the inner transport when it holds resources.
func (g *GuardedTransport) Close() error {
	if c, ok := g.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}

func (g *GuardedTransport) onInbound(p []byte) {
	if len(p) < guardHeaderLen || !hmac.Equal(p[0:4], g.magic[:]) {
		g.RejectedPackets.Add(1)
		return
	}
	cookies := g.getCookies()
	ok := false
	for i := range cookies.cookies {
		if hmac.Equal(p[4:12], cookies.cookies[i][:]) {
			ok = true
			break
		}
	}
	if !ok {
		g.RejectedPackets.Add(1)
		return
	}
	fn, _ := g.receiver.Load().(func(p []byte))
	if fn != nil {
		fn(p[guardHeaderLen:])
	}
}

func (g *GuardedTransport) getCookies() *guardCookies {
	nowWin := uint64(time.Now().Unix() / g.windowSeconds)
	if v := g.state.Load(); v != nil {
		c := v.(*guardCookies)
		if c.win == nowWin {
			return c
		}
	}

	out := &guardCookies{
		win:     nowWin,
		cookies: make([][8]byte, g.skew+1),
	}
	for i := 0; i <= g.skew; i++ {
		out.cookies[i] = g.cookie(nowWin - uint64(i))
	}
	g.state.Store(out)
	return out
}

func (g *GuardedTransport) cookie(win uint64) [8]byte {
	var winb [8]byte
	binary.BigEndian.PutUint64(winb[:], win)

	mac := hmac.New(sha256.New, g.key[:])
	mac.Write(g.magic[:])
	mac.Write(winb[:])
	sum := mac.Sum(nil)

	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
