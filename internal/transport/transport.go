// Package transport defines the packet transport contract a peer-to-peer
// session runs on top of. The session never opens sockets itself; the
// embedder hands it something that can move opaque datagrams (an ICE data
// channel, a UDP socket, an in-memory pipe) and feeds received packets back
// into the session.
package transport

import "net"

// PacketInfo carries per-packet metadata alongside the raw bytes handed to a
// PacketTransport. PacketNumber is a monotonically increasing sequence
// assigned by the writer, not the QUIC packet number on the wire.
type PacketInfo struct {
	PacketNumber uint64
}

// PacketTransport moves whole datagrams between exactly two peers.
//
// WritePacket returns the number of bytes accepted. A return of 0 means the
// transport is momentarily blocked; the caller must hold the packet and the
// embedder must later signal writability (Session.OnTransportCanWrite) once
// the transport drains. Any other return is treated as a completed send.
//
// Inbound packets are not pulled from the transport; the embedder pushes
// them into Session.OnTransportReceived as they arrive.
type PacketTransport interface {
	WritePacket(p []byte, info PacketInfo) int
}

// Closer is optionally implemented by transports that hold resources.
type Closer interface {
	Close() error
}

// packetAddr is the fixed synthetic address used for all engine-facing
// address bookkeeping. The transport hides real network addresses, so every
// packet is attributed to the same self/peer pair; this keeps the engine's
// path tracking self-consistent for the one logical peer a transport
// carries. Multi-peer address plumbing is out of scope.
type packetAddr struct {
	name string
}

func (a packetAddr) Network() string { return "quartc" }
func (a packetAddr) String() string  { return a.name }

var (
	selfAddr net.Addr = packetAddr{name: "quartc:self"}
	peerAddr net.Addr = packetAddr{name: "quartc:peer"}
)

// SelfAddr returns the synthetic local address shared by all sessions.
func SelfAddr() net.Addr { return selfAddr }

// PeerAddr returns the synthetic remote address shared by all sessions.
func PeerAddr() net.Addr { return peerAddr }
