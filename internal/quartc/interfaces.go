// Package quartc multiplexes reliable streams and unreliable messages over a
// QUIC connection that runs on an embedder-supplied packet transport instead
// of a UDP socket. The embedder feeds inbound datagrams into the session and
// is notified of transport writability; everything else (handshake, loss
// recovery, flow control, congestion control) is the QUIC engine's job.
package quartc

import (
	"time"

	quic "github.com/quic-go/quic-go"
)

// Perspective fixes a session's handshake role at construction.
type Perspective int

const (
	PerspectiveClient Perspective = iota
	PerspectiveServer
)

func (p Perspective) String() string {
	switch p {
	case PerspectiveClient:
		return "client"
	case PerspectiveServer:
		return "server"
	default:
		return "unknown"
	}
}

// StreamErrorCancelled is the stream error code a peer observes when a
// stream is torn down by CancelStream or by the cancel-on-loss policy.
const StreamErrorCancelled quic.StreamErrorCode = 0x1

// errorCodeGracefulClose is the application error code used by
// CloseConnection for a deliberate local close.
const errorCodeGracefulClose quic.ApplicationErrorCode = 0x0

// SessionDelegate receives session-level events. At most one delegate is
// registered per session; registering a second one logs a warning and
// replaces the first. The session serializes all callbacks, so the delegate
// never sees concurrent calls.
type SessionDelegate interface {
	// OnCryptoHandshakeComplete fires exactly once, when both peers hold a
	// confirmed 1-RTT key.
	OnCryptoHandshakeComplete()

	// OnConnectionWritable fires when application data may be sent. On the
	// client this can precede OnCryptoHandshakeComplete: the engine permits
	// 1-RTT data as soon as its first flight is out.
	OnConnectionWritable()

	// OnIncomingStream fires once per peer-initiated stream, synchronously
	// during its creation. The delegate must register a StreamDelegate
	// before returning if it wants the stream's data.
	OnIncomingStream(s *Stream)

	// OnCongestionControlChange surfaces the engine's current bandwidth
	// estimate and pacing rate so an embedder (e.g. a media encoder) can
	// adapt its bitrate.
	OnCongestionControlChange(bandwidthEstimate, pacingRate Bandwidth, latestRTT time.Duration)

	// OnConnectionClosed fires once, for local and remote closure alike.
	OnConnectionClosed(err error, details string, fromPeer bool)

	// OnMessageReceived delivers one unreliable message.
	OnMessageReceived(payload []byte)
}

// StreamDelegate receives per-stream events.
type StreamDelegate interface {
	// OnReceived delivers stream bytes in strict offset order. A zero-length
	// delivery signals end-of-stream and happens exactly once, after all
	// preceding bytes.
	OnReceived(s *Stream, data []byte)

	// OnClose fires once when the stream is fully closed, including resets.
	OnClose(s *Stream)

	// OnBufferChanged fires when the stream's locally buffered byte count
	// changes.
	OnBufferChanged(s *Stream)
}

// Bandwidth is a rate in bits per second.
type Bandwidth uint64

// BandwidthFromBytesAndDuration converts an amount transferred over an
// interval into a Bandwidth. A non-positive interval yields zero.
func BandwidthFromBytesAndDuration(bytes int64, d time.Duration) Bandwidth {
	if d <= 0 || bytes <= 0 {
		return 0
	}
	return Bandwidth(bytes * 8 * int64(time.Second) / int64(d))
}

// BytesPerSecond returns the rate in bytes.
func (b Bandwidth) BytesPerSecond() int64 { return int64(b) / 8 }

// Clock abstracts time for endpoints and tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
