package quartc

import (
	"context"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/qlogwriter"

	"quartc/internal/transport"
)

// Flow-control windows are set deliberately large, near their practical
// ceiling, so real-time media workloads never stall on blocked frames.
const (
	initialStreamWindow     = 16 << 20
	maxStreamWindow         = 32 << 20
	initialConnectionWindow = 24 << 20
	maxConnectionWindow     = 48 << 20

	maxIncomingStreams    = 1024
	maxIncomingUniStreams = 128
)

const (
	defaultHandshakeIdleTimeout = 10 * time.Second
	defaultHandshakeTimeout     = 30 * time.Second
	defaultIdleNetworkTimeout   = 45 * time.Second
)

// SessionConfig carries the per-session tuning an embedder may set. Zero
// values select defaults via ApplyDefaults.
type SessionConfig struct {
	// PreSharedKey, when set, derives the server's token secrets so session
	// tokens survive a server restart; the client may carry it for symmetry.
	PreSharedKey []byte

	// MaxPacketSize bounds every packet handed to the transport.
	MaxPacketSize int

	// MaxIdleTimeBeforeHandshake closes a connection with no handshake
	// progress.
	MaxIdleTimeBeforeHandshake time.Duration

	// MaxTimeBeforeHandshake bounds the total handshake duration.
	MaxTimeBeforeHandshake time.Duration

	// IdleNetworkTimeout closes a connection with no traffic at all.
	IdleNetworkTimeout time.Duration

	// EnableTailLossProbe is kept for configuration compatibility; the
	// engine's probe-timeout machinery subsumes classic tail loss probes.
	EnableTailLossProbe bool
}

// ApplyDefaults fills unset values.
func (c *SessionConfig) ApplyDefaults() {
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = defaultMaxPacketSize
	}
	if c.MaxIdleTimeBeforeHandshake <= 0 {
		c.MaxIdleTimeBeforeHandshake = defaultHandshakeIdleTimeout
	}
	if c.MaxTimeBeforeHandshake <= 0 {
		c.MaxTimeBeforeHandshake = defaultHandshakeTimeout
	}
	if c.IdleNetworkTimeout <= 0 {
		c.IdleNetworkTimeout = defaultIdleNetworkTimeout
	}
}

// FactoryConfig carries the process-level dependencies sessions share. The
// caller owns the clock; it must outlive every session built from it.
type FactoryConfig struct {
	Clock Clock
}

// Factory assembles sessions over embedder transports: one engine
// connection, one packet writer and one session per call. This is the
// single-session composition path; endpoints build on it.
type Factory struct {
	clock Clock
}

// NewFactory builds a factory.
func NewFactory(cfg FactoryConfig) *Factory {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &Factory{clock: clock}
}

// CreateClientSession builds an unstarted client session on pt. The caller
// wires delegates and then calls StartCryptoHandshake.
func (f *Factory) CreateClientSession(pt transport.PacketTransport, cfg SessionConfig) *Session {
	cfg.ApplyDefaults()
	return newSession(PerspectiveClient, pt, cfg, f.clock)
}

// CreateServerSession builds an unstarted server session on pt, expecting
// exactly one peer. StartCryptoHandshake begins the passive wait.
func (f *Factory) CreateServerSession(pt transport.PacketTransport, cfg SessionConfig) *Session {
	cfg.ApplyDefaults()
	return newSession(PerspectiveServer, pt, cfg, f.clock)
}

// buildEngineConfig translates session tuning into the engine's
// configuration with a fixed per-connection trace.
func buildEngineConfig(cfg SessionConfig, t *connTracer) *quic.Config {
	return engineConfig(cfg, func(context.Context, bool, quic.ConnectionID) qlogwriter.Trace {
		return t.trace()
	})
}

func engineConfig(cfg SessionConfig, tracerFn func(context.Context, bool, quic.ConnectionID) qlogwriter.Trace) *quic.Config {
	size := cfg.MaxPacketSize
	if size <= 0 {
		size = defaultMaxPacketSize
	}
	return &quic.Config{
		HandshakeIdleTimeout:           cfg.MaxIdleTimeBeforeHandshake,
		MaxIdleTimeout:                 cfg.IdleNetworkTimeout,
		InitialStreamReceiveWindow:     initialStreamWindow,
		MaxStreamReceiveWindow:         maxStreamWindow,
		InitialConnectionReceiveWindow: initialConnectionWindow,
		MaxConnectionReceiveWindow:     maxConnectionWindow,
		MaxIncomingStreams:             maxIncomingStreams,
		MaxIncomingUniStreams:          maxIncomingUniStreams,
		EnableDatagrams:                true,
		DisablePathMTUDiscovery:        true,
		InitialPacketSize:              uint16(size),
		Tracer:                         tracerFn,
	}
}
