package quartc

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/klauspost/compress/zlib"
	quic "github.com/quic-go/quic-go"
	"golang.org/x/crypto/hkdf"
)

// alpnQuartc is the ALPN token both perspectives negotiate.
const alpnQuartc = "quartc"

// certValidity bounds the lifetime of fabricated server credentials. The
// credential is ephemeral demo-grade identity, not a real PKI artifact.
const certValidity = 24 * time.Hour

// ClientCryptoConfig holds the client-side handshake material. The default
// verifier accepts any certificate: transports this package targets (ICE
// data channels and the like) are expected to authenticate peers out of
// band, so the TLS layer only provides encryption.
type ClientCryptoConfig struct {
	TLS *tls.Config
}

// NewClientCryptoConfig returns the insecure-verifier client configuration.
func NewClientCryptoConfig() *ClientCryptoConfig {
	return &ClientCryptoConfig{
		TLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnQuartc},
			MinVersion:         tls.VersionTLS13,
			ServerName:         "quartc.peer",
		},
	}
}

// ServerCryptoConfig holds the server-side handshake material: a fabricated
// self-signed credential and the source-address-token and stateless-reset
// secrets. The secrets are random per construction unless a pre-shared key
// is supplied, in which case they are derived from it so restarted servers
// keep validating tokens issued before the restart.
type ServerCryptoConfig struct {
	TLS *tls.Config

	tokenKey quic.TokenGeneratorKey
	resetKey quic.StatelessResetKey
}

// NewServerCryptoConfig fabricates a server credential (through cache, which
// may be shared across sessions) and derives or generates the token secrets.
func NewServerCryptoConfig(preSharedKey []byte, cache *CompressedCertsCache) (*ServerCryptoConfig, error) {
	if cache == nil {
		cache = NewCompressedCertsCache()
	}
	cert, err := cache.Certificate("quartc.peer")
	if err != nil {
		return nil, fmt.Errorf("fabricate server credential: %w", err)
	}

	cfg := &ServerCryptoConfig{
		TLS: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpnQuartc},
			MinVersion:   tls.VersionTLS13,
		},
	}
	if len(preSharedKey) > 0 {
		if err := deriveKey(preSharedKey, "quartc token key", cfg.tokenKey[:]); err != nil {
			return nil, err
		}
		if err := deriveKey(preSharedKey, "quartc reset key", cfg.resetKey[:]); err != nil {
			return nil, err
		}
	} else {
		if _, err := rand.Read(cfg.tokenKey[:]); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		if _, err := rand.Read(cfg.resetKey[:]); err != nil {
			return nil, fmt.Errorf("generate reset secret: %w", err)
		}
	}
	return cfg, nil
}

// TokenKey returns the source-address-token secret for the engine transport.
func (c *ServerCryptoConfig) TokenKey() *quic.TokenGeneratorKey { return &c.tokenKey }

// ResetKey returns the stateless-reset secret for the engine transport.
func (c *ServerCryptoConfig) ResetKey() *quic.StatelessResetKey { return &c.resetKey }

func deriveKey(secret []byte, label string, out []byte) error {
	r := hkdf.New(sha256.New, secret, nil, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("derive %s: %w", label, err)
	}
	return nil
}

// CompressedCertsCache caches fabricated credentials and their
// zlib-compressed DER chains per host, so a dispatcher serving several
// sessions neither regenerates keys nor recompresses chains per session.
type CompressedCertsCache struct {
	mu      sync.Mutex
	entries map[string]*certsEntry
}

type certsEntry struct {
	cert       tls.Certificate
	compressed []byte
}

// NewCompressedCertsCache returns an empty cache.
func NewCompressedCertsCache() *CompressedCertsCache {
	return &CompressedCertsCache{entries: make(map[string]*certsEntry)}
}

// Certificate returns the cached credential for host, fabricating it on
// first use.
func (c *CompressedCertsCache) Certificate(host string) (tls.Certificate, error) {
	e, err := c.entry(host)
	if err != nil {
		return tls.Certificate{}, err
	}
	return e.cert, nil
}

// CompressedChain returns the zlib-compressed DER chain for host.
func (c *CompressedCertsCache) CompressedChain(host string) ([]byte, error) {
	e, err := c.entry(host)
	if err != nil {
		return nil, err
	}
	return e.compressed, nil
}

// Len reports the number of cached hosts.
func (c *CompressedCertsCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *CompressedCertsCache) entry(host string) (*certsEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[host]; ok {
		return e, nil
	}
	cert, err := selfSignedCert(host)
	if err != nil {
		return nil, err
	}
	compressed, err := compressChain(cert.Certificate)
	if err != nil {
		return nil, err
	}
	e := &certsEntry{cert: cert, compressed: compressed}
	c.entries[host] = e
	return e, nil
}

func selfSignedCert(host string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// resumptionCache is a single-entry tls.ClientSessionCache that also keeps a
// serialized copy of the most recent ticket, so an endpoint can hand the
// state to a future endpoint for a zero-round-trip handshake. The host key
// is ignored: an endpoint talks to exactly one peer.
type resumptionCache struct {
	mu       sync.Mutex
	entry    *tls.ClientSessionState
	exported []byte
}

func newResumptionCache(serialized []byte) *resumptionCache {
	c := &resumptionCache{}
	if len(serialized) > 0 {
		if cs, err := parseResumption(serialized); err == nil {
			c.entry = cs
			c.exported = append([]byte(nil), serialized...)
		}
	}
	return c
}

func (c *resumptionCache) Get(string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry, c.entry != nil
}

func (c *resumptionCache) Put(_ string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = cs
	if cs == nil {
		return
	}
	if data, err := serializeResumption(cs); err == nil {
		c.exported = data
	}
}

func (c *resumptionCache) exportedState() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exported
}

// serializeResumption flattens a session ticket to a length-prefixed ticket
// followed by the raw session state.
func serializeResumption(cs *tls.ClientSessionState) ([]byte, error) {
	ticket, state, err := cs.ResumptionState()
	if err != nil {
		return nil, fmt.Errorf("export resumption state: %w", err)
	}
	if state == nil {
		return nil, fmt.Errorf("export resumption state: no state")
	}
	stateBytes, err := state.Bytes()
	if err != nil {
		return nil, fmt.Errorf("export resumption state: %w", err)
	}
	if len(ticket) > 0xffff {
		return nil, fmt.Errorf("export resumption state: ticket too large")
	}
	out := make([]byte, 0, 2+len(ticket)+len(stateBytes))
	out = append(out, byte(len(ticket)>>8), byte(len(ticket)))
	out = append(out, ticket...)
	out = append(out, stateBytes...)
	return out, nil
}

func parseResumption(data []byte) (*tls.ClientSessionState, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("parse resumption state: truncated")
	}
	n := int(data[0])<<8 | int(data[1])
	if len(data) < 2+n {
		return nil, fmt.Errorf("parse resumption state: truncated ticket")
	}
	ticket := data[2 : 2+n]
	state, err := tls.ParseSessionState(data[2+n:])
	if err != nil {
		return nil, fmt.Errorf("parse resumption state: %w", err)
	}
	cs, err := tls.NewResumptionState(ticket, state)
	if err != nil {
		return nil, fmt.Errorf("parse resumption state: %w", err)
	}
	return cs, nil
}

func compressChain(chain [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	for _, der := range chain {
		if _, err := zw.Write(der); err != nil {
			zw.Close()
			return nil, fmt.Errorf("compress chain: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress chain: %w", err)
	}
	return buf.Bytes(), nil
}
