package quartc

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"io"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCryptoConfigDefaults(t *testing.T) {
	cfg := NewClientCryptoConfig()
	assert.True(t, cfg.TLS.InsecureSkipVerify)
	assert.Equal(t, []string{alpnQuartc}, cfg.TLS.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.TLS.MinVersion)
}

func TestServerCryptoConfigDerivedSecrets(t *testing.T) {
	psk := []byte("a pre-shared key")
	a, err := NewServerCryptoConfig(psk, NewCompressedCertsCache())
	require.NoError(t, err)
	b, err := NewServerCryptoConfig(psk, NewCompressedCertsCache())
	require.NoError(t, err)

	// Same pre-shared key, same secrets: a restarted server keeps validating
	// previously issued tokens.
	assert.Equal(t, *a.TokenKey(), *b.TokenKey())
	assert.Equal(t, *a.ResetKey(), *b.ResetKey())
	assert.NotEqual(t, a.TokenKey()[:], a.ResetKey()[:])

	c, err := NewServerCryptoConfig([]byte("a different key"), NewCompressedCertsCache())
	require.NoError(t, err)
	assert.NotEqual(t, *a.TokenKey(), *c.TokenKey())
}

func TestServerCryptoConfigRandomSecrets(t *testing.T) {
	a, err := NewServerCryptoConfig(nil, nil)
	require.NoError(t, err)
	b, err := NewServerCryptoConfig(nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, *a.TokenKey(), *b.TokenKey())
}

func TestCompressedCertsCache(t *testing.T) {
	cache := NewCompressedCertsCache()

	first, err := cache.Certificate("quartc.peer")
	require.NoError(t, err)
	second, err := cache.Certificate("quartc.peer")
	require.NoError(t, err)

	// Same host hits the cache instead of regenerating the key.
	require.Len(t, first.Certificate, 1)
	assert.True(t, bytes.Equal(first.Certificate[0], second.Certificate[0]))
	assert.Equal(t, 1, cache.Len())

	_, err = cache.Certificate("other.peer")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())
}

func TestCompressedChainRoundTrip(t *testing.T) {
	cache := NewCompressedCertsCache()
	cert, err := cache.Certificate("quartc.peer")
	require.NoError(t, err)
	compressed, err := cache.CompressedChain("quartc.peer")
	require.NoError(t, err)
	require.NotEmpty(t, compressed)

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	der, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.NoError(t, zr.Close())
	assert.Equal(t, cert.Certificate[0], der)

	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	assert.Equal(t, "quartc.peer", parsed.Subject.CommonName)
	assert.Contains(t, parsed.DNSNames, "quartc.peer")
}

func TestParseResumptionRejectsGarbage(t *testing.T) {
	_, err := parseResumption(nil)
	assert.Error(t, err)
	_, err = parseResumption([]byte{0x00})
	assert.Error(t, err)
	// Ticket length pointing past the buffer.
	_, err = parseResumption([]byte{0xff, 0xff, 0x01})
	assert.Error(t, err)
}

func TestResumptionCacheIgnoresBadState(t *testing.T) {
	c := newResumptionCache([]byte{0x00, 0x01, 'x', 0xde, 0xad})
	_, ok := c.Get("quartc.peer")
	assert.False(t, ok)
	assert.Nil(t, c.exportedState())
}
