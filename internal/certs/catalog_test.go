package certs

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-proxy/gatehouse/internal/snapshot"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(t.TempDir())
	require.NoError(t, err)
	return c
}

func lookup(t *testing.T, c *Catalog, serverName string) *tls.Certificate {
	t.Helper()
	cert, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: serverName})
	require.NoError(t, err)
	require.NotNil(t, cert)
	return cert
}

func TestCatalog_ExactMatch(t *testing.T) {
	c := newTestCatalog(t)
	cert, err := newSelfSigned("app.example.com")
	require.NoError(t, err)

	c.Install("App.Example.COM", cert)

	assert.Same(t, cert, lookup(t, c, "app.example.com"))
	assert.Same(t, cert, lookup(t, c, "APP.example.com"))
	assert.Same(t, cert, lookup(t, c, "app.example.com."))
}

func TestCatalog_WildcardMatch(t *testing.T) {
	c := newTestCatalog(t)
	wild, err := newSelfSigned("*.example.com")
	require.NoError(t, err)
	c.Install("*.example.com", wild)

	assert.Same(t, wild, lookup(t, c, "app.example.com"))

	// One label only: a.b.example.com is not covered by *.example.com.
	assert.NotSame(t, wild, lookup(t, c, "a.b.example.com"))
	// The apex is not covered either.
	assert.NotSame(t, wild, lookup(t, c, "example.com"))
}

func TestCatalog_ExactBeatsWildcard(t *testing.T) {
	c := newTestCatalog(t)
	wild, err := newSelfSigned("*.example.com")
	require.NoError(t, err)
	exact, err := newSelfSigned("app.example.com")
	require.NoError(t, err)

	c.Install("*.example.com", wild)
	c.Install("app.example.com", exact)

	assert.Same(t, exact, lookup(t, c, "app.example.com"))
	assert.Same(t, wild, lookup(t, c, "other.example.com"))
}

func TestCatalog_FallbackForUnknownName(t *testing.T) {
	c := newTestCatalog(t)

	cert := lookup(t, c, "unknown.example.com")
	assert.Same(t, c.fallback, cert)

	// An empty SNI still completes the handshake.
	assert.Same(t, c.fallback, lookup(t, c, ""))
}

func TestCatalog_Remove(t *testing.T) {
	c := newTestCatalog(t)
	cert, err := newSelfSigned("app.example.com")
	require.NoError(t, err)
	c.Install("app.example.com", cert)

	c.Remove("APP.example.com")
	assert.Same(t, c.fallback, lookup(t, c, "app.example.com"))
}

func TestCatalog_InstallFromDiskMissing(t *testing.T) {
	c := newTestCatalog(t)
	assert.Error(t, c.InstallFromDisk(42, "app.example.com"))
}

func TestCatalog_RebuildDropsStaleEntries(t *testing.T) {
	c := newTestCatalog(t)
	cert, err := newSelfSigned("stale.example.com")
	require.NoError(t, err)
	c.Install("stale.example.com", cert)

	c.Rebuild([]snapshot.Certificate{})

	assert.Same(t, c.fallback, lookup(t, c, "stale.example.com"))
}

func TestCatalog_Paths(t *testing.T) {
	c, err := NewCatalog("/var/lib/gatehouse/certs")
	require.NoError(t, err)

	chain, key := c.Paths(7)
	assert.Equal(t, "/var/lib/gatehouse/certs/7/fullchain.pem", chain)
	assert.Equal(t, "/var/lib/gatehouse/certs/7/privkey.pem", key)
}

func TestCatalog_TLSConfig(t *testing.T) {
	c := newTestCatalog(t)
	tlsCfg := c.TLSConfig()
	require.NotNil(t, tlsCfg.GetCertificate)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
}
