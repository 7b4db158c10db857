package certs

import (
	"crypto/tls"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gatehouse-proxy/gatehouse/internal/logger"
	"github.com/gatehouse-proxy/gatehouse/internal/snapshot"
)

// Catalog maps hostnames to TLS credentials for the SNI callback. Lookups
// are lock-free; each key is replaced atomically so a handshake in progress
// keeps the certificate it selected while the next handshake sees the new
// one.
type Catalog struct {
	certDir  string
	entries  sync.Map // lowercase domain -> *tls.Certificate
	fallback *tls.Certificate
}

// NewCatalog creates a catalog rooted at certDir and pre-generates the
// self-signed fallback so every handshake can complete.
func NewCatalog(certDir string) (*Catalog, error) {
	fallback, err := newSelfSigned("gatehouse.invalid")
	if err != nil {
		return nil, fmt.Errorf("generate fallback certificate: %w", err)
	}
	return &Catalog{certDir: certDir, fallback: fallback}, nil
}

// GetCertificate implements tls.Config.GetCertificate. Precedence: exact
// match, then single-label wildcard, then the self-signed fallback.
func (c *Catalog) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))

	if cert, ok := c.entries.Load(name); ok {
		return cert.(*tls.Certificate), nil
	}

	// a.b.c is covered by *.b.c but never by *.c.
	if _, rest, found := strings.Cut(name, "."); found && strings.Contains(rest, ".") {
		if cert, ok := c.entries.Load("*." + rest); ok {
			return cert.(*tls.Certificate), nil
		}
	}

	return c.fallback, nil
}

// Install atomically replaces the entry for domain.
func (c *Catalog) Install(domain string, cert *tls.Certificate) {
	c.entries.Store(strings.ToLower(domain), cert)
}

// Remove drops the entry for domain.
func (c *Catalog) Remove(domain string) {
	c.entries.Delete(strings.ToLower(domain))
}

// Paths returns the on-disk locations of the chain and key for a
// certificate id.
func (c *Catalog) Paths(id uint) (chain, key string) {
	dir := filepath.Join(c.certDir, strconv.FormatUint(uint64(id), 10))
	return filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem")
}

// InstallFromDisk loads the PEM pair for a certificate row and installs it.
func (c *Catalog) InstallFromDisk(id uint, domain string) error {
	chainPath, keyPath := c.Paths(id)
	cert, err := tls.LoadX509KeyPair(chainPath, keyPath)
	if err != nil {
		return fmt.Errorf("load certificate %d for %s: %w", id, domain, err)
	}
	c.Install(domain, &cert)
	return nil
}

// Rebuild replaces the whole catalog from a snapshot's certificate set.
// Rows whose material cannot be loaded are logged and skipped; entries for
// deleted rows are removed.
func (c *Catalog) Rebuild(certificates []snapshot.Certificate) {
	keep := make(map[string]bool, len(certificates))
	for _, row := range certificates {
		keep[strings.ToLower(row.Domain)] = true
		if err := c.InstallFromDisk(row.ID, row.Domain); err != nil {
			logger.WithFields(logrus.Fields{"domain": row.Domain, "error": err}).Warn("skipping certificate")
		}
	}
	c.entries.Range(func(key, _ any) bool {
		if !keep[key.(string)] {
			c.entries.Delete(key)
		}
		return true
	})
}

// TLSConfig returns a server config wired to the catalog.
func (c *Catalog) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: c.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}
