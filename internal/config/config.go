package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment string

	// Listener addresses. HTTPAddr and HTTPSAddr belong to the data plane,
	// AdminAddr serves the management API.
	HTTPAddr  string
	HTTPSAddr string
	AdminAddr string

	DatabasePath string
	CertDir      string
	LogDir       string
	StaticDir    string

	// ACME / certbot integration.
	ACMEDir    string
	CertbotBin string

	JWTSecret string

	// TrustedProxies are the peers whose X-Forwarded-* headers are honored.
	TrustedProxies []netip.Prefix
}

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	cfg := Config{
		Environment:  getEnv("GATEHOUSE_ENV", "development"),
		HTTPAddr:     getEnv("GATEHOUSE_HTTP_ADDR", ":8080"),
		HTTPSAddr:    getEnv("GATEHOUSE_HTTPS_ADDR", ":443"),
		AdminAddr:    getEnv("GATEHOUSE_ADMIN_ADDR", ":81"),
		DatabasePath: getEnv("GATEHOUSE_DB_PATH", filepath.Join("data", "data.db")),
		CertDir:      getEnv("GATEHOUSE_CERT_DIR", filepath.Join("data", "certs")),
		LogDir:       getEnv("GATEHOUSE_LOG_DIR", "logs"),
		StaticDir:    getEnv("GATEHOUSE_STATIC_DIR", "static"),
		ACMEDir:      getEnv("GATEHOUSE_ACME_DIR", "/etc/letsencrypt"),
		CertbotBin:   getEnv("GATEHOUSE_CERTBOT_BIN", "certbot"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
	}

	trusted, err := parseTrustedProxies(trustedProxyEnv())
	if err != nil {
		return Config{}, fmt.Errorf("parse trusted proxies: %w", err)
	}
	cfg.TrustedProxies = trusted

	for _, dir := range []string{filepath.Dir(cfg.DatabasePath), cfg.CertDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Config{}, fmt.Errorf("ensure directory %s: %w", dir, err)
		}
	}

	return cfg, nil
}

// IsTrustedProxy reports whether the given peer address may supply
// X-Forwarded-For / X-Forwarded-Proto values.
func (c Config) IsTrustedProxy(addr netip.Addr) bool {
	for _, p := range c.TrustedProxies {
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

func trustedProxyEnv() string {
	if v := os.Getenv("GATEHOUSE_TRUSTED_PROXIES"); v != "" {
		return v
	}
	return getEnv("TRUSTED_PROXY_IPS", "127.0.0.1,::1")
}

func parseTrustedProxies(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", part, err)
			}
			out = append(out, p)
			continue
		}
		a, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("invalid IP %q: %w", part, err)
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}
