package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	connectTimeout = 10 * time.Second
	upstreamRead   = 60 * time.Second
	requestBudget  = 120 * time.Second
)

type transportKey struct {
	insecure bool
	sni      string
}

// transportPool hands out pooled upstream transports. Connections are pooled
// per endpoint inside each transport; transports themselves are shared by
// every host with the same TLS posture so idle connections survive snapshot
// swaps and self-evict on idle.
type transportPool struct {
	mu         sync.Mutex
	transports map[transportKey]*http.Transport
}

func newTransportPool() *transportPool {
	return &transportPool{transports: make(map[transportKey]*http.Transport)}
}

// get returns the transport for the given TLS posture, creating it on first
// use.
func (p *transportPool) get(verifySSL bool, sni string) *http.Transport {
	key := transportKey{insecure: !verifySSL, sni: sni}

	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.transports[key]; ok {
		return t
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: key.insecure,
			ServerName:         key.sni,
		},
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: upstreamRead,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
	}
	p.transports[key] = t
	return t
}

// closeIdle drops idle connections across every cached transport. Called on
// shutdown so drained listeners do not leave sockets behind.
func (p *transportPool) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}
