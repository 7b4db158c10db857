package streams

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gatehouse-proxy/gatehouse/internal/logger"
	"github.com/gatehouse-proxy/gatehouse/internal/snapshot"
)

const (
	dialTimeout    = 10 * time.Second
	tcpDrainGrace  = 30 * time.Second
	udpIdleTimeout = 120 * time.Second
)

// Forwarder owns every L4 listener derived from the snapshot's stream table.
// Apply reconciles the live listener set against a publish diff; failures are
// logged per port and never roll back unrelated changes.
type Forwarder struct {
	mu  sync.Mutex
	tcp map[snapshot.StreamKey]*tcpListener
	udp map[snapshot.StreamKey]*udpForwarder

	connections atomic.Int64
	bytes       atomic.Int64
}

// NewForwarder creates a forwarder with no listeners.
func NewForwarder() *Forwarder {
	return &Forwarder{
		tcp: make(map[snapshot.StreamKey]*tcpListener),
		udp: make(map[snapshot.StreamKey]*udpForwarder),
	}
}

// Totals reports connections handled and bytes relayed since start.
func (f *Forwarder) Totals() (connections, bytes int64) {
	return f.connections.Load(), f.bytes.Load()
}

// Apply opens listeners for added streams, closes removed ones, and
// close-then-reopens entries whose forward target changed.
func (f *Forwarder) Apply(diff snapshot.StreamDiff) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range diff.Removed {
		f.closeLocked(s.Key)
	}
	for _, s := range diff.Changed {
		f.closeLocked(s.Key)
		f.openLocked(s)
	}
	for _, s := range diff.Added {
		f.openLocked(s)
	}
}

// Close tears down every listener. TCP connections get the drain grace.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.tcp {
		f.closeLocked(key)
	}
	for key := range f.udp {
		f.closeLocked(key)
	}
}

func (f *Forwarder) openLocked(s snapshot.Stream) {
	switch s.Key.Protocol {
	case "tcp":
		l, err := newTCPListener(s, &f.connections, &f.bytes)
		if err != nil {
			logger.WithFields(logrus.Fields{"port": s.Key.Port, "error": err}).Error("tcp stream listener failed")
			return
		}
		f.tcp[s.Key] = l
	case "udp":
		u, err := newUDPForwarder(s, &f.connections, &f.bytes)
		if err != nil {
			logger.WithFields(logrus.Fields{"port": s.Key.Port, "error": err}).Error("udp stream listener failed")
			return
		}
		f.udp[s.Key] = u
	default:
		logger.WithFields(logrus.Fields{"port": s.Key.Port, "protocol": s.Key.Protocol}).Error("unknown stream protocol")
	}
	logger.WithFields(logrus.Fields{
		"protocol": s.Key.Protocol,
		"port":     s.Key.Port,
		"forward":  s.ForwardAddr,
	}).Info("stream listener opened")
}

func (f *Forwarder) closeLocked(key snapshot.StreamKey) {
	if l, ok := f.tcp[key]; ok {
		delete(f.tcp, key)
		// Stop accepting now so a reopen on the same port can bind; open
		// connections drain in the background.
		_ = l.listener.Close()
		go l.drain()
	}
	if u, ok := f.udp[key]; ok {
		delete(f.udp, key)
		u.close()
	}
	logger.WithFields(logrus.Fields{"protocol": key.Protocol, "port": key.Port}).Info("stream listener closed")
}

func listenAddr(port int) string {
	return fmt.Sprintf("0.0.0.0:%d", port)
}
