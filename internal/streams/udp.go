package streams

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gatehouse-proxy/gatehouse/internal/logger"
	"github.com/gatehouse-proxy/gatehouse/internal/snapshot"
)

const udpBufferSize = 64 * 1024

// udpForwarder relays datagrams between clients and a fixed upstream. Each
// client (addr, port) gets its own upstream socket so replies find their way
// back; idle mappings are evicted.
type udpForwarder struct {
	conn    *net.UDPConn
	forward *net.UDPAddr
	port    int

	mu       sync.Mutex
	sessions map[string]*udpSession
	closed   chan struct{}

	connections *atomic.Int64
	bytes       *atomic.Int64
}

type udpSession struct {
	upstream *net.UDPConn
	client   *net.UDPAddr
	lastSeen atomic.Int64
}

func newUDPForwarder(s snapshot.Stream, connections, bytes *atomic.Int64) (*udpForwarder, error) {
	forward, err := net.ResolveUDPAddr("udp", s.ForwardAddr)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", listenAddr(s.Key.Port))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	u := &udpForwarder{
		conn:        conn,
		forward:     forward,
		port:        s.Key.Port,
		sessions:    make(map[string]*udpSession),
		closed:      make(chan struct{}),
		connections: connections,
		bytes:       bytes,
	}
	go u.readLoop()
	go u.evictLoop()
	return u, nil
}

func (u *udpForwarder) readLoop() {
	buf := make([]byte, udpBufferSize)
	for {
		n, client, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.WithFields(logrus.Fields{"port": u.port, "error": err}).Warn("udp read failed")
			continue
		}

		session, err := u.session(client)
		if err != nil {
			logger.WithFields(logrus.Fields{"port": u.port, "forward": u.forward, "error": err}).Warn("udp upstream dial failed")
			continue
		}
		session.lastSeen.Store(time.Now().UnixNano())

		if _, err := session.upstream.Write(buf[:n]); err != nil {
			logger.WithFields(logrus.Fields{"port": u.port, "error": err}).Warn("udp forward failed")
			u.evict(client.String())
			continue
		}
		u.bytes.Add(int64(n))
	}
}

// session returns the mapping for a client, creating the upstream socket and
// its reply loop on first sight.
func (u *udpForwarder) session(client *net.UDPAddr) (*udpSession, error) {
	key := client.String()

	u.mu.Lock()
	defer u.mu.Unlock()

	if s, ok := u.sessions[key]; ok {
		return s, nil
	}

	upstream, err := net.DialUDP("udp", nil, u.forward)
	if err != nil {
		return nil, err
	}
	s := &udpSession{upstream: upstream, client: client}
	s.lastSeen.Store(time.Now().UnixNano())
	u.sessions[key] = s
	u.connections.Add(1)

	go u.replyLoop(s)
	return s, nil
}

func (u *udpForwarder) replyLoop(s *udpSession) {
	buf := make([]byte, udpBufferSize)
	for {
		n, err := s.upstream.Read(buf)
		if err != nil {
			return
		}
		s.lastSeen.Store(time.Now().UnixNano())
		if _, err := u.conn.WriteToUDP(buf[:n], s.client); err != nil {
			return
		}
		u.bytes.Add(int64(n))
	}
}

func (u *udpForwarder) evictLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-u.closed:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-udpIdleTimeout).UnixNano()
			u.mu.Lock()
			for key, s := range u.sessions {
				if s.lastSeen.Load() < cutoff {
					_ = s.upstream.Close()
					delete(u.sessions, key)
				}
			}
			u.mu.Unlock()
		}
	}
}

func (u *udpForwarder) evict(key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if s, ok := u.sessions[key]; ok {
		_ = s.upstream.Close()
		delete(u.sessions, key)
	}
}

func (u *udpForwarder) close() {
	close(u.closed)
	_ = u.conn.Close()

	u.mu.Lock()
	defer u.mu.Unlock()
	for key, s := range u.sessions {
		_ = s.upstream.Close()
		delete(u.sessions, key)
	}
}
