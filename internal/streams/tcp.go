package streams

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gatehouse-proxy/gatehouse/internal/logger"
	"github.com/gatehouse-proxy/gatehouse/internal/snapshot"
)

// tcpListener accepts on one port and splices each connection to the fixed
// upstream until either side closes.
type tcpListener struct {
	listener net.Listener
	forward  string
	port     int

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}

	connections *atomic.Int64
	bytes       *atomic.Int64
}

func newTCPListener(s snapshot.Stream, connections, bytes *atomic.Int64) (*tcpListener, error) {
	listener, err := net.Listen("tcp", listenAddr(s.Key.Port))
	if err != nil {
		return nil, err
	}
	l := &tcpListener{
		listener:    listener,
		forward:     s.ForwardAddr,
		port:        s.Key.Port,
		conns:       make(map[net.Conn]struct{}),
		connections: connections,
		bytes:       bytes,
	}
	go l.acceptLoop()
	return l, nil
}

func (l *tcpListener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.WithFields(logrus.Fields{"port": l.port, "error": err}).Warn("stream accept failed")
			continue
		}
		l.wg.Add(1)
		l.track(conn, true)
		go l.handle(conn)
	}
}

func (l *tcpListener) track(conn net.Conn, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[conn] = struct{}{}
	} else {
		delete(l.conns, conn)
	}
}

func (l *tcpListener) handle(client net.Conn) {
	defer l.wg.Done()
	defer l.track(client, false)
	defer client.Close()

	upstream, err := net.DialTimeout("tcp", l.forward, dialTimeout)
	if err != nil {
		logger.WithFields(logrus.Fields{"port": l.port, "forward": l.forward, "error": err}).Warn("stream upstream dial failed")
		return
	}
	defer upstream.Close()

	l.connections.Add(1)

	done := make(chan struct{})
	go func() {
		n, _ := io.Copy(upstream, client)
		l.bytes.Add(n)
		// half-close toward the upstream so it sees EOF
		if tc, ok := upstream.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		close(done)
	}()

	n, _ := io.Copy(client, upstream)
	l.bytes.Add(n)
	<-done
}

// drain stops accepting, lets established connections finish within the
// grace period, then force-closes stragglers.
func (l *tcpListener) drain() {
	_ = l.listener.Close()

	finished := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(tcpDrainGrace):
		l.mu.Lock()
		for conn := range l.conns {
			_ = conn.Close()
		}
		l.mu.Unlock()
		logger.WithFields(logrus.Fields{"port": l.port}).Warn("stream drain grace expired, connections closed")
	}
}
