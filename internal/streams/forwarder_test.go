package streams

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-proxy/gatehouse/internal/snapshot"
)

// freePort grabs an ephemeral port and releases it for the forwarder to bind.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// startTCPEcho runs an upstream that echoes everything back until EOF.
func startTCPEcho(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().String()
}

func dialStream(t *testing.T, port int) net.Conn {
	t.Helper()
	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestForwarder_TCPRoundTrip(t *testing.T) {
	upstream := startTCPEcho(t)
	port := freePort(t)

	f := NewForwarder()
	t.Cleanup(f.Close)
	f.Apply(snapshot.StreamDiff{Added: []snapshot.Stream{{
		Key:         snapshot.StreamKey{Protocol: "tcp", Port: port},
		ForwardAddr: upstream,
	}}})

	conn := dialStream(t, port)
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		connections, bytes := f.Totals()
		return connections == 1 && bytes >= 8
	}, 5*time.Second, 50*time.Millisecond)
}

func TestForwarder_RemoveClosesListener(t *testing.T) {
	upstream := startTCPEcho(t)
	port := freePort(t)
	key := snapshot.StreamKey{Protocol: "tcp", Port: port}
	stream := snapshot.Stream{Key: key, ForwardAddr: upstream}

	f := NewForwarder()
	t.Cleanup(f.Close)
	f.Apply(snapshot.StreamDiff{Added: []snapshot.Stream{stream}})
	dialStream(t, port)

	f.Apply(snapshot.StreamDiff{Removed: []snapshot.Stream{stream}})

	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
		if err != nil {
			return true
		}
		_ = conn.Close()
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestForwarder_ChangedReopensWithNewTarget(t *testing.T) {
	first := startTCPEcho(t)

	// The second upstream answers with a fixed banner instead of an echo.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = c.Write([]byte("banner"))
			}(conn)
		}
	}()

	port := freePort(t)
	key := snapshot.StreamKey{Protocol: "tcp", Port: port}

	f := NewForwarder()
	t.Cleanup(f.Close)
	f.Apply(snapshot.StreamDiff{Added: []snapshot.Stream{{Key: key, ForwardAddr: first}}})
	dialStream(t, port)

	f.Apply(snapshot.StreamDiff{Changed: []snapshot.Stream{{Key: key, ForwardAddr: l.Addr().String()}}})

	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		if err != nil {
			return false
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 6)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return false
		}
		return string(buf) == "banner"
	}, 5*time.Second, 100*time.Millisecond)
}

func TestForwarder_UDPRoundTrip(t *testing.T) {
	// UDP upstream that echoes one datagram per read.
	upstreamConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = upstreamConn.Close() })
	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := upstreamConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = upstreamConn.WriteToUDP(buf[:n], addr)
		}
	}()

	port := freePort(t)
	f := NewForwarder()
	t.Cleanup(f.Close)
	f.Apply(snapshot.StreamDiff{Added: []snapshot.Stream{{
		Key:         snapshot.StreamKey{Protocol: "udp", Port: port},
		ForwardAddr: upstreamConn.LocalAddr().String(),
	}}})

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	buf := make([]byte, 4)
	require.Eventually(t, func() bool {
		_, _ = conn.Write([]byte("ping"))
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf)
		return err == nil && string(buf[:n]) == "ping"
	}, 5*time.Second, 100*time.Millisecond)
}
