package transport

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDevice answers every request line with the scripted lines, in order.
func fakeDevice(t *testing.T, conn net.Conn, replies ...[]string) {
	t.Helper()
	go func() {
		reader := bufio.NewReader(conn)
		for _, lines := range replies {
			if _, err := reader.ReadBytes('\n'); err != nil {
				return
			}
			for _, line := range lines {
				if _, err := conn.Write([]byte(line + "\n")); err != nil {
					return
				}
			}
		}
	}()
}

func TestConnRoundTrip(t *testing.T) {
	host, device := net.Pipe()
	defer host.Close()
	defer device.Close()

	fakeDevice(t, device, []string{`{"jsonrpc":"2.0","id":0,"result":"1"}`})

	conn := NewConn(host, 350)
	frame, err := conn.RoundTrip(context.Background(), []byte(`{"jsonrpc":"2.0","id":0,"method":"m","params":["a"]}`), nil)
	require.NoError(t, err)
	require.Equal(t, `{"jsonrpc":"2.0","id":0,"result":"1"}`, string(frame))
}

func TestConnSkipsNoiseAndUnmatchedFrames(t *testing.T) {
	host, device := net.Pipe()
	defer host.Close()
	defer device.Close()

	fakeDevice(t, device, []string{
		"booting...",
		`{"jsonrpc":"2.0","id":7,"result":"stale"}`,
		`{"jsonrpc":"2.0","id":8,"result":"fresh"}`,
	})

	conn := NewConn(host, 350)
	frame, err := conn.RoundTrip(context.Background(), []byte(`{}`), func(frame []byte) bool {
		return string(frame) == `{"jsonrpc":"2.0","id":8,"result":"fresh"}`
	})
	require.NoError(t, err)
	require.Contains(t, string(frame), "fresh")
}

func TestConnTimeout(t *testing.T) {
	host, device := net.Pipe()
	defer host.Close()
	defer device.Close()

	// swallow the request and never answer
	go func() {
		bufio.NewReader(device).ReadBytes('\n') // nolint: errcheck
	}()

	conn := NewConn(host, 350)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.RoundTrip(ctx, []byte(`{}`), nil)
	require.Equal(t, ErrTimeout, err)
}

func TestConnClosedByPeer(t *testing.T) {
	host, device := net.Pipe()
	defer host.Close()

	go func() {
		bufio.NewReader(device).ReadBytes('\n') // nolint: errcheck
		device.Close()
	}()

	conn := NewConn(host, 350)
	_, err := conn.RoundTrip(context.Background(), []byte(`{}`), nil)
	require.Equal(t, ErrConnClosed, err)
}

func TestConnReceiveGreeting(t *testing.T) {
	host, device := net.Pipe()
	defer host.Close()
	defer device.Close()

	go func() {
		device.Write([]byte(`{"jsonrpc":"2.0","id":0,"result":"ready"}` + "\n")) // nolint: errcheck
	}()

	conn := NewConn(host, 350)
	frame, err := conn.Receive(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(frame), "ready")
}
