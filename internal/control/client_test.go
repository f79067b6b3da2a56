package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapback-dev/snapback/internal/protocol"
)

func tcpDial(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

func newTestClient(t *testing.T, addr string, opts ClientOptions) *Client {
	t.Helper()
	opts.Address = addr
	opts.Dial = tcpDial
	c := NewClient(opts)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestClientPing(t *testing.T) {
	_, addr := startTestServer(t, ServerOptions{}, nil)
	c := newTestClient(t, addr, ClientOptions{})

	res, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Pong)
	assert.True(t, c.Connected())
}

func TestClientDaemonErrors(t *testing.T) {
	_, addr := startTestServer(t, ServerOptions{}, nil)
	c := newTestClient(t, addr, ClientOptions{})
	ctx := context.Background()

	err := c.Request(ctx, "test.echo", map[string]any{}, nil)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidParams), "got %v", err)

	err = c.Request(ctx, "no.such", nil, nil)
	var de *protocol.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, protocol.KindMethodNotFound, de.Kind)
	assert.Equal(t, protocol.CodeMethodNotFound, de.Code)
	assert.False(t, protocol.IsTransient(err))

	var out struct{ Text string }
	require.NoError(t, c.Request(ctx, "test.echo", echoParams{Text: "hello"}, &out))
	assert.Equal(t, "hello", out.Text)
}

func TestClientConcurrentRequests(t *testing.T) {
	_, addr := startTestServer(t, ServerOptions{}, nil)
	c := newTestClient(t, addr, ClientOptions{})

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text := strconv.Itoa(i)
			var out struct{ Text string }
			if err := c.Request(context.Background(), "test.echo", echoParams{Text: text}, &out); err != nil {
				errs <- err
				return
			}
			if out.Text != text {
				errs <- errors.New("response routed to the wrong request: " + out.Text + " != " + text)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, c.PendingRequests())
}

func TestClientRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	_, addr := startTestServer(t, ServerOptions{}, func(s *Server) {
		s.Handle("test.wait", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
			<-release
			return nil, nil
		})
	})
	c := newTestClient(t, addr, ClientOptions{RequestTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := c.Request(context.Background(), "test.wait", nil, nil)
	assert.True(t, protocol.IsKind(err, protocol.KindTimeout), "got %v", err)
	assert.True(t, protocol.IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, c.PendingRequests())

	_, err = c.Ping(context.Background())
	assert.NoError(t, err, "client stays usable after a timeout")
}

func TestClientContextCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	_, addr := startTestServer(t, ServerOptions{}, func(s *Server) {
		s.Handle("test.wait", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
			<-release
			return nil, nil
		})
	})
	c := newTestClient(t, addr, ClientOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := c.Request(ctx, "test.wait", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.PendingRequests())
}

func TestClientDisconnectRejectsPending(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	_, addr := startTestServer(t, ServerOptions{}, func(s *Server) {
		s.Handle("test.wait", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
			<-release
			return nil, nil
		})
	})
	c := newTestClient(t, addr, ClientOptions{})

	done := make(chan error, 1)
	go func() { done <- c.Request(context.Background(), "test.wait", nil, nil) }()
	require.Eventually(t, func() bool { return c.PendingRequests() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	err := <-done
	assert.True(t, protocol.IsKind(err, protocol.KindConnection), "got %v", err)
	assert.False(t, protocol.IsTransient(err))
	assert.False(t, c.Connected())

	err = c.Request(context.Background(), MethodPing, nil, nil)
	assert.True(t, protocol.IsKind(err, protocol.KindConnection))
}

func TestClientConnectNotRunning(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := NewClient(ClientOptions{Address: addr, Dial: tcpDial})
	err = c.Connect(context.Background())
	var de *protocol.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, protocol.KindConnection, de.Kind)
	assert.Equal(t, protocol.CodeDaemonNotRunning, de.Code)
	assert.True(t, de.Transient)
}

func TestClientNotifications(t *testing.T) {
	srv, addr := startTestServer(t, ServerOptions{}, func(s *Server) {
		Register(s, "test.join", func(ctx context.Context, conn *Conn, p *echoParams) (any, error) {
			conn.Subscribe(p.Text)
			return nil, nil
		})
	})
	c := newTestClient(t, addr, ClientOptions{})
	require.NoError(t, c.Request(context.Background(), "test.join", echoParams{Text: "/ws"}, nil))

	srv.BroadcastToWorkspace("/ws", protocol.NewNotification(protocol.NotificationParams{
		Type:      NotifyFileChanged,
		Workspace: "/ws",
		Data:      FileChangedData{Event: "add", File: "src/a.ts", RiskLevel: "low"},
	}))

	select {
	case n := <-c.Notifications():
		assert.Equal(t, NotifyFileChanged, n.Params.Type)
		data, err := DecodeData[FileChangedData](n)
		require.NoError(t, err)
		assert.Equal(t, "src/a.ts", data.File)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

// flakyListener accepts connections and hands them to the test.
func flakyListener(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	conns := make(chan net.Conn, 8)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()
	t.Cleanup(func() { l.Close() })
	return l, conns
}

func TestClientReconnects(t *testing.T) {
	l, conns := flakyListener(t)
	c := newTestClient(t, l.Addr().String(), ClientOptions{
		Reconnect:            true,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    40 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})

	first := <-conns
	first.Close()

	select {
	case second := <-conns:
		defer second.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
}

func TestClientReconnectExhausted(t *testing.T) {
	l, conns := flakyListener(t)
	lost := make(chan error, 1)
	c := newTestClient(t, l.Addr().String(), ClientOptions{
		Reconnect:            true,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	c.OnConnectionLost(func(err error) { lost <- err })

	first := <-conns
	l.Close()
	first.Close()

	select {
	case err := <-lost:
		assert.True(t, protocol.IsKind(err, protocol.KindConnection), "got %v", err)
		assert.False(t, protocol.IsTransient(err), "exhaustion is terminal")
	case <-time.After(3 * time.Second):
		t.Fatal("connection loss not reported")
	}
	assert.False(t, c.Connected())
}

func TestClientLostWithoutReconnect(t *testing.T) {
	l, conns := flakyListener(t)
	lost := make(chan error, 1)
	c := newTestClient(t, l.Addr().String(), ClientOptions{})
	c.OnConnectionLost(func(err error) { lost <- err })

	(<-conns).Close()

	select {
	case err := <-lost:
		assert.True(t, protocol.IsKind(err, protocol.KindConnection))
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}
}
