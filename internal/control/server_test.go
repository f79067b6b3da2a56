package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapback-dev/snapback/internal/protocol"
)

type echoParams struct {
	Text string `json:"text"`
}

func (p *echoParams) Validate() error {
	if p.Text == "" {
		return errors.New(`"text" is required`)
	}
	return nil
}

func startTestServer(t *testing.T, opts ServerOptions, setup func(*Server)) (*Server, string) {
	t.Helper()
	srv := NewServer(opts)
	srv.Handle(MethodPing, func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		return PingResult{Pong: true}, nil
	})
	Register(srv, "test.echo", func(ctx context.Context, conn *Conn, p *echoParams) (any, error) {
		return map[string]string{"text": p.Text}, nil
	})
	if setup != nil {
		setup(srv)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, l.Addr().String()
}

type rawConn struct {
	t *testing.T
	net.Conn
	r *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &rawConn{t: t, Conn: c, r: bufio.NewReader(c)}
}

func (c *rawConn) send(line string) {
	c.t.Helper()
	_, err := c.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *rawConn) readLine() []byte {
	c.t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	require.NoError(c.t, err)
	return line
}

func (c *rawConn) read() *protocol.Message {
	c.t.Helper()
	msg, err := protocol.ParseMessage(c.readLine())
	require.NoError(c.t, err)
	return msg
}

func (c *rawConn) call(id, method, params string) *protocol.Response {
	c.t.Helper()
	if params == "" {
		params = "{}"
	}
	c.send(`{"jsonrpc":"2.0","id":"` + id + `","method":"` + method + `","params":` + params + `}`)
	msg := c.read()
	require.NotNil(c.t, msg.Response)
	return msg.Response
}

func errorType(t *testing.T, resp *protocol.Response) protocol.Kind {
	t.Helper()
	require.NotNil(t, resp.Error, "expected an error response")
	return protocol.FromObject(resp.Error).Kind
}

func TestServerPing(t *testing.T) {
	_, addr := startTestServer(t, ServerOptions{}, nil)
	c := dialRaw(t, addr)

	resp := c.call("1", MethodPing, "")
	require.Nil(t, resp.Error)
	assert.Equal(t, "1", resp.ID)
	assert.JSONEq(t, `{"pong":true,"uptime":0}`, string(resp.Result))
}

func TestServerParseErrorKeepsConnection(t *testing.T) {
	_, addr := startTestServer(t, ServerOptions{}, nil)
	c := dialRaw(t, addr)

	c.send("this is not json")
	line := c.readLine()
	var raw map[string]any
	require.NoError(t, json.Unmarshal(line, &raw))
	require.Contains(t, raw, "id")
	assert.Nil(t, raw["id"], "unidentified requests are answered with a null id")
	msg, err := protocol.ParseMessage(line)
	require.NoError(t, err)
	require.NotNil(t, msg.Response)
	assert.Equal(t, protocol.CodeParseError, msg.Response.Error.Code)

	c.send(`{"jsonrpc":"2.0","method":"daemon.ping"}`)
	msg = c.read()
	assert.Equal(t, protocol.CodeInvalidRequest, msg.Response.Error.Code)

	resp := c.call("2", MethodPing, "")
	assert.Nil(t, resp.Error, "connection should survive malformed lines")
}

func TestServerMethodNotFound(t *testing.T) {
	_, addr := startTestServer(t, ServerOptions{}, nil)
	c := dialRaw(t, addr)

	resp := c.call("1", "daemon.png", "")
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)

	de := protocol.FromObject(resp.Error)
	assert.Equal(t, protocol.KindMethodNotFound, de.Kind)
	assert.Contains(t, de.Context["suggestions"], MethodPing)
}

func TestServerInvalidParams(t *testing.T) {
	_, addr := startTestServer(t, ServerOptions{}, nil)
	c := dialRaw(t, addr)

	resp := c.call("1", "test.echo", `{"text":""}`)
	assert.Equal(t, protocol.KindInvalidParams, errorType(t, resp))
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)

	resp = c.call("2", "test.echo", `{"text":42}`)
	assert.Equal(t, protocol.KindInvalidParams, errorType(t, resp))

	resp = c.call("3", "test.echo", `{"text":"hi"}`)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"text":"hi"}`, string(resp.Result))
}

func TestServerRequestTooLarge(t *testing.T) {
	_, addr := startTestServer(t, ServerOptions{MaxBufferSize: 1024}, nil)
	c := dialRaw(t, addr)

	c.send(`{"jsonrpc":"2.0","id":"1","method":"test.echo","params":{"text":"` + strings.Repeat("x", 2048) + `"}}`)
	msg := c.read()
	require.NotNil(t, msg.Response)
	assert.Equal(t, protocol.KindRequestTooLarge, errorType(t, msg.Response))
	assert.Equal(t, protocol.CodeInvalidRequest, msg.Response.Error.Code)

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.r.ReadBytes('\n')
	assert.Error(t, err, "connection should be closed after an oversized request")
}

func TestServerMaxConnections(t *testing.T) {
	srv, addr := startTestServer(t, ServerOptions{MaxConnections: 1}, nil)

	first := dialRaw(t, addr)
	require.Nil(t, first.call("1", MethodPing, "").Error)

	second := dialRaw(t, addr)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := second.r.ReadBytes('\n')
	assert.Error(t, err, "connection over the limit should be closed without a response")

	stats := srv.Stats()
	assert.Equal(t, int64(1), stats.TotalConnections)
	assert.Equal(t, 1, stats.ActiveConnections)
}

func TestServerOperationTimeout(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	srv, addr := startTestServer(t, ServerOptions{OperationTimeout: 50 * time.Millisecond}, func(s *Server) {
		s.Handle("test.slow", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
			<-release
			finished.Store(true)
			return "late", nil
		})
	})
	c := dialRaw(t, addr)

	resp := c.call("1", "test.slow", "")
	assert.Equal(t, protocol.KindTimeout, errorType(t, resp))
	assert.Equal(t, protocol.CodeTimeout, resp.Error.Code)
	assert.Equal(t, int64(1), srv.Stats().InFlight, "handler keeps running after the timeout")

	close(release)
	require.Eventually(t, finished.Load, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Stats().InFlight == 0 }, time.Second, 5*time.Millisecond)

	// The late result is discarded; the next response belongs to the next request.
	resp = c.call("2", MethodPing, "")
	assert.Equal(t, "2", resp.ID)
}

func TestServerPanicBecomesInternalError(t *testing.T) {
	_, addr := startTestServer(t, ServerOptions{}, func(s *Server) {
		s.Handle("test.panic", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
			panic("boom")
		})
	})
	c := dialRaw(t, addr)

	resp := c.call("1", "test.panic", "")
	assert.Equal(t, protocol.KindInternal, errorType(t, resp))
	assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)

	assert.Nil(t, c.call("2", MethodPing, "").Error)
}

func TestServerOutOfOrderCompletion(t *testing.T) {
	release := make(chan struct{})
	_, addr := startTestServer(t, ServerOptions{}, func(s *Server) {
		s.Handle("test.wait", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
			<-release
			return "slow", nil
		})
	})
	c := dialRaw(t, addr)

	c.send(`{"jsonrpc":"2.0","id":"slow","method":"test.wait"}`)
	c.send(`{"jsonrpc":"2.0","id":"fast","method":"daemon.ping"}`)

	first := c.read()
	assert.Equal(t, "fast", first.Response.ID)
	close(release)
	second := c.read()
	assert.Equal(t, "slow", second.Response.ID)
}

func TestServerBroadcastToWorkspace(t *testing.T) {
	srv, addr := startTestServer(t, ServerOptions{}, func(s *Server) {
		Register(s, "test.join", func(ctx context.Context, conn *Conn, p *echoParams) (any, error) {
			conn.Subscribe(p.Text)
			return nil, nil
		})
	})

	member := dialRaw(t, addr)
	other := dialRaw(t, addr)
	require.Nil(t, member.call("1", "test.join", `{"text":"/ws"}`).Error)
	require.Nil(t, other.call("1", "test.join", `{"text":"/elsewhere"}`).Error)

	n := protocol.NewNotification(protocol.NotificationParams{Type: NotifyFileChanged, Workspace: "/ws"})
	assert.Equal(t, 1, srv.BroadcastToWorkspace("/ws", n))

	msg := member.read()
	require.NotNil(t, msg.Notification)
	assert.Equal(t, NotifyFileChanged, msg.Notification.Params.Type)
	assert.Equal(t, "/ws", msg.Notification.Params.Workspace)

	// other only sees its own next response.
	assert.Equal(t, "2", other.call("2", MethodPing, "").ID)
}

func TestServerDisconnectHook(t *testing.T) {
	gone := make(chan string, 1)
	_, addr := startTestServer(t, ServerOptions{}, func(s *Server) {
		s.OnDisconnect(func(c *Conn) { gone <- c.ID() })
	})

	c := dialRaw(t, addr)
	require.Nil(t, c.call("1", MethodPing, "").Error)
	c.Close()

	select {
	case id := <-gone:
		assert.True(t, strings.HasPrefix(id, "conn_"), "unexpected id %q", id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook did not run")
	}
}

func TestServerShutdownDrains(t *testing.T) {
	var activity atomic.Int32
	release := make(chan struct{})
	srv, addr := startTestServer(t, ServerOptions{}, func(s *Server) {
		s.OnActivity(func(string) { activity.Add(1) })
		s.Handle("test.wait", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
			<-release
			return "done", nil
		})
	})
	c := dialRaw(t, addr)
	c.send(`{"jsonrpc":"2.0","id":"1","method":"test.wait"}`)
	require.Eventually(t, func() bool { return srv.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	msg := c.read()
	require.NotNil(t, msg.Response)
	assert.Equal(t, "1", msg.Response.ID)
	assert.Nil(t, msg.Response.Error)
	require.NoError(t, <-shutdownErr)
	assert.Equal(t, int32(1), activity.Load())

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

func TestServerShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv, addr := startTestServer(t, ServerOptions{}, func(s *Server) {
		s.Handle("test.wait", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		})
	})
	c := dialRaw(t, addr)
	c.send(`{"jsonrpc":"2.0","id":"1","method":"test.wait"}`)
	require.Eventually(t, func() bool { return srv.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := srv.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, func() bool { return srv.Stats().InFlight == 0 }, time.Second, 5*time.Millisecond,
		"handler context should be cancelled after the drain deadline")
}
