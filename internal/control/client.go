package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/snapback-dev/snapback/internal/config"
	"github.com/snapback-dev/snapback/internal/executil"
	"github.com/snapback-dev/snapback/internal/logging"
	"github.com/snapback-dev/snapback/internal/protocol"
	"github.com/snapback-dev/snapback/internal/transport"
)

const (
	daemonName         = "snapbackd"
	notificationBuffer = 256
	startupPoll        = 50 * time.Millisecond
)

var errClientClosed = errors.New("client closed")

// DialFunc opens a connection to the daemon.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

// ClientOptions configures a Client.
type ClientOptions struct {
	Address        string
	RequestTimeout time.Duration

	// AutoStart spawns DaemonBinary when nothing listens on Address.
	AutoStart      bool
	DaemonBinary   string
	DaemonArgs     []string
	StartupTimeout time.Duration

	// Reconnect re-dials after an unexpected close, doubling the delay from
	// ReconnectBaseDelay up to ReconnectMaxDelay for at most MaxReconnectAttempts.
	Reconnect            bool
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	Dial DialFunc
}

// ClientOptionsFromConfig derives client options from the shared config.
func ClientOptionsFromConfig(cfg *config.Config) ClientOptions {
	opts := ClientOptions{
		Address:              cfg.Daemon.Address,
		RequestTimeout:       cfg.Client.RequestTimeout,
		AutoStart:            cfg.Client.AutoStart,
		DaemonBinary:         cfg.Client.DaemonBinary,
		StartupTimeout:       cfg.Client.StartupTimeout,
		Reconnect:            cfg.Client.Reconnect.MaxAttempts > 0,
		ReconnectBaseDelay:   cfg.Client.Reconnect.BaseDelay,
		ReconnectMaxDelay:    cfg.Client.Reconnect.MaxDelay,
		MaxReconnectAttempts: cfg.Client.Reconnect.MaxAttempts,
	}
	if p := os.Getenv("SNAPBACK_CONFIG"); p != "" {
		opts.DaemonArgs = append(opts.DaemonArgs, "--config", p)
	}
	return opts
}

type result struct {
	resp *protocol.Response
	err  error
}

type pendingCall struct {
	method string
	done   chan result
	timer  *time.Timer
}

// Client talks to snapbackd over one connection. Requests may be issued
// concurrently.
type Client struct {
	opts ClientOptions

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	pending map[string]*pendingCall
	onLost  []func(error)

	writeMu sync.Mutex
	nextID  atomic.Uint64

	notifications chan *protocol.Notification
}

// NewClient creates a client. Call Connect before issuing requests.
func NewClient(opts ClientOptions) *Client {
	if opts.Address == "" {
		opts.Address = transport.DefaultAddress(config.DefaultDaemonDir())
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 5 * time.Second
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = 100 * time.Millisecond
	}
	if opts.ReconnectMaxDelay < opts.ReconnectBaseDelay {
		opts.ReconnectMaxDelay = max(5*time.Second, opts.ReconnectBaseDelay)
	}
	if opts.Dial == nil {
		opts.Dial = transport.Dial
	}
	return &Client{
		opts:          opts,
		pending:       make(map[string]*pendingCall),
		notifications: make(chan *protocol.Notification, notificationBuffer),
	}
}

// Notifications delivers server pushes. The channel is never closed; when it
// is full new notifications are dropped.
func (c *Client) Notifications() <-chan *protocol.Notification {
	return c.notifications
}

// OnConnectionLost registers fn to run when the connection is gone for good:
// either it closed unexpectedly with reconnect disabled, or every reconnect
// attempt failed.
func (c *Client) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = append(c.onLost, fn)
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the daemon, starting it first if allowed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.mu.Unlock()

	conn, err := c.opts.Dial(ctx, c.opts.Address)
	if err != nil {
		if !transport.IsNotRunning(err) || !c.opts.AutoStart {
			return protocol.NewConnectionError("daemon is not running at "+c.opts.Address, true, err)
		}
		if conn, err = c.startDaemon(ctx); err != nil {
			return err
		}
	}
	return c.attach(conn)
}

func (c *Client) startDaemon(ctx context.Context) (net.Conn, error) {
	bin, err := c.daemonBinary()
	if err != nil {
		return nil, protocol.NewConnectionError("cannot locate snapbackd", false, err)
	}
	logging.Info("starting daemon", "binary", bin)
	if err := spawnDetached(bin, c.opts.DaemonArgs); err != nil {
		return nil, protocol.NewConnectionError("failed to start daemon", false, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.StartupTimeout)
	defer cancel()
	ticker := time.NewTicker(startupPoll)
	defer ticker.Stop()
	for {
		conn, err := c.opts.Dial(ctx, c.opts.Address)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, protocol.NewConnectionError(
				fmt.Sprintf("daemon did not start within %s", c.opts.StartupTimeout), true, err)
		case <-ticker.C:
		}
	}
}

// daemonBinary prefers the configured path, then snapbackd next to the
// running executable, then the safe part of $PATH.
func (c *Client) daemonBinary() (string, error) {
	name := daemonName
	if c.opts.DaemonBinary != "" {
		name = c.opts.DaemonBinary
	}
	return executil.LookPath(name)
}

func (c *Client) attach(conn net.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineSize+1)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.ParseMessage(line)
		if err != nil {
			logging.Debug("ignoring malformed message from daemon", "error", err)
			continue
		}
		if msg.Notification != nil {
			select {
			case c.notifications <- msg.Notification:
			default:
				logging.Warn("notification buffer full, dropping", "type", msg.Notification.Params.Type)
			}
			continue
		}
		if msg.Response.ID == "" {
			// The server could not read a request well enough to answer it.
			logging.Warn("daemon rejected a request", "error", protocol.FromObject(msg.Response.Error))
			continue
		}
		if p, ok := c.take(msg.Response.ID); ok {
			p.done <- result{resp: msg.Response}
		}
	}
	c.lost(conn, scanner.Err())
}

// take removes a pending call. Whoever takes it settles it.
func (c *Client) take(id string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}

// takeAll removes every pending call. Called with c.mu held.
func (c *Client) takeAll() map[string]*pendingCall {
	pend := c.pending
	c.pending = make(map[string]*pendingCall)
	for _, p := range pend {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	return pend
}

func (c *Client) lost(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	conn.Close()
	pend := c.takeAll()
	intentional := c.closed
	c.mu.Unlock()

	connErr := protocol.NewConnectionError("connection to daemon lost", true, cause)
	for _, p := range pend {
		p.done <- result{err: connErr}
	}
	if intentional {
		return
	}

	logging.Warn("connection to daemon lost", "error", cause, "pending", len(pend))
	if c.opts.Reconnect && c.opts.MaxReconnectAttempts > 0 {
		go c.reconnect()
		return
	}
	c.notifyLost(protocol.NewConnectionError("connection to daemon lost", false, cause))
}

func (c *Client) reconnect() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectBaseDelay
	b.MaxInterval = c.opts.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := 0
	op := func() error {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return backoff.Permanent(errClientClosed)
		}

		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), transport.DialTimeout)
		defer cancel()
		conn, err := c.opts.Dial(ctx, c.opts.Address)
		if err != nil {
			return err
		}
		if err := c.attach(conn); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		logging.Debug("reconnect attempt failed", "attempt", attempts, "error", err, "retry_in", next)
	}

	// The first attempt also waits one base delay.
	time.Sleep(c.opts.ReconnectBaseDelay)
	err := backoff.RetryNotify(op, backoff.WithMaxRetries(b, uint64(c.opts.MaxReconnectAttempts-1)), notify)
	if err == nil {
		logging.Info("reconnected to daemon", "attempts", attempts)
		return
	}
	if errors.Is(err, errClientClosed) {
		return
	}
	c.notifyLost(protocol.NewConnectionError(
		fmt.Sprintf("reconnect failed after %d attempts", attempts), false, err))
}

func (c *Client) notifyLost(err error) {
	c.mu.Lock()
	hooks := append([]func(error){}, c.onLost...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

// Disconnect closes the connection and fails every pending request. It
// disables reconnecting until the next Connect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	pend := c.takeAll()
	c.mu.Unlock()

	connErr := protocol.NewConnectionError("client disconnected", false, nil)
	for _, p := range pend {
		p.done <- result{err: connErr}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Request calls method and decodes the result into out, which may be nil.
// Errors returned by the daemon are *protocol.Error.
func (c *Client) Request(ctx context.Context, method string, params, out any) error {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return protocol.NewError(protocol.KindInvalidParams, err.Error(), nil)
	}
	line, err := protocol.Serialize(req)
	if err != nil {
		return err
	}

	p := &pendingCall{method: method, done: make(chan result, 1)}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return protocol.NewConnectionError("not connected to daemon", true, nil)
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(c.opts.RequestTimeout, func() {
		if p, ok := c.take(id); ok {
			p.done <- result{err: protocol.NewError(protocol.KindTimeout,
				fmt.Sprintf("request %s timed out after %s", method, c.opts.RequestTimeout),
				map[string]any{"method": method, "id": id})}
		}
	})
	c.mu.Unlock()

	c.writeMu.Lock()
	_, werr := conn.Write(line)
	c.writeMu.Unlock()
	if werr != nil {
		if p, ok := c.take(id); ok {
			p.done <- result{err: protocol.NewConnectionError("failed to send request", true, werr)}
		}
	}

	var r result
	select {
	case r = <-p.done:
	case <-ctx.Done():
		if p, ok := c.take(id); ok {
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = protocol.ToDaemonError(err)
			}
			p.done <- result{err: err}
		}
		r = <-p.done
	}

	if r.err != nil {
		return r.err
	}
	if r.resp.Error != nil {
		return protocol.FromObject(r.resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// PendingRequests returns how many requests await a response.
func (c *Client) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
