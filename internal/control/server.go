// Package control provides the daemon control plane: the JSON-RPC connection
// server the daemon runs and the client the CLI and editors use.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/snapback-dev/snapback/internal/logging"
	"github.com/snapback-dev/snapback/internal/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	drainTimeout   = 100 * time.Millisecond
	maxSuggestions = 3
)

// HandlerFunc handles one method. params is never nil; a missing params
// member arrives as {}.
type HandlerFunc func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error)

// Params is implemented by every method's parameter struct.
type Params[T any] interface {
	*T
	Validate() error
}

// Register installs a typed handler: params are decoded into a fresh T and
// validated before fn runs.
func Register[T any, P Params[T]](s *Server, method string, fn func(ctx context.Context, conn *Conn, p *T) (any, error)) {
	s.Handle(method, func(ctx context.Context, conn *Conn, raw json.RawMessage) (any, error) {
		p := new(T)
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, protocol.NewError(protocol.KindInvalidParams, "invalid params: "+err.Error(), map[string]any{"method": method})
		}
		if err := P(p).Validate(); err != nil {
			var de *protocol.Error
			if errors.As(err, &de) {
				return nil, de
			}
			return nil, protocol.NewError(protocol.KindInvalidParams, err.Error(), map[string]any{"method": method})
		}
		return fn(ctx, conn, p)
	})
}

// ServerOptions bounds what the server accepts.
type ServerOptions struct {
	MaxConnections   int
	MaxBufferSize    int
	OperationTimeout time.Duration
}

// Stats is a snapshot of connection counters.
type Stats struct {
	TotalConnections  int64 `json:"connections"`
	ActiveConnections int   `json:"activeConnections"`
	InFlight          int64 `json:"inFlight"`
}

// Server accepts connections and dispatches requests to registered handlers.
type Server struct {
	opts ServerOptions

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	conns    map[*Conn]struct{}
	listener net.Listener
	closing  bool

	onActivity   []func(method string)
	onDisconnect []func(*Conn)

	total    atomic.Int64
	inFlight atomic.Int64
	running  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a control server. Zero options take protocol defaults.
func NewServer(opts ServerOptions) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 50
	}
	if opts.MaxBufferSize <= 0 || opts.MaxBufferSize > protocol.MaxLineSize {
		opts.MaxBufferSize = protocol.MaxLineSize
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers a handler for a method.
func (s *Server) Handle(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Methods lists the registered method names, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OnActivity registers fn to run whenever a request reaches a handler.
func (s *Server) OnActivity(fn func(method string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onActivity = append(s.onActivity, fn)
}

// OnDisconnect registers fn to run after a connection is closed.
func (s *Server) OnDisconnect(fn func(*Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// Serve accepts connections on l until Shutdown. It returns nil after a
// shutdown and the accept error otherwise.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	for {
		nc, err := l.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		c, ok := s.admit(nc)
		if !ok {
			logging.Warn("connection limit reached, rejecting", "max", s.opts.MaxConnections)
			nc.Close()
			continue
		}
		go s.serveConn(c)
	}
}

func (s *Server) admit(nc net.Conn) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || len(s.conns) >= s.opts.MaxConnections {
		return nil, false
	}
	c := &Conn{
		id:         fmt.Sprintf("conn_%d", s.total.Add(1)),
		nc:         nc,
		workspaces: make(map[string]struct{}),
	}
	s.conns[c] = struct{}{}
	return c, true
}

func (s *Server) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

func (s *Server) serveConn(c *Conn) {
	defer s.drop(c)
	logging.Debug("client connected", "conn", c.id)

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 64*1024), s.opts.MaxBufferSize+1)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := protocol.ParseRequest(line)
		if err != nil {
			de := protocol.ToDaemonError(err)
			id, _ := de.Context["id"].(string)
			c.send(protocol.ErrorResponse(id, de))
			continue
		}

		s.dispatch(c, req)
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			de := protocol.NewError(protocol.KindRequestTooLarge,
				fmt.Sprintf("request exceeds %d byte limit", s.opts.MaxBufferSize),
				map[string]any{"limit": s.opts.MaxBufferSize})
			c.send(protocol.ErrorResponse("", de))
			logging.Warn("request too large, closing connection", "conn", c.id)
			// Discard the rest of the oversized line so closing does not
			// reset the connection before the client reads the error.
			c.nc.SetReadDeadline(time.Now().Add(drainTimeout))
			io.Copy(io.Discard, c.nc)
			return
		}
		if !c.closed.Load() {
			logging.Debug("connection read error", "conn", c.id, "error", err)
		}
	}
}

func (s *Server) drop(c *Conn) {
	c.close()

	s.mu.Lock()
	delete(s.conns, c)
	hooks := slices.Clone(s.onDisconnect)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(c)
	}
	logging.Debug("client disconnected", "conn", c.id)
}

// dispatch routes req in arrival order and runs its handler asynchronously.
func (s *Server) dispatch(c *Conn, req *protocol.Request) {
	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		c.send(protocol.ErrorResponse(req.ID, s.methodNotFound(req.Method)))
		return
	}

	// Add under the lock so Shutdown never waits on a zero counter that is
	// about to grow.
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		c.send(protocol.ErrorResponse(req.ID, protocol.NewConnectionError("daemon is shutting down", true, nil)))
		return
	}
	s.running.Add(1)
	hooks := slices.Clone(s.onActivity)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(req.Method)
	}

	// Exactly one of the handler result and the timeout is sent. A timed-out
	// handler keeps running until it returns or the server shuts down.
	var answered sync.Once
	respond := func(resp *protocol.Response) bool {
		sent := false
		answered.Do(func() {
			c.send(resp)
			sent = true
		})
		return sent
	}

	timer := time.AfterFunc(s.opts.OperationTimeout, func() {
		logging.Warn("operation timed out", "method", req.Method, "id", req.ID, "timeout", s.opts.OperationTimeout)
		respond(protocol.ErrorResponse(req.ID, protocol.NewError(protocol.KindTimeout,
			fmt.Sprintf("operation %s timed out after %s", req.Method, s.opts.OperationTimeout),
			map[string]any{"method": req.Method})))
	})

	s.inFlight.Add(1)
	go func() {
		defer s.running.Done()
		defer s.inFlight.Add(-1)
		resp := s.call(handler, c, req)
		timer.Stop()
		if !respond(resp) {
			logging.Debug("discarding late result", "method", req.Method, "id", req.ID)
		}
	}()
}

func (s *Server) call(handler HandlerFunc, c *Conn, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "method", req.Method, "conn", c.id)
			resp = protocol.ErrorResponse(req.ID, protocol.FromPanic(r))
		}
	}()

	v, err := handler(s.ctx, c, req.Params)
	if err != nil {
		de := protocol.ToDaemonError(err)
		if de.Kind == protocol.KindInternal {
			logging.Error("handler failed", "method", req.Method, "error", err)
			logging.CaptureError(err, "method", req.Method)
		}
		return protocol.ErrorResponse(req.ID, de)
	}
	if v == nil {
		v = struct{}{}
	}
	resp, err = protocol.NewResponse(req.ID, v)
	if err != nil {
		return protocol.ErrorResponse(req.ID, protocol.ToDaemonError(err))
	}
	return resp
}

func (s *Server) methodNotFound(method string) *protocol.Error {
	ctx := map[string]any{"method": method}
	var suggestions []string
	for _, m := range fuzzy.Find(method, s.Methods()) {
		suggestions = append(suggestions, m.Str)
		if len(suggestions) == maxSuggestions {
			break
		}
	}
	if len(suggestions) > 0 {
		ctx["suggestions"] = suggestions
	}
	return protocol.NewError(protocol.KindMethodNotFound, "method not found: "+method, ctx)
}

// BroadcastToWorkspace sends n to every connection subscribed to workspace
// and returns how many received it.
func (s *Server) BroadcastToWorkspace(workspace string, n *protocol.Notification) int {
	line, err := protocol.Serialize(n)
	if err != nil {
		logging.Error("failed to encode notification", "type", n.Params.Type, "error", err)
		return 0
	}

	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		if c.Subscribed(workspace) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.write(line) == nil {
			sent++
		}
	}
	return sent
}

// ForgetWorkspace unsubscribes every connection from workspace.
func (s *Server) ForgetWorkspace(workspace string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		c.Unsubscribe(workspace)
	}
}

// Broadcast sends n to every connection.
func (s *Server) Broadcast(n *protocol.Notification) {
	line, err := protocol.Serialize(n)
	if err != nil {
		return
	}
	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.write(line)
	}
}

// Stats returns the connection counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	active := len(s.conns)
	s.mu.RUnlock()
	return Stats{
		TotalConnections:  s.total.Load(),
		ActiveConnections: active,
		InFlight:          s.inFlight.Load(),
	}
}

// Shutdown stops accepting, waits for running handlers until ctx expires,
// then cancels the handler context and closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	l := s.listener
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.running.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("drain in-flight requests: %w", ctx.Err())
		logging.Warn("shutdown drain timed out", "in_flight", s.inFlight.Load())
	}
	s.cancel()

	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
	return err
}

// Conn is one client connection.
type Conn struct {
	id     string
	nc     net.Conn
	closed atomic.Bool

	writeMu sync.Mutex

	mu         sync.Mutex
	workspaces map[string]struct{}
}

// ID returns the connection identifier, "conn_<n>".
func (c *Conn) ID() string { return c.id }

// Subscribe adds workspace to the set this connection receives
// notifications for.
func (c *Conn) Subscribe(workspace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workspaces[workspace] = struct{}{}
}

// Unsubscribe reports whether workspace was subscribed.
func (c *Conn) Unsubscribe(workspace string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.workspaces[workspace]
	delete(c.workspaces, workspace)
	return ok
}

// Subscribed reports whether the connection receives workspace's
// notifications.
func (c *Conn) Subscribed(workspace string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.workspaces[workspace]
	return ok
}

// Workspaces lists the subscribed workspaces, sorted.
func (c *Conn) Workspaces() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.workspaces))
	for ws := range c.workspaces {
		out = append(out, ws)
	}
	slices.Sort(out)
	return out
}

// Notify sends a single notification to this connection.
func (c *Conn) Notify(n *protocol.Notification) error {
	line, err := protocol.Serialize(n)
	if err != nil {
		return err
	}
	return c.write(line)
}

func (c *Conn) send(msg any) {
	line, err := protocol.Serialize(msg)
	if err != nil {
		var id string
		if r, ok := msg.(*protocol.Response); ok {
			id = r.ID
		}
		line, _ = protocol.Serialize(protocol.ErrorResponse(id, protocol.ToDaemonError(err)))
	}
	if err := c.write(line); err != nil && !c.closed.Load() {
		logging.Debug("write failed, closing connection", "conn", c.id, "error", err)
		c.close()
	}
}

func (c *Conn) write(line []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.nc.Write(line)
	return err
}

func (c *Conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.nc.Close()
	}
}
