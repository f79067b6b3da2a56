// Package daemon implements the snapbackd background service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/snapback-dev/snapback/internal/config"
	"github.com/snapback-dev/snapback/internal/control"
	"github.com/snapback-dev/snapback/internal/lockfile"
	"github.com/snapback-dev/snapback/internal/logging"
	"github.com/snapback-dev/snapback/internal/pidfile"
	"github.com/snapback-dev/snapback/internal/protocol"
	"github.com/snapback-dev/snapback/internal/session"
	"github.com/snapback-dev/snapback/internal/store"
	"github.com/snapback-dev/snapback/internal/transport"
	"github.com/snapback-dev/snapback/internal/watcher"
)

// DrainTimeout is how long shutdown waits for background loops.
const DrainTimeout = 5 * time.Second

// State is a daemon lifecycle phase.
type State int

const (
	StateStarting State = iota
	StateListening
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventType names a lifecycle event.
type EventType string

const (
	EventStarted         EventType = "started"
	EventUncleanShutdown EventType = "unclean_shutdown"
	EventIdleTimeout     EventType = "idle_timeout"
	EventShutdownStarted EventType = "shutdown_started"
	EventConfigReloaded  EventType = "config_reloaded"
	EventTerminated      EventType = "terminated"
)

// Shutdown reasons carried by daemon_stopping notifications.
const (
	ReasonRequested = "requested"
	ReasonIdle      = "idle_timeout"
	ReasonSignal    = "signal"
)

// LifecycleEvent is delivered to OnEvent observers.
type LifecycleEvent struct {
	Type   EventType
	Reason string
	At     time.Time
}

// Options carries what the daemon needs beyond its config.
type Options struct {
	Version string
	// ConfigPath is re-read on SIGHUP. Empty means the default path.
	ConfigPath string
}

// Daemon owns the control server and everything its handlers touch.
type Daemon struct {
	config     *config.Config
	version    string
	configPath string

	server     *control.Server
	watcher    *watcher.Service
	sessions   *session.Tracker
	workspaces *workspaceRegistry
	store      *store.Store
	lock       *lockfile.Lockfile
	pid        *pidfile.Pidfile
	listener   net.Listener

	startedAt time.Time

	mu        sync.Mutex
	state     State
	observers []func(LifecycleEvent)
	// Safe-to-reload settings; guarded by mu.
	idleTimeout   time.Duration
	stateInterval time.Duration

	idleMu       sync.Mutex
	idleTimer    *time.Timer
	lastActivity time.Time
	idleFired    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a daemon instance. Nothing is acquired until Start.
func New(cfg *config.Config, opts Options) *Daemon {
	if opts.ConfigPath == "" {
		opts.ConfigPath = config.DefaultConfigPath()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:     cfg,
		version:    opts.Version,
		configPath: opts.ConfigPath,
		server: control.NewServer(control.ServerOptions{
			MaxConnections:   cfg.Daemon.MaxConnections,
			MaxBufferSize:    cfg.Daemon.MaxBufferSize,
			OperationTimeout: cfg.Daemon.OperationTimeout,
		}),
		watcher: watcher.New(watcher.Options{
			Debounce: cfg.Watcher.Debounce,
			Patterns: cfg.Watcher.Patterns,
			Ignore:   cfg.Watcher.Ignore,
		}),
		sessions:      session.NewTracker(session.MaxAccessLog),
		workspaces:    newWorkspaceRegistry(),
		lock:          lockfile.New(cfg.Daemon.LockFile),
		pid:           pidfile.New(cfg.Daemon.PIDFile),
		state:         StateStarting,
		idleTimeout:   cfg.Daemon.IdleTimeout,
		stateInterval: cfg.Daemon.StateInterval,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	d.server.OnActivity(d.touchActivity)
	d.server.OnDisconnect(d.handleDisconnect)
	d.registerHandlers()
	return d
}

// Start acquires the lock, binds the transport and starts background work.
// A failure releases whatever was acquired.
func (d *Daemon) Start() (err error) {
	cfg := d.config.Daemon
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}

	if err := d.lock.TryAcquire(); err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			return protocol.NewConnectionError(err.Error(), false, err)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err != nil {
			d.releaseFiles()
		}
	}()

	if prev, err := ReadState(cfg.StateFile); err != nil {
		logging.Warn("unreadable state file", "path", cfg.StateFile, "error", err)
	} else if prev != nil && !prev.Clean {
		logging.Warn("previous daemon did not shut down cleanly",
			"pid", prev.PID,
			"last_update", prev.UpdatedAt,
			"workspaces", len(prev.Workspaces))
		d.emit(EventUncleanShutdown, "")
	}

	st, err := store.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	st.SetLimits(store.Limits{
		MaxFileSize: d.config.Snapshots.MaxFileSize,
		MaxFiles:    d.config.Snapshots.MaxFiles,
		Workers:     d.config.Snapshots.Workers,
	})
	d.store = st

	l, err := transport.Listen(cfg.Address)
	if err != nil {
		st.Close()
		return protocol.NewConnectionError(fmt.Sprintf("bind %s: %v", cfg.Address, err), false, err)
	}
	d.listener = l

	if err := d.pid.Write(); err != nil {
		l.Close()
		st.Close()
		return fmt.Errorf("write pid file: %w", err)
	}

	d.startedAt = time.Now()
	d.safeGo("control-server", func() {
		if err := d.server.Serve(l); err != nil {
			logging.Error("control server stopped", "error", err)
		}
	})

	d.wg.Add(2)
	go d.safeLoop("watch-pump", d.pumpEvents)
	go d.safeLoop("state-writer", d.stateLoop)

	d.writeState(false)
	d.startIdleWatchdog()

	d.setState(StateListening)
	logging.Info("snapbackd listening",
		"address", cfg.Address,
		"transport", transport.Name,
		"pid", os.Getpid(),
		"version", d.version)
	d.emit(EventStarted, "")
	return nil
}

// Run starts the daemon and blocks until it terminates.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	// Buffer of 2 for second signal
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	return d.signalLoop(sigCh)
}

// signalLoop handles OS signals until the daemon terminates.
func (d *Daemon) signalLoop(sigCh <-chan os.Signal) error {
	for {
		select {
		case <-d.done:
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logging.Info("received SIGHUP, reloading config")
				if err := d.reloadConfig(); err != nil {
					logging.Error("config reload failed", "error", err)
				}

			case syscall.SIGINT, syscall.SIGTERM:
				logging.Info("received shutdown signal, starting graceful shutdown", "signal", sig.String())
				go d.Shutdown(ReasonSignal)

				select {
				case <-d.done:
					logging.Info("graceful shutdown complete")
					return nil
				case sig2 := <-sigCh:
					logging.Warn("received second signal, forcing immediate shutdown", "signal", sig2.String())
					d.forceShutdown()
					return fmt.Errorf("forced shutdown by signal: %s", sig2.String())
				}
			}
		}
	}
}

// Shutdown stops the daemon exactly once and blocks until it has terminated.
// Concurrent callers all wait for the same shutdown.
func (d *Daemon) Shutdown(reason string) {
	d.shutdownOnce.Do(func() {
		d.gracefulShutdown(reason)
		close(d.done)
	})
	<-d.done
}

func (d *Daemon) gracefulShutdown(reason string) {
	d.setState(StateShuttingDown)
	logging.Info("shutting down", "reason", reason)
	d.emit(EventShutdownStarted, reason)
	d.stopIdleWatchdog()

	if d.listener != nil {
		d.server.Broadcast(control.StoppingNotification(reason))

		ctx, cancel := context.WithTimeout(context.Background(), d.config.Daemon.OperationTimeout)
		if err := d.server.Shutdown(ctx); err != nil {
			logging.Warn("in-flight requests abandoned", "error", err)
		}
		cancel()
	}

	d.cancel()
	if err := d.watcher.CloseAll(); err != nil {
		logging.Warn("error closing watchers", "error", err)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(DrainTimeout):
		logging.Warn("drain timeout exceeded, background loops still running")
	}

	for _, sum := range d.sessions.EndAll() {
		d.persistSession(context.Background(), sum)
	}

	if d.listener != nil {
		d.writeState(true)
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logging.Error("error closing database", "error", err)
		}
	}
	d.releaseFiles()

	d.setState(StateTerminated)
	d.emit(EventTerminated, reason)
	logging.Info("snapbackd stopped", "reason", reason)
	logging.Flush(2 * time.Second)
}

// forceShutdown releases files without waiting for anything.
func (d *Daemon) forceShutdown() {
	d.cancel()
	if d.listener != nil {
		d.listener.Close()
	}
	d.watcher.CloseAll()
	if d.store != nil {
		d.store.Close()
	}
	d.releaseFiles()
	logging.Flush(500 * time.Millisecond)
}

func (d *Daemon) releaseFiles() {
	if !d.lock.Locked() {
		return
	}
	if err := transport.Cleanup(d.config.Daemon.Address); err != nil {
		logging.Warn("failed to remove socket", "error", err)
	}
	if err := d.pid.Remove(); err != nil {
		logging.Warn("failed to remove pid file", "error", err)
	}
	if err := d.lock.Release(); err != nil {
		logging.Warn("failed to release lock", "error", err)
	}
}

// reloadConfig handles SIGHUP for config reload.
func (d *Daemon) reloadConfig() error {
	newCfg, err := config.LoadFile(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Update configuration (only safe fields)
	d.mu.Lock()
	d.idleTimeout = newCfg.Daemon.IdleTimeout
	d.stateInterval = newCfg.Daemon.StateInterval
	d.mu.Unlock()
	logging.SetLevel(logging.ParseLevel(newCfg.Daemon.LogLevel))
	if err := logging.Rotate(); err != nil {
		logging.Warn("log rotation failed", "error", err)
	}
	d.touchActivity("")

	logging.Info("config reloaded",
		"idle_timeout", newCfg.Daemon.IdleTimeout,
		"state_interval", newCfg.Daemon.StateInterval,
		"log_level", newCfg.Daemon.LogLevel)
	d.emit(EventConfigReloaded, "")
	return nil
}

// OnEvent registers a lifecycle observer. Observers run synchronously.
func (d *Daemon) OnEvent(fn func(LifecycleEvent)) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

func (d *Daemon) emit(typ EventType, reason string) {
	d.mu.Lock()
	observers := slices.Clone(d.observers)
	d.mu.Unlock()

	ev := LifecycleEvent{Type: typ, Reason: reason, At: time.Now()}
	for _, fn := range observers {
		fn(ev)
	}
}

// State returns the current lifecycle phase.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Done is closed once the daemon has terminated.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Address returns the transport address the daemon serves on.
func (d *Daemon) Address() string {
	return d.config.Daemon.Address
}

func (d *Daemon) uptime() time.Duration {
	return time.Since(d.startedAt)
}

func (d *Daemon) currentIdleTimeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idleTimeout
}

func (d *Daemon) currentStateInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateInterval
}

func (d *Daemon) startIdleWatchdog() {
	d.idleMu.Lock()
	defer d.idleMu.Unlock()
	d.lastActivity = time.Now()
	d.idleTimer = time.AfterFunc(d.currentIdleTimeout(), d.checkIdle)
}

func (d *Daemon) stopIdleWatchdog() {
	d.idleMu.Lock()
	defer d.idleMu.Unlock()
	d.idleFired = true
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
}

// touchActivity re-arms the idle watchdog after a dispatched request.
func (d *Daemon) touchActivity(string) {
	d.idleMu.Lock()
	defer d.idleMu.Unlock()
	if d.idleTimer == nil || d.idleFired {
		return
	}
	d.lastActivity = time.Now()
	d.idleTimer.Reset(d.currentIdleTimeout())
}

func (d *Daemon) checkIdle() {
	d.idleMu.Lock()
	if d.idleFired {
		d.idleMu.Unlock()
		return
	}
	// A request may have landed while the timer was firing.
	if rest := d.currentIdleTimeout() - time.Since(d.lastActivity); rest > 0 {
		d.idleTimer.Reset(rest)
		d.idleMu.Unlock()
		return
	}
	d.idleFired = true
	d.idleMu.Unlock()

	logging.Info("idle timeout reached", "idle_timeout", d.currentIdleTimeout())
	d.emit(EventIdleTimeout, ReasonIdle)
	d.Shutdown(ReasonIdle)
}

// pumpEvents forwards watcher events to subscribers and the session tracker.
func (d *Daemon) pumpEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.watcher.Events():
			d.server.BroadcastToWorkspace(ev.Workspace, control.WatchNotification(ev))
			if ev.Type == watcher.EventError {
				logging.Warn("watcher error", "workspace", ev.Workspace, "error", ev.Error)
				continue
			}
			if op, ok := session.OpForEvent(ev.Type); ok {
				d.sessions.Record(ev.Workspace, ev.File, op)
			}
			if ev.RiskLevel == watcher.RiskHigh {
				logging.Debug("high-risk change", "workspace", ev.Workspace, "file", ev.File, "reason", ev.RiskReason)
			}
		}
	}
}

func (d *Daemon) stateLoop() {
	defer d.wg.Done()

	interval := d.currentStateInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.writeState(false)
			if next := d.currentStateInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (d *Daemon) writeState(clean bool) {
	st := &PersistedState{
		PID:        os.Getpid(),
		StartedAt:  d.startedAt,
		UpdatedAt:  time.Now(),
		Clean:      clean,
		Workspaces: d.workspaces.persisted(),
	}
	if err := WriteState(d.config.Daemon.StateFile, st); err != nil {
		logging.Warn("failed to write state file", "path", d.config.Daemon.StateFile, "error", err)
	}
}

// handleDisconnect drops every watch the connection held.
func (d *Daemon) handleDisconnect(conn *control.Conn) {
	for _, ws := range conn.Workspaces() {
		d.workspaces.removeSubscriber(ws, conn.ID())
	}
	d.watcher.UnsubscribeAll(conn.ID())
}

// safeGo runs a function in a goroutine with panic recovery.
func (d *Daemon) safeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.CapturePanic(r, "goroutine", name)
			}
		}()
		fn()
	}()
}

// safeLoop wraps a loop function with panic recovery.
// If the loop panics, it logs to Sentry and exits gracefully.
func (d *Daemon) safeLoop(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "loop", name)
		}
	}()
	fn()
}
