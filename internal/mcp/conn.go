package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a connection's lifecycle state.
type State int32

// Lifecycle: spawning → initializing → ready → closed, with failed as
// the error exit from spawning and initializing. failed and closed are
// terminal.
const (
	StateSpawning State = iota
	StateInitializing
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// legalTransitions lists every allowed state change.
var legalTransitions = map[State][]State{
	StateSpawning:     {StateInitializing, StateFailed},
	StateInitializing: {StateReady, StateFailed},
	StateReady:        {StateClosed},
}

// Default timeouts, overridable through Options.
const (
	DefaultCallTimeout   = 60 * time.Second
	DefaultShutdownGrace = 5 * time.Second
)

// errShutdown is the close cause recorded when Close is called.
var errShutdown = errors.New("shutdown requested")

// Options configures a connection.
type Options struct {
	// CallTimeout bounds how long Call waits for a response. Zero means
	// DefaultCallTimeout; negative disables the timeout.
	CallTimeout time.Duration

	// ShutdownGrace is how long Close waits for the server to exit after
	// its stdin is closed, and again after it is killed.
	ShutdownGrace time.Duration

	// OnExit is called once, in its own goroutine, when the connection
	// ends without Close having been called (process exit, broken pipe).
	OnExit func(c *Conn, err error)

	// Logger is the structured logger for connection diagnostics.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.CallTimeout == 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn is a live connection to one MCP server: the process (if any), its
// transport, and the correlation state for requests on it. A Conn is
// safe for concurrent use.
type Conn struct {
	name      string
	sessionID string
	opts      Options
	logger    *slog.Logger
	transport *Transport
	pending   *pendingCalls
	proc      *process

	mu         sync.RWMutex
	state      State
	tools      []Tool
	serverInfo ServerInfo
	protocol   string
	closeErr   error

	closing   atomic.Bool
	termOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// newConn builds a connection in the spawning state. The receive loop is
// not running until start is called.
func newConn(name string, opts Options) *Conn {
	opts = opts.withDefaults()
	sessionID := uuid.NewString()
	return &Conn{
		name:      name,
		sessionID: sessionID,
		opts:      opts,
		logger:    opts.Logger.With("mcp_server", name, "session", sessionID[:8]),
		pending:   newPendingCalls(),
		state:     StateSpawning,
		done:      make(chan struct{}),
	}
}

// NewConn attaches a connection to an already running server reachable
// through r (server output) and w (server input), and starts its receive
// loop. The connection starts in the initializing state; call Handshake
// before use. Spawn is the usual way to get a Conn.
func NewConn(name string, r io.ReadCloser, w io.WriteCloser, opts Options) *Conn {
	c := newConn(name, opts)
	c.start(r, w, nil)
	return c
}

// start wires the streams and launches the receive loop before anything
// is written, so an early response cannot be missed.
func (c *Conn) start(r io.ReadCloser, w io.WriteCloser, proc *process) {
	c.transport = NewTransport(r, w, c.logger)
	c.proc = proc
	c.transition(StateInitializing)
	go c.run()
}

// Name returns the configured server name.
func (c *Conn) Name() string { return c.name }

// SessionID returns the unique id of this connection instance. A
// respawned server gets a new one.
func (c *Conn) SessionID() string { return c.sessionID }

// PID returns the server's process id, or 0 when the connection is not
// backed by a subprocess.
func (c *Conn) PID() int {
	if c.proc == nil {
		return 0
	}
	return c.proc.pid
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Tools returns a copy of the tools discovered during the handshake.
func (c *Conn) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	for i, t := range c.tools {
		out[i] = t.clone()
	}
	return out
}

// HasTool reports whether the server advertised a tool with this name.
func (c *Conn) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ServerInfo returns what the server reported about itself in its
// initialize result, plus the negotiated protocol version.
func (c *Conn) ServerInfo() (ServerInfo, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo, c.protocol
}

// Err returns the error that closed the connection, or nil while open.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeErr
}

// Done is closed once the receive loop has exited and the process, if
// any, has been reaped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Outstanding returns the number of requests awaiting a response.
func (c *Conn) Outstanding() int { return c.pending.outstanding() }

// transition moves to next if the current state allows it. Illegal
// transitions are ignored and reported as false.
func (c *Conn) transition(next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range legalTransitions[c.state] {
		if s == next {
			c.logger.Debug("connection state change", "from", c.state.String(), "to", next.String())
			c.state = next
			return true
		}
	}
	return false
}

// Call sends a request and waits for its response, the connection
// closing, the call timeout, or ctx being done, whichever comes first.
// Many calls may be in flight at once; each gets its own id.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	pc, err := c.pending.register(method)
	if err != nil {
		return nil, err
	}

	if err := c.transport.WriteMessage(NewRequest(pc.id, method, params)); err != nil {
		c.pending.forget(pc.id)
		if errors.Is(err, errEncode) {
			return nil, fmt.Errorf("%s request to %s: %w", method, c.name, err)
		}
		return nil, &ConnectionClosedError{Server: c.name, Cause: err}
	}

	var timeout <-chan time.Time
	if c.opts.CallTimeout > 0 {
		timer := time.NewTimer(c.opts.CallTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-pc.ch:
		if res.err == nil {
			c.logger.Debug("MCP response", "method", method, "id", pc.id, "elapsed", time.Since(pc.created))
		}
		return res.result, res.err
	case <-timeout:
		c.pending.forget(pc.id)
		c.cancelRemote(pc.id, "request timeout")
		c.logger.Warn("MCP request timed out", "method", method, "id", pc.id, "after", c.opts.CallTimeout)
		return nil, &TimeoutError{Server: c.name, Method: method, ID: pc.id, After: c.opts.CallTimeout}
	case <-ctx.Done():
		c.pending.forget(pc.id)
		c.cancelRemote(pc.id, ctx.Err().Error())
		return nil, fmt.Errorf("%s request %d to %s: %w", method, pc.id, c.name, ctx.Err())
	}
}

// Notify sends a notification. No response is expected.
func (c *Conn) Notify(method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	return c.transport.WriteMessage(NewNotification(method, params))
}

// cancelRemote tells the server we stopped waiting for id. Best effort;
// it runs in the background so a stuck pipe cannot hold up the caller.
func (c *Conn) cancelRemote(id int64, reason string) {
	if c.Err() != nil {
		return
	}
	go func() {
		err := c.transport.WriteMessage(NewNotification("notifications/cancelled", map[string]any{
			"requestId": id,
			"reason":    reason,
		}))
		if err != nil {
			c.logger.Debug("failed to send cancellation", "id", id, "error", err)
		}
	}()
}

// run is the receive loop: the only reader of the server's output and
// the only dispatcher into the pending map.
func (c *Conn) run() {
	defer close(c.done)

	err := c.transport.receive(c.dispatch)
	var cause error
	if !errors.Is(err, io.EOF) {
		cause = err
	}
	c.terminate(cause)

	if c.proc != nil {
		if werr := c.proc.wait(); werr != nil && !c.closing.Load() {
			c.logger.Warn("MCP server exited", "pid", c.proc.pid, "error", werr)
		} else {
			c.logger.Debug("MCP server exited", "pid", c.proc.pid)
		}
	}
}

// dispatch routes one inbound line.
func (c *Conn) dispatch(line []byte) {
	msg, err := decodeInbound(line)
	if err != nil {
		c.logger.Warn("dropping malformed message from MCP server",
			"error", err,
			"line", truncate(line, 256),
		)
		return
	}

	switch msg.kind {
	case kindResponse:
		c.handleResponse(msg)
	case kindNotification:
		c.handleNotification(msg)
	case kindRequest:
		c.handleRequest(msg)
	}
}

func (c *Conn) handleResponse(msg *inbound) {
	var res callResult
	switch {
	case msg.err != nil:
		res.err = msg.err
	case !msg.hasResult:
		res.err = &ProtocolError{Reason: fmt.Sprintf("response %d has neither result nor error", msg.id)}
	default:
		res.result = msg.result
	}

	if _, ok := c.pending.deliver(msg.id, res); !ok {
		c.logger.Warn("dropping response with no pending request", "id", msg.id)
	}
}

func (c *Conn) handleNotification(msg *inbound) {
	switch msg.method {
	case "notifications/tools/list_changed":
		c.logger.Info("MCP server reports tool list changed; restart it to pick up changes")
	case "notifications/message":
		c.logger.Debug("MCP server log message", "params", string(msg.params))
	default:
		c.logger.Debug("ignoring MCP notification", "method", msg.method)
	}
}

// handleRequest answers requests the server sends to us. We only
// implement ping; everything else is method-not-found. Replies go out
// from their own goroutine so the receive loop never blocks on a write.
func (c *Conn) handleRequest(msg *inbound) {
	r := &reply{JSONRPC: jsonrpcVersion, ID: msg.rawID}
	if msg.method == "ping" {
		r.Result = struct{}{}
	} else {
		r.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + msg.method}
	}
	go func() {
		if err := c.transport.WriteMessage(r); err != nil {
			c.logger.Debug("failed to answer server request", "method", msg.method, "error", err)
		}
	}()
}

// terminate fails all pending calls and moves the state to closed (or
// failed, if the handshake never finished). It runs at most once.
func (c *Conn) terminate(cause error) {
	c.termOnce.Do(func() {
		closed := &ConnectionClosedError{Server: c.name, Cause: cause}

		c.mu.Lock()
		c.closeErr = closed
		prev := c.state
		switch prev {
		case StateReady:
			c.state = StateClosed
		case StateSpawning, StateInitializing:
			c.state = StateFailed
		}
		c.mu.Unlock()

		failed := c.pending.failAll(closed)

		expected := c.closing.Load()
		c.logger.Info("MCP connection closed",
			"previous_state", prev.String(),
			"failed_calls", failed,
			"requested", expected,
			"cause", cause,
		)

		if !expected && c.opts.OnExit != nil {
			go c.opts.OnExit(c, closed)
		}
	})
}

// Close shuts the connection down: outstanding calls fail with
// ConnectionClosed, the server's stdin is closed, and the process gets
// ShutdownGrace to exit before it is killed. Close is idempotent and
// returns once the receive loop has finished.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.terminate(errShutdown)
		_ = c.transport.CloseWrite()

		if c.proc == nil {
			_ = c.transport.CloseRead()
			<-c.done
			return
		}

		grace := c.opts.ShutdownGrace
		if waitFor(c.done, grace) {
			return
		}

		c.logger.Warn("MCP server did not exit gracefully, killing", "pid", c.proc.pid)
		c.proc.kill()
		if waitFor(c.done, grace) {
			return
		}

		// Something else (a grandchild) still holds the pipe open.
		_ = c.transport.CloseRead()
		<-c.done
	})
	return nil
}

// waitFor reports whether ch closed within d.
func waitFor(ch <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
