// Package toolhost aggregates many MCP servers into one tool view. A
// Host starts every configured server in parallel, keeps the ready ones
// in a Registry, and routes tool calls to the server that owns them.
package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/connwatch"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/mcp"
)

// StateDisabled is reported for servers switched off in configuration.
const StateDisabled = "disabled"

// errHostClosed is returned by setup that finishes after Close.
var errHostClosed = errors.New("host is closed")

// Options configures a Host. Zero values select defaults.
type Options struct {
	// MaxParallelSetup bounds concurrent spawn+handshake work.
	MaxParallelSetup int

	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	ShutdownGrace    time.Duration

	// Reconnect, when enabled, respawns servers that exit after becoming
	// ready.
	Reconnect bool
	Backoff   connwatch.BackoffConfig

	// Events receives lifecycle and tool call events. Optional.
	Events *events.Bus

	Logger *slog.Logger
}

// OptionsFromConfig maps loaded configuration onto host options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		MaxParallelSetup: cfg.MaxParallelSetup,
		HandshakeTimeout: cfg.Timeouts.Handshake,
		CallTimeout:      cfg.Timeouts.Call,
		ShutdownGrace:    cfg.Timeouts.Shutdown,
		Reconnect:        cfg.Reconnect.Enabled,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			MaxRetries:   cfg.Reconnect.MaxRetries,
		},
		Logger: logger,
	}
}

// Diagnostic is the setup outcome of one server.
type Diagnostic struct {
	Server  string        `json:"server"`
	State   string        `json:"state"`
	Tools   int           `json:"tools"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Kind    string        `json:"kind,omitempty"`
	Error   string        `json:"error,omitempty"`

	Err error `json:"-"`
}

// Report lists setup outcomes, sorted by server name.
type Report struct {
	Diagnostics []Diagnostic `json:"servers"`
}

// Ready returns the number of servers that reached the ready state.
func (r Report) Ready() int {
	n := 0
	for _, d := range r.Diagnostics {
		if d.State == mcp.StateReady.String() {
			n++
		}
	}
	return n
}

// Err joins the errors of every failed server, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, d := range r.Diagnostics {
		if d.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Server, d.Err))
		}
	}
	return errors.Join(errs...)
}

// ServerStatus is the live state of one configured server.
type ServerStatus struct {
	Server          string            `json:"server"`
	State           string            `json:"state"`
	Tools           int               `json:"tools"`
	PID             int               `json:"pid,omitempty"`
	Session         string            `json:"session,omitempty"`
	ServerName      string            `json:"server_name,omitempty"`
	ServerVersion   string            `json:"server_version,omitempty"`
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	Reconnect       *connwatch.Status `json:"reconnect,omitempty"`
}

// serverRecord is what the host remembers about a configured server
// while it is not in the registry.
type serverRecord struct {
	config  config.ServerConfig
	state   string
	lastErr error
}

// Host owns the connections of all configured MCP servers.
type Host struct {
	opts     Options
	logger   *slog.Logger
	events   *events.Bus
	registry *Registry
	watch    *connwatch.Manager

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	servers map[string]*serverRecord
	closed  bool
}

// New creates a Host. No servers run until Start.
func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxParallelSetup <= 0 {
		opts.MaxParallelSetup = config.DefaultMaxParallelSetup
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = mcp.DefaultHandshakeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		opts:     opts,
		logger:   opts.Logger,
		events:   opts.Events,
		registry: NewRegistry(),
		watch:    connwatch.NewManager(opts.Logger),
		ctx:      ctx,
		cancel:   cancel,
		servers:  make(map[string]*serverRecord),
	}
}

// Registry exposes the host's registry of ready connections.
func (h *Host) Registry() *Registry { return h.registry }

// Start spawns and handshakes every enabled server in parallel and
// returns once each has become ready or failed. One server's failure
// never affects another. Servers become visible to ListTools as soon as
// their own handshake completes.
func (h *Host) Start(ctx context.Context, servers map[string]config.ServerConfig) Report {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	h.logger.Info("starting MCP servers",
		"configured", len(names),
		"max_parallel", h.opts.MaxParallelSetup,
	)

	diags := make([]Diagnostic, len(names))
	var g errgroup.Group
	g.SetLimit(h.opts.MaxParallelSetup)

	for i, name := range names {
		sc := servers[name]
		if sc.Disabled {
			h.record(name, &serverRecord{config: sc, state: StateDisabled})
			diags[i] = Diagnostic{Server: name, State: StateDisabled}
			h.logger.Info("MCP server disabled", "mcp_server", name)
			continue
		}
		h.record(name, &serverRecord{config: sc, state: mcp.StateSpawning.String()})

		g.Go(func() error {
			diags[i] = h.startServer(ctx, name, sc)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Diagnostics: diags}
	h.logger.Info("MCP servers started",
		"ready", report.Ready(),
		"configured", len(names),
		"tools", len(h.registry.Tools()),
	)
	return report
}

func (h *Host) startServer(ctx context.Context, name string, sc config.ServerConfig) Diagnostic {
	start := time.Now()
	conn, err := h.connect(ctx, name, sc)
	d := Diagnostic{Server: name, Elapsed: time.Since(start)}
	if err != nil {
		d.State = mcp.StateFailed.String()
		d.Err = err
		d.Error = err.Error()
		d.Kind = Kind(err)
		h.logger.Warn("MCP server failed to start",
			"mcp_server", name,
			"kind", d.Kind,
			"error", err,
		)
		h.events.Emit(events.SourceHost, events.KindServerFailed, map[string]any{
			"mcp_server": name,
			"kind":       d.Kind,
			"error":      d.Error,
		})
		return d
	}
	d.State = mcp.StateReady.String()
	d.Tools = len(conn.Tools())
	h.events.Emit(events.SourceHost, events.KindServerReady, map[string]any{
		"mcp_server": name,
		"tools":      d.Tools,
		"pid":        conn.PID(),
		"elapsed_ms": d.Elapsed.Milliseconds(),
	})
	return d
}

// connect spawns, handshakes and registers one server.
func (h *Host) connect(ctx context.Context, name string, sc config.ServerConfig) (*mcp.Conn, error) {
	conn, err := mcp.Spawn(ctx, name, mcp.StdioConfig{
		Command: sc.Command,
		Args:    sc.Args,
		Env:     sc.Environ(),
	}, mcp.Options{
		CallTimeout:   h.opts.CallTimeout,
		ShutdownGrace: h.opts.ShutdownGrace,
		OnExit:        h.handleExit,
		Logger:        h.logger,
	})
	if err != nil {
		h.setState(name, mcp.StateFailed.String(), err)
		return nil, err
	}

	h.setState(name, mcp.StateInitializing.String(), nil)
	if err := conn.Handshake(ctx, h.opts.HandshakeTimeout); err != nil {
		h.setState(name, mcp.StateFailed.String(), err)
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil, errHostClosed
	}
	prev := h.registry.Register(conn)
	if rec := h.servers[name]; rec != nil {
		rec.state = mcp.StateReady.String()
		rec.lastErr = nil
	}
	h.mu.Unlock()

	if prev != nil {
		go prev.Close()
	}
	return conn, nil
}

// handleExit runs when a connection ends without Close: the server
// process exited or its pipe broke.
func (h *Host) handleExit(conn *mcp.Conn, err error) {
	name := conn.Name()
	if !h.registry.Remove(name, conn) {
		// Never registered (died during handshake) or already replaced.
		return
	}
	go conn.Close()

	h.logger.Warn("MCP server exited unexpectedly",
		"mcp_server", name,
		"pid", conn.PID(),
		"error", err,
	)
	h.setState(name, mcp.StateClosed.String(), err)
	h.events.Emit(events.SourceHost, events.KindServerExited, map[string]any{
		"mcp_server": name,
		"pid":        conn.PID(),
		"error":      errString(err),
	})

	h.mu.Lock()
	rec := h.servers[name]
	reconnect := h.opts.Reconnect && !h.closed && rec != nil
	h.mu.Unlock()
	if !reconnect {
		return
	}

	sc := rec.config
	h.watch.Watch(h.ctx, connwatch.WatcherConfig{
		Name:    name,
		Backoff: h.opts.Backoff,
		Reconnect: func(ctx context.Context) error {
			_, err := h.connect(ctx, name, sc)
			return err
		},
		OnReady: func() {
			h.events.Emit(events.SourceReconnect, events.KindReconnected, map[string]any{
				"mcp_server": name,
			})
		},
		OnGiveUp: func(err error) {
			h.setState(name, mcp.StateFailed.String(), err)
			h.events.Emit(events.SourceReconnect, events.KindGaveUp, map[string]any{
				"mcp_server": name,
				"error":      errString(err),
			})
		},
		Logger: h.logger,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (h *Host) record(name string, rec *serverRecord) {
	h.mu.Lock()
	h.servers[name] = rec
	h.mu.Unlock()
}

func (h *Host) setState(name, state string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec := h.servers[name]; rec != nil {
		rec.state = state
		if err != nil {
			rec.lastErr = err
		}
	}
}

// ListTools returns every tool of every ready server, ordered by server
// name and then by each server's own order. It never does I/O and
// returns an empty slice when no server is ready.
func (h *Host) ListTools() []ServerTool {
	return h.registry.Tools()
}

// CallTool invokes tool on server and returns the server's result
// verbatim. Unknown servers and tools fail without any I/O. Arguments
// are not checked against the tool's schema; empty args are sent as {}.
func (h *Host) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	conn, err := h.registry.Resolve(server)
	if err != nil {
		return nil, err
	}
	if !conn.HasTool(tool) {
		return nil, &ToolNotFoundError{Server: server, Tool: tool}
	}

	h.events.Emit(events.SourceCall, events.KindToolCall, map[string]any{
		"mcp_server": server,
		"tool":       tool,
	})

	start := time.Now()
	result, err := conn.CallTool(ctx, tool, args)
	done := map[string]any{
		"mcp_server":  server,
		"tool":        tool,
		"ok":          err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		done["kind"] = Kind(err)
		h.events.Emit(events.SourceCall, events.KindToolDone, done)
		h.logger.Debug("MCP tool call failed",
			"mcp_server", server,
			"tool", tool,
			"kind", done["kind"],
			"error", err,
		)
		return nil, fmt.Errorf("call %s on %s: %w", tool, server, err)
	}
	h.events.Emit(events.SourceCall, events.KindToolDone, done)

	h.logger.Debug("MCP tool call complete",
		"mcp_server", server,
		"tool", tool,
		"elapsed", time.Since(start),
		"result_bytes", len(result),
	)
	return result, nil
}

// FindTool resolves a bare tool name to the one server that provides it.
func (h *Host) FindTool(tool string) (string, error) {
	owners := h.registry.Owners(tool)
	switch len(owners) {
	case 0:
		return "", &ToolNotFoundError{Tool: tool}
	case 1:
		return owners[0], nil
	default:
		return "", &AmbiguousToolError{Tool: tool, Servers: owners}
	}
}

// Call invokes tool on server, or on whichever single server provides
// it when server is empty.
func (h *Host) Call(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	if server == "" {
		var err error
		if server, err = h.FindTool(tool); err != nil {
			return nil, err
		}
	}
	return h.CallTool(ctx, server, tool, args)
}

// Servers returns the status of every configured server, sorted by name.
func (h *Host) Servers() []ServerStatus {
	h.mu.Lock()
	names := make([]string, 0, len(h.servers))
	records := make(map[string]serverRecord, len(h.servers))
	for name, rec := range h.servers {
		names = append(names, name)
		records[name] = *rec
	}
	h.mu.Unlock()
	sort.Strings(names)

	out := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		rec := records[name]
		s := ServerStatus{Server: name, State: rec.state}
		if rec.lastErr != nil {
			s.LastError = rec.lastErr.Error()
		}

		if conn, err := h.registry.Resolve(name); err == nil {
			info, proto := conn.ServerInfo()
			s.State = conn.State().String()
			s.Tools = len(conn.Tools())
			s.PID = conn.PID()
			s.Session = conn.SessionID()
			s.ServerName = info.Name
			s.ServerVersion = info.Version
			s.ProtocolVersion = proto
		}

		if w := h.watch.Watcher(name); w != nil {
			ws := w.Status()
			s.Reconnect = &ws
		}
		out = append(out, s)
	}
	return out
}

// Close stops reconnect watchers and shuts every connection down in
// parallel. Calls still in flight fail with a connection-closed error.
// Close is idempotent.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.watch.Stop()

	conns := h.registry.Conns()
	h.logger.Info("stopping MCP servers", "count", len(conns))

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			h.registry.Remove(c.Name(), c)
			h.setState(c.Name(), mcp.StateClosed.String(), nil)
			err := c.Close()
			h.events.Emit(events.SourceHost, events.KindServerClosed, map[string]any{
				"mcp_server": c.Name(),
			})
			return err
		})
	}
	return g.Wait()
}
