// Package events is a publish/subscribe bus for host activity: servers
// coming up, failing, exiting and reconnecting, and tool calls starting
// and finishing. The API streams it to WebSocket clients.
//
// The bus is nil-safe: Publish and Emit on a nil *Bus are no-ops, so
// components do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceHost identifies server lifecycle events from the tool host.
	SourceHost = "host"
	// SourceReconnect identifies events from reconnect watchers.
	SourceReconnect = "reconnect"
	// SourceCall identifies tool call events.
	SourceCall = "call"
)

// Kind constants describe the type of event within a source.
const (
	// KindServerReady signals a completed handshake.
	// Data: mcp_server, tools, pid, elapsed_ms.
	KindServerReady = "server_ready"
	// KindServerFailed signals a spawn or handshake failure.
	// Data: mcp_server, kind, error.
	KindServerFailed = "server_failed"
	// KindServerExited signals an unexpected exit of a ready server.
	// Data: mcp_server, pid, error.
	KindServerExited = "server_exited"
	// KindServerClosed signals an orderly shutdown.
	// Data: mcp_server.
	KindServerClosed = "server_closed"

	// KindReconnected signals a respawned server is ready again.
	// Data: mcp_server.
	KindReconnected = "reconnected"
	// KindGaveUp signals a watcher spent its retry budget.
	// Data: mcp_server, error.
	KindGaveUp = "gave_up"

	// KindToolCall signals the start of a tool call.
	// Data: mcp_server, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals the end of a tool call.
	// Data: mcp_server, tool, ok, duration_ms, kind (on failure).
	KindToolDone = "tool_done"
)

// DefaultBuffer is the subscription buffer used when none is given.
const DefaultBuffer = 64

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription receives events until Close. A subscriber that falls
// behind loses events rather than slowing publishers; Dropped counts
// them.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Bus is a non-blocking broadcast event bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish sends e to all subscribers, stamping the time if unset.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit is Publish with the event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a channel of bufSize events
// (DefaultBuffer if bufSize is not positive). The caller must Close it.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	s := &Subscription{bus: b, ch: make(chan Event, bufSize)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
