package toolhost

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/nugget/mcphost/internal/mcp"
)

// ServerTool is a tool tagged with the server that provides it.
type ServerTool struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Registry is the set of ready connections, ordered by server name.
// Only connections that completed their handshake are ever inserted, so
// readers never see a half-initialized server.
type Registry struct {
	mu      sync.RWMutex
	entries []*mcp.Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) search(name string) (int, bool) {
	return slices.BinarySearchFunc(r.entries, name, func(c *mcp.Conn, name string) int {
		return strings.Compare(c.Name(), name)
	})
}

// Register inserts c, replacing any entry with the same server name. It
// returns the replaced connection, or nil.
func (r *Registry) Register(c *mcp.Conn) *mcp.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, found := r.search(c.Name())
	if found {
		prev := r.entries[i]
		r.entries[i] = c
		return prev
	}
	r.entries = slices.Insert(r.entries, i, c)
	return nil
}

// Remove deletes the entry for name if it still points at c, and
// reports whether it did. A stale connection cannot evict its
// replacement.
func (r *Registry) Remove(name string, c *mcp.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, found := r.search(name)
	if !found || r.entries[i] != c {
		return false
	}
	r.entries = slices.Delete(r.entries, i, i+1)
	return true
}

// Resolve returns the connection for a server name.
func (r *Registry) Resolve(server string) (*mcp.Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, found := r.search(server)
	if !found {
		return nil, &ServerNotFoundError{Server: server}
	}
	return r.entries[i], nil
}

// Tools returns every tool of every registered server: server name
// order, then each server's own order. Duplicate names across servers
// are kept.
func (r *Registry) Tools() []ServerTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := lo.FlatMap(r.entries, func(c *mcp.Conn, _ int) []ServerTool {
		return lo.Map(c.Tools(), func(t mcp.Tool, _ int) ServerTool {
			return ServerTool{
				Server:      c.Name(),
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			}
		})
	})
	if tools == nil {
		tools = []ServerTool{}
	}
	return tools
}

// Owners returns the names of all servers providing tool, in registry
// order.
func (r *Registry) Owners(tool string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.FilterMap(r.entries, func(c *mcp.Conn, _ int) (string, bool) {
		return c.Name(), c.HasTool(tool)
	})
}

// Names returns the registered server names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Map(r.entries, func(c *mcp.Conn, _ int) string { return c.Name() })
}

// Conns returns a snapshot of the registered connections.
func (r *Registry) Conns() []*mcp.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.entries)
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
