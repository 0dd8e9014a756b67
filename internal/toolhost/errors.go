package toolhost

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/mcphost/internal/mcp"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrServerNotFound = errors.New("server not found")
	ErrToolNotFound   = errors.New("tool not found")
	ErrAmbiguousTool  = errors.New("ambiguous tool name")
)

// ServerNotFoundError is returned when a call names a server that is not
// in the registry: never configured, failed to start, or since exited.
type ServerNotFoundError struct {
	Server string
}

func (e *ServerNotFoundError) Error() string {
	return fmt.Sprintf("MCP server %q is not connected", e.Server)
}

// Is reports ErrServerNotFound equivalence.
func (e *ServerNotFoundError) Is(target error) bool { return target == ErrServerNotFound }

// ToolNotFoundError is returned when the server exists but did not
// advertise the tool. Server is empty for name-only lookups.
type ToolNotFoundError struct {
	Server string
	Tool   string
}

func (e *ToolNotFoundError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("no connected MCP server provides tool %q", e.Tool)
	}
	return fmt.Sprintf("MCP server %q has no tool %q", e.Server, e.Tool)
}

// Is reports ErrToolNotFound equivalence.
func (e *ToolNotFoundError) Is(target error) bool { return target == ErrToolNotFound }

// AmbiguousToolError is returned by name-only lookups when more than one
// server provides the tool. Servers is in registry order.
type AmbiguousToolError struct {
	Tool    string
	Servers []string
}

func (e *AmbiguousToolError) Error() string {
	return fmt.Sprintf("tool %q is provided by several MCP servers (%s); name one", e.Tool, strings.Join(e.Servers, ", "))
}

// Is reports ErrAmbiguousTool equivalence.
func (e *AmbiguousToolError) Is(target error) bool { return target == ErrAmbiguousTool }

// Error kinds reported by Kind.
const (
	KindSpawn            = "spawn_error"
	KindHandshake        = "handshake_error"
	KindProtocol         = "protocol_error"
	KindConnectionClosed = "connection_closed"
	KindTimeout          = "timeout"
	KindServerNotFound   = "server_not_found"
	KindToolNotFound     = "tool_not_found"
	KindAmbiguousTool    = "ambiguous_tool"
	KindRemote           = "remote_error"
	KindCanceled         = "canceled"
	KindInternal         = "internal"
)

// Kind names the error's place in the host's error taxonomy. Remote
// errors are checked last so a wrapped *mcp.RPCError inside a handshake
// failure still reports as a handshake error.
func Kind(err error) string {
	var rpcErr *mcp.RPCError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrServerNotFound):
		return KindServerNotFound
	case errors.Is(err, ErrToolNotFound):
		return KindToolNotFound
	case errors.Is(err, ErrAmbiguousTool):
		return KindAmbiguousTool
	case errors.Is(err, mcp.ErrSpawn):
		return KindSpawn
	case errors.Is(err, mcp.ErrHandshake):
		return KindHandshake
	case errors.Is(err, mcp.ErrTimeout):
		return KindTimeout
	case errors.Is(err, mcp.ErrConnectionClosed):
		return KindConnectionClosed
	case errors.Is(err, mcp.ErrProtocol):
		return KindProtocol
	case errors.As(err, &rpcErr):
		return KindRemote
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
