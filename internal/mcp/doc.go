// Package mcp implements the client side of MCP (Model Context Protocol)
// over stdio: it spawns server processes, speaks newline-delimited
// JSON-RPC 2.0 on their stdin/stdout, and correlates concurrent requests
// with their responses.
//
// Each server gets one Conn. A Conn owns the process, a Transport, and
// its own request id space. A single receive goroutine per Conn reads
// every inbound line and routes responses to waiting callers, so any
// number of Call invocations may be in flight at once.
//
// Typical use:
//
//	conn, err := mcp.Spawn(ctx, "files", mcp.StdioConfig{Command: "mcp-files"}, mcp.Options{})
//	if err != nil { ... }
//	if err := conn.Handshake(ctx, 0); err != nil { ... }
//	result, err := conn.CallTool(ctx, "read", json.RawMessage(`{"path":"/tmp/x"}`))
//
// Aggregating several servers into one tool view lives in package
// toolhost.
package mcp
