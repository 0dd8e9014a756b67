package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
)

// ProtocolVersion is the MCP protocol version we advertise during
// initialization.
const ProtocolVersion = "2025-06-18"

// DefaultHandshakeTimeout bounds the whole initialize + tools/list
// sequence.
const DefaultHandshakeTimeout = 30 * time.Second

// maxToolPages caps tools/list pagination against a server that keeps
// returning a cursor.
const maxToolPages = 100

// Tool is an MCP tool as returned by tools/list. InputSchema is kept as
// the server sent it.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (t Tool) clone() Tool {
	if t.InputSchema != nil {
		t.InputSchema = append(json.RawMessage(nil), t.InputSchema...)
	}
	return t
}

// ServerInfo is what a server says about itself in its initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the initialize response result.
type initializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	ServerInfo      ServerInfo                 `json:"serverInfo"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
}

// toolsListResult is one page of a tools/list response. Tools is a
// pointer so a missing array can be told apart from an empty one.
type toolsListResult struct {
	Tools      *[]Tool `json:"tools"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// Handshake runs initialize, notifications/initialized and tools/list,
// then marks the connection ready. It must run exactly once, right after
// Spawn or NewConn. On failure the connection is closed and left in the
// failed state, and the error is a *HandshakeError.
func (c *Conn) Handshake(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if state := c.State(); state != StateInitializing {
		return &HandshakeError{Server: c.name, Step: "initialize", Err: fmt.Errorf("connection is %s", state)}
	}

	fail := func(step string, err error) error {
		_ = c.Close()
		return &HandshakeError{Server: c.name, Step: step, Err: err}
	}

	info, err := c.initialize(ctx)
	if err != nil {
		return fail("initialize", err)
	}

	if err := c.Notify("notifications/initialized", nil); err != nil {
		return fail("initialize", fmt.Errorf("send initialized notification: %w", err))
	}

	tools, err := c.listTools(ctx)
	if err != nil {
		return fail("tools/list", err)
	}

	c.mu.Lock()
	c.tools = tools
	c.serverInfo = info.ServerInfo
	c.protocol = info.ProtocolVersion
	c.mu.Unlock()

	if !c.transition(StateReady) {
		// The process went away between the last response and here.
		err := c.Err()
		if err == nil {
			err = errors.New("connection left initializing state")
		}
		return fail("tools/list", err)
	}

	c.logger.Info("MCP server ready",
		"server_name", info.ServerInfo.Name,
		"server_version", info.ServerInfo.Version,
		"protocol_version", info.ProtocolVersion,
		"tools", len(tools),
	)
	return nil
}

func (c *Conn) initialize(ctx context.Context) (*initializeResult, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "mcphost",
			"version": buildinfo.Version,
		},
	}

	raw, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	if !isObject(raw) {
		return nil, fmt.Errorf("initialize result is not an object: %s", truncate(raw, 128))
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != "" && result.ProtocolVersion != ProtocolVersion {
		c.logger.Debug("MCP server negotiated a different protocol version",
			"requested", ProtocolVersion,
			"negotiated", result.ProtocolVersion,
		)
	}
	return &result, nil
}

// listTools fetches every page of tools/list.
func (c *Conn) listTools(ctx context.Context) ([]Tool, error) {
	tools := []Tool{}
	cursor := ""
	for page := 0; ; page++ {
		if page == maxToolPages {
			c.logger.Warn("MCP server tool list truncated", "pages", page, "tools", len(tools))
			return tools, nil
		}

		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := c.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}

		var result toolsListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}
		if result.Tools == nil {
			return nil, errors.New("tools/list result has no tools array")
		}
		for i, t := range *result.Tools {
			if t.Name == "" {
				return nil, fmt.Errorf("tool %d has no name", len(tools)+i)
			}
		}
		tools = append(tools, *result.Tools...)

		if result.NextCursor == "" {
			c.logger.Debug("discovered MCP tools", "count", len(tools), "pages", page+1)
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// CallTool invokes tools/call for name with the given arguments and
// returns the result payload verbatim. Empty args are sent as {}.
func (c *Conn) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if isNull(args) {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return nil, fmt.Errorf("arguments for %s are not valid JSON", name)
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	return c.Call(ctx, "tools/call", params)
}

// Ping checks whether the server is responsive.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil)
	return err
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
