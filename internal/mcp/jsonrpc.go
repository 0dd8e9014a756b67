package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// reply is an outbound JSON-RPC response, used to answer requests the
// server sends to us (ping).
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object. It is returned to callers
// unmodified when a server answers a request with an error; Data keeps
// the server's raw bytes.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes we emit.
const (
	codeMethodNotFound = -32601
)

// messageKind classifies an inbound line.
type messageKind int

const (
	kindInvalid messageKind = iota
	kindResponse
	kindNotification
	kindRequest
)

// inbound is a decoded line from the server. Field presence matters for
// classification, so the raw object is decoded key by key.
type inbound struct {
	kind      messageKind
	rawID     json.RawMessage
	id        int64
	method    string
	params    json.RawMessage
	result    json.RawMessage
	hasResult bool
	err       *RPCError
}

// decodeInbound parses one framed line. It returns a *ProtocolError for
// anything that cannot be routed.
func decodeInbound(line []byte) (*inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON", Line: line, Err: err}
	}
	if fields == nil {
		return nil, &ProtocolError{Reason: "message is not an object", Line: line}
	}

	msg := &inbound{}
	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &msg.method); err != nil {
			return nil, &ProtocolError{Reason: "method is not a string", Line: line, Err: err}
		}
	}
	rawID, hasID := fields["id"]
	if hasID && isNull(rawID) {
		hasID = false
	}
	msg.params = fields["params"]

	switch {
	case msg.method != "" && hasID:
		msg.kind = kindRequest
		msg.rawID = rawID
		return msg, nil
	case msg.method != "":
		msg.kind = kindNotification
		return msg, nil
	case !hasID:
		return nil, &ProtocolError{Reason: "message has neither id nor method", Line: line}
	}

	id, err := parseID(rawID)
	if err != nil {
		return nil, &ProtocolError{Reason: "unusable response id", Line: line, Err: err}
	}
	msg.kind = kindResponse
	msg.id = id
	msg.result, msg.hasResult = fields["result"]
	if raw, ok := fields["error"]; ok && !isNull(raw) {
		var rpcErr RPCError
		if err := json.Unmarshal(raw, &rpcErr); err != nil {
			return nil, &ProtocolError{Reason: "malformed error object", Line: line, Err: err}
		}
		msg.err = &rpcErr
	}
	return msg, nil
}

// parseID accepts numeric ids and numeric strings. We only ever issue
// integers, but some servers echo ids back as strings.
func parseID(raw json.RawMessage) (int64, error) {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case json.Number:
		n = t
	case string:
		n = json.Number(t)
	default:
		return 0, fmt.Errorf("id has type %T", v)
	}
	return strconv.ParseInt(n.String(), 10, 64)
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
