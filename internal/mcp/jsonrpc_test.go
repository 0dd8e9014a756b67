package mcp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, "tools/list", map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/list")
	}
}

func TestRequestMarshal(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
		want string
	}{
		{
			name: "id zero is kept",
			req:  NewRequest(0, "initialize", nil),
			want: `{"jsonrpc":"2.0","id":0,"method":"initialize"}`,
		},
		{
			name: "empty params object is sent",
			req:  NewRequest(3, "tools/list", map[string]any{}),
			want: `{"jsonrpc":"2.0","id":3,"method":"tools/list","params":{}}`,
		},
		{
			name: "raw arguments pass through",
			req: NewRequest(4, "tools/call", map[string]any{
				"arguments": json.RawMessage(`{"a":1}`),
			}),
			want: `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"arguments":{"a":1}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.req)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("marshal = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestNotificationOmitsID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestRPCErrorString(t *testing.T) {
	e := &RPCError{Code: -32600, Message: "Invalid Request"}
	want := "jsonrpc error -32600: Invalid Request"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantKind  messageKind
		wantID    int64
		wantErr   bool
		hasResult bool
		rpcCode   int
	}{
		{
			name:      "response with result",
			line:      `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`,
			wantKind:  kindResponse,
			wantID:    1,
			hasResult: true,
		},
		{
			name:      "null result still counts as a result",
			line:      `{"jsonrpc":"2.0","id":2,"result":null}`,
			wantKind:  kindResponse,
			wantID:    2,
			hasResult: true,
		},
		{
			name:     "response with error",
			line:     `{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"Method not found"}}`,
			wantKind: kindResponse,
			wantID:   3,
			rpcCode:  -32601,
		},
		{
			name:     "response with neither",
			line:     `{"jsonrpc":"2.0","id":4}`,
			wantKind: kindResponse,
			wantID:   4,
		},
		{
			name:      "string id",
			line:      `{"jsonrpc":"2.0","id":"17","result":{}}`,
			wantKind:  kindResponse,
			wantID:    17,
			hasResult: true,
		},
		{
			name:     "notification",
			line:     `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`,
			wantKind: kindNotification,
		},
		{
			name:     "notification with null id",
			line:     `{"jsonrpc":"2.0","id":null,"method":"notifications/message"}`,
			wantKind: kindNotification,
		},
		{
			name:     "server request",
			line:     `{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`,
			wantKind: kindRequest,
		},
		{name: "not json", line: `hello world`, wantErr: true},
		{name: "array", line: `[1,2,3]`, wantErr: true},
		{name: "null", line: `null`, wantErr: true},
		{name: "neither id nor method", line: `{"jsonrpc":"2.0","result":{}}`, wantErr: true},
		{name: "non-numeric id", line: `{"jsonrpc":"2.0","id":"abc","result":{}}`, wantErr: true},
		{name: "fractional id", line: `{"jsonrpc":"2.0","id":1.5,"result":{}}`, wantErr: true},
		{name: "method not a string", line: `{"jsonrpc":"2.0","method":7}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decodeInbound([]byte(tt.line))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("decodeInbound(%s) = %+v, want error", tt.line, msg)
				}
				if !errors.Is(err, ErrProtocol) {
					t.Errorf("error = %v, want ErrProtocol", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeInbound(%s): %v", tt.line, err)
			}
			if msg.kind != tt.wantKind {
				t.Errorf("kind = %d, want %d", msg.kind, tt.wantKind)
			}
			if tt.wantKind != kindResponse {
				return
			}
			if msg.id != tt.wantID {
				t.Errorf("id = %d, want %d", msg.id, tt.wantID)
			}
			if msg.hasResult != tt.hasResult {
				t.Errorf("hasResult = %v, want %v", msg.hasResult, tt.hasResult)
			}
			if tt.rpcCode != 0 {
				if msg.err == nil || msg.err.Code != tt.rpcCode {
					t.Errorf("err = %v, want code %d", msg.err, tt.rpcCode)
				}
			} else if msg.err != nil {
				t.Errorf("err = %v, want nil", msg.err)
			}
		})
	}
}

func TestDecodeInboundKeepsErrorData(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":9,"error":{"code":-32000,"message":"tool failed","data":{"detail":"boom"}}}`
	msg, err := decodeInbound([]byte(line))
	if err != nil {
		t.Fatalf("decodeInbound: %v", err)
	}
	if msg.err == nil {
		t.Fatal("err = nil, want RPC error")
	}
	if string(msg.err.Data) != `{"detail":"boom"}` {
		t.Errorf("Data = %s, want %s", msg.err.Data, `{"detail":"boom"}`)
	}
}
