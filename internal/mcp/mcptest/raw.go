package mcptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// RawTools are the tools the scripted server advertises, in order.
//
//	echo        result text is the raw arguments JSON
//	sleep       {"ms":N,"tag":S}; replies with text S after N ms, off the read loop
//	crash       exits with status 3 without replying
//	fail        JSON-RPC error -32000 with data {"detail":"boom"}
//	noresult    a response with neither result nor error
//	garbage     a non-JSON line and a JSON array, then the echo reply
//	unknown_id  a response for an id never issued, then the echo reply
//	hang        never replies
//	cancelled   result {"cancelled":[ids]} of notifications/cancelled seen so far
//	ping_client sends ping and an unknown request to the client, replies
//	            with {"replies":{"srv-ping":<msg>,"srv-other":<msg>}}
var RawTools = []string{
	"echo", "sleep", "crash", "fail", "noresult", "garbage",
	"unknown_id", "hang", "cancelled", "ping_client",
}

type rawMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type rawServer struct {
	mode string
	in   *bufio.Scanner

	wmu sync.Mutex
	out io.Writer

	mu        sync.Mutex
	cancelled []int64
	replies   map[string]chan json.RawMessage
}

func newRawServer(mode string, in io.Reader, out io.Writer) *rawServer {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	return &rawServer{
		mode:      mode,
		in:        sc,
		out:       out,
		cancelled: []int64{},
		replies:   make(map[string]chan json.RawMessage),
	}
}

func (s *rawServer) serve() error {
	for s.in.Scan() {
		line := append([]byte(nil), s.in.Bytes()...)
		var msg rawMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "mcptest stub: bad line %q\n", line)
			continue
		}
		if msg.Method == "" {
			s.deliverReply(msg.ID, line)
			continue
		}
		s.handle(msg)
	}
	return s.in.Err()
}

func (s *rawServer) writeLine(b []byte) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, _ = s.out.Write(append(b, '\n'))
}

func (s *rawServer) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.writeLine(b)
}

func (s *rawServer) result(id json.RawMessage, result any) {
	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *rawServer) fail(id json.RawMessage, code int, message string, data any) {
	e := map[string]any{"code": code, "message": message}
	if data != nil {
		e["data"] = data
	}
	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "error": e})
}

func textResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

func (s *rawServer) handle(msg rawMessage) {
	switch msg.Method {
	case "initialize":
		s.initialize(msg)
	case "notifications/initialized":
	case "notifications/cancelled":
		var p struct {
			RequestID int64 `json:"requestId"`
		}
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			s.mu.Lock()
			s.cancelled = append(s.cancelled, p.RequestID)
			s.mu.Unlock()
		}
	case "tools/list":
		s.listTools(msg)
	case "tools/call":
		s.callTool(msg)
	case "ping":
		s.result(msg.ID, struct{}{})
	default:
		if msg.ID != nil {
			s.fail(msg.ID, -32601, "method not found", nil)
		}
	}
}

func (s *rawServer) initialize(msg rawMessage) {
	switch s.mode {
	case ModeBadInit:
		s.fail(msg.ID, -32603, "initialization refused", nil)
	case ModeNotObject:
		s.result(msg.ID, "hello")
	case ModeExitOnInit:
		os.Exit(4)
	case ModeSilent:
	default:
		s.result(msg.ID, map[string]any{
			"protocolVersion": "2025-06-18",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "mcptest-raw", "version": "1.0.0"},
		})
	}
}

func (s *rawServer) listTools(msg rawMessage) {
	tools := make([]map[string]any, 0, len(RawTools))
	for _, name := range RawTools {
		tools = append(tools, map[string]any{
			"name":        name,
			"description": "stub tool " + name,
			"inputSchema": map[string]any{"type": "object"},
		})
	}

	switch s.mode {
	case ModeNoTools:
		s.result(msg.ID, map[string]any{})
	case ModeNameless:
		s.result(msg.ID, map[string]any{"tools": []map[string]any{{"description": "anonymous"}}})
	case ModePaged:
		var p struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		page := 0
		if p.Cursor != "" {
			fmt.Sscanf(p.Cursor, "page-%d", &page)
		}
		res := map[string]any{"tools": tools[page : page+1]}
		if page+1 < len(tools) {
			res["nextCursor"] = fmt.Sprintf("page-%d", page+1)
		}
		s.result(msg.ID, res)
	default:
		s.result(msg.ID, map[string]any{"tools": tools})
	}
}

func (s *rawServer) callTool(msg rawMessage) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.fail(msg.ID, -32602, "invalid params", nil)
		return
	}

	switch p.Name {
	case "echo":
		s.result(msg.ID, textResult(string(p.Arguments)))
	case "sleep":
		var args struct {
			MS  int    `json:"ms"`
			Tag string `json:"tag"`
		}
		_ = json.Unmarshal(p.Arguments, &args)
		go func() {
			time.Sleep(time.Duration(args.MS) * time.Millisecond)
			s.result(msg.ID, textResult(args.Tag))
		}()
	case "crash":
		os.Exit(3)
	case "fail":
		s.fail(msg.ID, -32000, "tool failed", map[string]any{"detail": "boom"})
	case "noresult":
		s.send(map[string]any{"jsonrpc": "2.0", "id": msg.ID})
	case "garbage":
		s.writeLine([]byte("this is not json"))
		s.writeLine([]byte("[1,2,3]"))
		s.result(msg.ID, textResult(string(p.Arguments)))
	case "unknown_id":
		s.result(json.RawMessage("987654"), textResult("stray"))
		s.result(msg.ID, textResult(string(p.Arguments)))
	case "hang":
	case "cancelled":
		s.mu.Lock()
		ids := append([]int64(nil), s.cancelled...)
		s.mu.Unlock()
		s.result(msg.ID, map[string]any{"cancelled": ids})
	case "ping_client":
		go s.pingClient(msg.ID)
	default:
		s.fail(msg.ID, -32602, "unknown tool "+p.Name, nil)
	}
}

// pingClient issues two requests to the client and reports the replies.
func (s *rawServer) pingClient(id json.RawMessage) {
	ping := s.expectReply("srv-ping")
	other := s.expectReply("srv-other")
	s.send(map[string]any{"jsonrpc": "2.0", "id": "srv-ping", "method": "ping"})
	s.send(map[string]any{"jsonrpc": "2.0", "id": "srv-other", "method": "sampling/createMessage", "params": map[string]any{}})

	replies := map[string]json.RawMessage{}
	timeout := time.After(5 * time.Second)
	for len(replies) < 2 {
		select {
		case r := <-ping:
			replies["srv-ping"] = r
		case r := <-other:
			replies["srv-other"] = r
		case <-timeout:
			s.fail(id, -32001, "client did not answer", nil)
			return
		}
	}
	s.result(id, map[string]any{"replies": replies})
}

func (s *rawServer) expectReply(id string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.replies[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *rawServer) deliverReply(rawID json.RawMessage, line []byte) {
	var id string
	if err := json.Unmarshal(rawID, &id); err != nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.replies[id]
	delete(s.replies, id)
	s.mu.Unlock()
	if ok {
		ch <- json.RawMessage(line)
	}
}
