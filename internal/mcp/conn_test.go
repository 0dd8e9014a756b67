package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// wireMsg is a message as seen by the fake server.
type wireMsg struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// pipeServer is an in-process fake MCP server on the far end of a pair
// of pipes. Everything the client writes is decoded onto msgs, so client
// writes never block on the test.
type pipeServer struct {
	msgs chan wireMsg
	out  *io.PipeWriter
}

func newPipeConn(t *testing.T, opts Options) (*Conn, *pipeServer) {
	t.Helper()

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	c := NewConn("pipe", clientR, clientW, opts)

	s := &pipeServer{msgs: make(chan wireMsg, 64), out: serverW}
	go func() {
		defer close(s.msgs)
		r := bufio.NewReader(serverR)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			var m wireMsg
			if err := json.Unmarshal(line, &m); err != nil {
				t.Errorf("client wrote invalid JSON: %q", line)
				continue
			}
			s.msgs <- m
		}
	}()

	t.Cleanup(func() {
		serverW.Close()
		c.Close()
		serverR.Close()
	})
	return c, s
}

func (s *pipeServer) send(line string) {
	_, _ = s.out.Write([]byte(line + "\n"))
}

func (s *pipeServer) respond(id json.RawMessage, result string) {
	s.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, id, result))
}

func (s *pipeServer) next(t *testing.T) wireMsg {
	t.Helper()
	select {
	case m, ok := <-s.msgs:
		if !ok {
			t.Fatal("client stream closed")
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a client message")
	}
	return wireMsg{}
}

// serveHandshake plays the server side of a successful handshake.
func (s *pipeServer) serveHandshake(tools string) {
	for m := range s.msgs {
		switch m.Method {
		case "initialize":
			s.respond(m.ID, `{"protocolVersion":"2025-06-18","capabilities":{},"serverInfo":{"name":"pipe","version":"0.1"}}`)
		case "tools/list":
			s.respond(m.ID, `{"tools":`+tools+`}`)
			return
		}
	}
}

func readyPipeConn(t *testing.T, opts Options) (*Conn, *pipeServer) {
	t.Helper()
	c, s := newPipeConn(t, opts)
	go s.serveHandshake(`[{"name":"echo","description":"Echo","inputSchema":{"type":"object"}}]`)
	if err := c.Handshake(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Handshake() = %v", err)
	}
	return c, s
}

type outcome struct {
	result json.RawMessage
	err    error
}

func callAsync(c *Conn, method string, params any) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		res, err := c.Call(context.Background(), method, params)
		ch <- outcome{res, err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("call did not complete")
	}
	return outcome{}
}

func TestConn_ConcurrentCallsOutOfOrder(t *testing.T) {
	c, s := newPipeConn(t, Options{})

	const n = 8
	go func() {
		var reqs []wireMsg
		for len(reqs) < n {
			m, ok := <-s.msgs
			if !ok {
				return
			}
			reqs = append(reqs, m)
		}
		// Answer in reverse arrival order.
		for i := len(reqs) - 1; i >= 0; i-- {
			s.respond(reqs[i].ID, string(reqs[i].Params))
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf(`{"caller":%d}`, i)
			got, err := c.Call(context.Background(), "test/echo", json.RawMessage(want))
			if err != nil {
				t.Errorf("caller %d: Call() = %v", i, err)
				return
			}
			if string(got) != want {
				t.Errorf("caller %d got %s, want %s", i, got, want)
			}
		}(i)
	}
	wg.Wait()

	if got := c.Outstanding(); got != 0 {
		t.Errorf("Outstanding() = %d, want 0", got)
	}
}

func TestConn_SequentialIDs(t *testing.T) {
	c, s := newPipeConn(t, Options{})

	for want := 0; want < 3; want++ {
		ch := callAsync(c, "test/seq", nil)
		m := s.next(t)
		if string(m.ID) != fmt.Sprint(want) {
			t.Errorf("request id = %s, want %d", m.ID, want)
		}
		s.respond(m.ID, `{}`)
		if o := wait(t, ch); o.err != nil {
			t.Fatalf("Call() = %v", o.err)
		}
	}
}

func TestConn_UnknownIDIsDropped(t *testing.T) {
	c, s := newPipeConn(t, Options{})

	ch := callAsync(c, "test/call", nil)
	m := s.next(t)
	s.respond(json.RawMessage("4242"), `{"stray":true}`)
	s.respond(m.ID, `{"mine":true}`)

	o := wait(t, ch)
	if o.err != nil {
		t.Fatalf("Call() = %v", o.err)
	}
	if string(o.result) != `{"mine":true}` {
		t.Errorf("result = %s, want {\"mine\":true}", o.result)
	}
	if c.Err() != nil {
		t.Errorf("Err() = %v, want nil", c.Err())
	}
}

func TestConn_MalformedLinesAreTolerated(t *testing.T) {
	c, s := newPipeConn(t, Options{})

	ch := callAsync(c, "test/call", nil)
	m := s.next(t)
	s.send(`this is not json`)
	s.send(`[1,2,3]`)
	s.send(`{"jsonrpc":"2.0"}`)
	s.send(``)
	s.send(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`)
	s.respond(m.ID, `{"fine":true}`)

	o := wait(t, ch)
	if o.err != nil {
		t.Fatalf("Call() = %v", o.err)
	}
	if string(o.result) != `{"fine":true}` {
		t.Errorf("result = %s", o.result)
	}
	if got := c.State(); got != StateInitializing {
		t.Errorf("State() = %s, want initializing", got)
	}
}

func TestConn_ResponseWithoutResultOrError(t *testing.T) {
	c, s := newPipeConn(t, Options{})

	ch := callAsync(c, "test/call", nil)
	m := s.next(t)
	s.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s}`, m.ID))

	o := wait(t, ch)
	if !errors.Is(o.err, ErrProtocol) {
		t.Errorf("err = %v, want ErrProtocol", o.err)
	}
}

func TestConn_RemoteErrorVerbatim(t *testing.T) {
	c, s := newPipeConn(t, Options{})

	ch := callAsync(c, "tools/call", nil)
	m := s.next(t)
	s.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"tool failed","data":{"detail":"boom"}}}`, m.ID))

	o := wait(t, ch)
	var rpcErr *RPCError
	if !errors.As(o.err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", o.err)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "tool failed" {
		t.Errorf("RPCError = %d %q", rpcErr.Code, rpcErr.Message)
	}
	if string(rpcErr.Data) != `{"detail":"boom"}` {
		t.Errorf("Data = %s", rpcErr.Data)
	}
}

func TestConn_TimeoutSendsCancellation(t *testing.T) {
	c, s := newPipeConn(t, Options{CallTimeout: 100 * time.Millisecond})

	_, err := c.Call(context.Background(), "test/slow", nil)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false")
	}
	if te.Method != "test/slow" || te.ID != 0 {
		t.Errorf("TimeoutError = %+v", te)
	}

	req := s.next(t)
	cancel := s.next(t)
	if cancel.Method != "notifications/cancelled" {
		t.Fatalf("second message = %q, want notifications/cancelled", cancel.Method)
	}
	var p struct {
		RequestID int64  `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(cancel.Params, &p); err != nil {
		t.Fatalf("cancel params: %v", err)
	}
	if p.RequestID != 0 || p.Reason == "" {
		t.Errorf("cancel params = %+v", p)
	}

	// The late response finds no slot and the connection carries on.
	s.respond(req.ID, `{"late":true}`)
	ch := callAsync(c, "test/fast", nil)
	m := s.next(t)
	if string(m.ID) != "1" {
		t.Errorf("next request id = %s, want 1", m.ID)
	}
	s.respond(m.ID, `{"ok":true}`)
	o := wait(t, ch)
	if o.err != nil || string(o.result) != `{"ok":true}` {
		t.Errorf("Call() = %s, %v", o.result, o.err)
	}
	if c.Err() != nil {
		t.Errorf("Err() = %v, want nil", c.Err())
	}
}

func TestConn_ContextCancel(t *testing.T) {
	c, s := newPipeConn(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "test/slow", nil)
		errc <- err
	}()
	s.next(t)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Call did not return after cancel")
	}

	if m := s.next(t); m.Method != "notifications/cancelled" {
		t.Errorf("message = %q, want notifications/cancelled", m.Method)
	}
	if got := c.Outstanding(); got != 0 {
		t.Errorf("Outstanding() = %d, want 0", got)
	}
}

func TestConn_AnswersServerRequests(t *testing.T) {
	_, s := newPipeConn(t, Options{})

	s.send(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	m := s.next(t)
	if string(m.ID) != "7" {
		t.Errorf("ping reply id = %s, want 7", m.ID)
	}
	if string(m.Result) != `{}` || m.Error != nil {
		t.Errorf("ping reply = result %s error %v, want {}", m.Result, m.Error)
	}

	s.send(`{"jsonrpc":"2.0","id":"x","method":"roots/list"}`)
	m = s.next(t)
	if string(m.ID) != `"x"` {
		t.Errorf("reply id = %s, want \"x\"", m.ID)
	}
	if m.Error == nil || m.Error.Code != -32601 {
		t.Errorf("reply error = %v, want code -32601", m.Error)
	}
}

func TestConn_CloseFailsOutstandingCalls(t *testing.T) {
	c, s := newPipeConn(t, Options{})

	const k = 5
	var chans []<-chan outcome
	for i := 0; i < k; i++ {
		chans = append(chans, callAsync(c, "test/hang", nil))
	}
	for i := 0; i < k; i++ {
		s.next(t)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	for i, ch := range chans {
		o := wait(t, ch)
		if !errors.Is(o.err, ErrConnectionClosed) {
			t.Errorf("call %d err = %v, want ErrConnectionClosed", i, o.err)
		}
	}

	if _, err := c.Call(context.Background(), "test/after", nil); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Call after Close err = %v, want ErrConnectionClosed", err)
	}
	if err := c.Notify("test/after", nil); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Notify after Close err = %v, want ErrConnectionClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done() not closed after Close")
	}
}

func TestConn_StateLifecycle(t *testing.T) {
	c, _ := readyPipeConn(t, Options{})

	if got := c.State(); got != StateReady {
		t.Fatalf("State() = %s, want ready", got)
	}
	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("Tools() = %+v", tools)
	}
	if !c.HasTool("echo") || c.HasTool("missing") {
		t.Error("HasTool mismatch")
	}
	info, proto := c.ServerInfo()
	if info.Name != "pipe" || proto != ProtocolVersion {
		t.Errorf("ServerInfo() = %+v, %q", info, proto)
	}

	// Mutating the returned copy leaves the connection untouched.
	tools[0].Name = "changed"
	if c.Tools()[0].Name != "echo" {
		t.Error("Tools() returned shared storage")
	}

	c.Close()
	if got := c.State(); got != StateClosed {
		t.Errorf("State() after Close = %s, want closed", got)
	}
	if c.transition(StateReady) {
		t.Error("transition closed -> ready allowed")
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("State() = %s, want closed", got)
	}
}

func TestConn_HandshakeRequiresInitializing(t *testing.T) {
	c, _ := readyPipeConn(t, Options{})

	err := c.Handshake(context.Background(), time.Second)
	if !errors.Is(err, ErrHandshake) {
		t.Errorf("second Handshake() = %v, want ErrHandshake", err)
	}
	if got := c.State(); got != StateReady {
		t.Errorf("State() = %s, want ready", got)
	}
}

func TestConn_ServerEOFNotifiesOnExit(t *testing.T) {
	exited := make(chan error, 1)
	c, s := newPipeConn(t, Options{
		OnExit: func(_ *Conn, err error) { exited <- err },
	})

	ch := callAsync(c, "test/hang", nil)
	s.next(t)
	s.out.Close()

	o := wait(t, ch)
	if !errors.Is(o.err, ErrConnectionClosed) {
		t.Errorf("err = %v, want ErrConnectionClosed", o.err)
	}

	select {
	case err := <-exited:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("OnExit err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit not called")
	}
	if got := c.State(); got != StateFailed {
		t.Errorf("State() = %s, want failed", got)
	}
}

func TestConn_CloseDoesNotNotifyOnExit(t *testing.T) {
	exited := make(chan error, 1)
	c, _ := readyPipeConn(t, Options{
		OnExit: func(_ *Conn, err error) { exited <- err },
	})

	c.Close()
	select {
	case err := <-exited:
		t.Errorf("OnExit called with %v after Close", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConn_CallToolDefaultsArguments(t *testing.T) {
	c, s := newPipeConn(t, Options{})

	tests := []struct {
		name string
		args json.RawMessage
		want string
	}{
		{"nil", nil, `{}`},
		{"null", json.RawMessage(`null`), `{}`},
		{"object", json.RawMessage(`{"a": 1}`), `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errc := make(chan error, 1)
			go func() {
				_, err := c.CallTool(context.Background(), "echo", tt.args)
				errc <- err
			}()
			m := s.next(t)
			var p struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			if err := json.Unmarshal(m.Params, &p); err != nil {
				t.Fatalf("params: %v", err)
			}
			if p.Name != "echo" || string(p.Arguments) != tt.want {
				t.Errorf("params = %s %s, want echo %s", p.Name, p.Arguments, tt.want)
			}
			s.respond(m.ID, `{"content":[]}`)
			if err := <-errc; err != nil {
				t.Errorf("CallTool() = %v", err)
			}
		})
	}
}

func TestConn_CallToolRejectsInvalidArguments(t *testing.T) {
	c, _ := newPipeConn(t, Options{})

	_, err := c.CallTool(context.Background(), "echo", json.RawMessage(`{not json`))
	if err == nil {
		t.Fatal("CallTool() = nil error, want invalid JSON error")
	}
	if errors.Is(err, ErrConnectionClosed) {
		t.Errorf("err = %v, must not look like a closed connection", err)
	}
	if c.Err() != nil {
		t.Errorf("Err() = %v, want nil", c.Err())
	}
}
