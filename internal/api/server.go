// Package api implements the HTTP API over a running tool host.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/toolhost"
)

// maxRequestBody bounds POST bodies.
const maxRequestBody = 4 << 20

// ToolHost is the part of *toolhost.Host the API serves.
type ToolHost interface {
	ListTools() []toolhost.ServerTool
	Servers() []toolhost.ServerStatus
	Call(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	host     ToolHost
	logger   *slog.Logger
	validate *validator.Validate
	events   *events.Bus
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, host ToolHost, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		host:     host,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Tool host
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("POST /v1/tools/call", s.handleCallTool)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start serves HTTP requests until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := s.address
	if addr == "" {
		addr = config.DefaultListenAddress
	}

	s.server = &http.Server{
		Addr:              net.JoinHostPort(addr, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Tool calls can run as long as the configured call timeout.
		WriteTimeout: 10 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "mcphost",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": s.host.ListTools()}, s.logger)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": s.host.Servers()}, s.logger)
}

// CallToolRequest is the body of POST /v1/tools/call. Server may be
// omitted when exactly one server provides Tool.
type CallToolRequest struct {
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool" validate:"required"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResponse wraps the server's result, passed through verbatim.
type CallToolResponse struct {
	Result json.RawMessage `json:"result"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	body, err := captureBody(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "bad_request", "read request body: "+err.Error(), nil)
		return
	}
	s.logger.Log(r.Context(), config.LevelTrace, "tool call request", "body", string(body))

	var req CallToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "bad_request", "invalid request body", nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "bad_request", "tool is required", nil)
		return
	}

	result, err := s.host.Call(r.Context(), req.Server, req.Tool, req.Arguments)
	if err != nil {
		kind := toolhost.Kind(err)
		s.logger.Warn("tool call failed",
			"mcp_server", req.Server,
			"tool", req.Tool,
			"kind", kind,
			"error", err,
		)
		var rpcErr *mcp.RPCError
		errors.As(err, &rpcErr)
		s.errorResponse(w, statusForKind(kind), kind, err.Error(), rpcErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, CallToolResponse{Result: result}, s.logger)
}

// statusForKind maps an error kind to an HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case toolhost.KindServerNotFound, toolhost.KindToolNotFound:
		return http.StatusNotFound
	case toolhost.KindAmbiguousTool:
		return http.StatusConflict
	case toolhost.KindRemote, toolhost.KindConnectionClosed, toolhost.KindProtocol:
		return http.StatusBadGateway
	case toolhost.KindTimeout:
		return http.StatusGatewayTimeout
	case toolhost.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the error envelope of every non-2xx response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure. RPC carries a remote JSON-RPC error
// verbatim when the server returned one.
type ErrorDetail struct {
	Kind    string        `json:"kind"`
	Message string        `json:"message"`
	Code    int           `json:"code"`
	RPC     *mcp.RPCError `json:"rpc,omitempty"`
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, kind, message string, rpcErr *mcp.RPCError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, ErrorBody{Error: ErrorDetail{
		Kind:    kind,
		Message: message,
		Code:    code,
		RPC:     rpcErr,
	}}, s.logger)
}
