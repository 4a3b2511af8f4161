// Package api serves the local HTTP API the desktop shell uses to drive
// MCP servers: loading and listing them, calling tools, reading
// resources, and editing the launch file. The same operations are
// available as a request/response envelope over a WebSocket at /v1/ws,
// which can also stream server lifecycle and call events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/calllog"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/manager"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/mcpconfig"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 10 << 20

// Hosts is the set of operations the API exposes. [manager.Manager]
// implements it.
type Hosts interface {
	LoadServers(ctx context.Context) ([]string, error)
	ListServers() []manager.ServerStatus
	CallTool(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error)
	ReadResource(ctx context.Context, server, uri string) (json.RawMessage, error)
	Catalog() []mcp.CatalogEntry
	CallQualified(ctx context.Context, qualified string, args json.RawMessage) (json.RawMessage, error)
	StopServer(name string) error
	Config() (*mcpconfig.Config, error)
	SaveConfig(servers map[string]mcpconfig.ServerConfig) error
	ConfigPath() string
}

// CallLog answers call history queries. [calllog.Store] implements it.
type CallLog interface {
	Recent(ctx context.Context, server string, limit int) ([]calllog.Record, error)
	SummaryByServer(ctx context.Context, since time.Time) ([]calllog.Summary, error)
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
	address string
	port    int
	hosts   Hosts
	calls   CallLog
	events  *events.Bus
	origins []string
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, hosts Hosts, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		hosts:   hosts,
		logger:  logger,
	}
}

// SetCallLog enables the call history endpoints.
func (s *Server) SetCallLog(cl CallLog) {
	s.calls = cl
}

// SetEventBus enables the "subscribe" WebSocket method, which streams
// bus events to the connection.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.events = bus
}

// SetAllowedOrigins sets the browser origins allowed by CORS and by the
// WebSocket origin check. "*" allows any origin.
func (s *Server) SetAllowedOrigins(origins []string) {
	s.origins = origins
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("POST /v1/servers/load", s.handleLoadServers)
	mux.HandleFunc("GET /v1/servers", s.handleListServers)
	mux.HandleFunc("DELETE /v1/servers/{name}", s.handleStopServer)
	mux.HandleFunc("POST /v1/servers/{name}/tools/{tool}", s.handleCallTool)
	mux.HandleFunc("POST /v1/servers/{name}/resources/read", s.handleReadResource)

	mux.HandleFunc("GET /v1/tools", s.handleCatalog)
	mux.HandleFunc("POST /v1/tools/{qualified}", s.handleCallQualified)

	mux.HandleFunc("GET /v1/config", s.handleGetConfig)
	mux.HandleFunc("PUT /v1/config", s.handlePutConfig)
	mux.HandleFunc("GET /v1/config/path", s.handleConfigPath)

	mux.HandleFunc("GET /v1/calls", s.handleCalls)
	mux.HandleFunc("GET /v1/calls/summary", s.handleCallSummary)

	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)

	// An empty AllowedOrigins means allow-all to rs/cors, so origins
	// are always decided by originPermitted.
	c := cors.New(cors.Options{
		AllowOriginFunc: s.originPermitted,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
	})
	return s.withLogging(s.withOriginCheck(c.Handler(mux)))
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Tool calls may run up to the request timeout; the WebSocket
		// clears its own deadlines.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)

		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withOriginCheck rejects browser requests from origins that are not
// configured. Simple cross-origin POSTs skip the preflight, so CORS
// headers alone would not keep them away from the handlers.
func (s *Server) withOriginCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.originAllowed(r) {
			s.logger.Warn("rejected request from disallowed origin",
				"origin", r.Header.Get("Origin"),
				"method", r.Method,
				"path", r.URL.Path,
			)
			s.errorResponse(w, http.StatusForbidden, "origin not allowed", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":  "healthy",
		"servers": len(s.hosts.ListServers()),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleLoadServers(w http.ResponseWriter, r *http.Request) {
	names, err := s.hosts.LoadServers(r.Context())
	if err != nil {
		s.failure(w, err)
		return
	}
	s.ok(w, map[string]any{"servers": names})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]any{"servers": s.hosts.ListServers()})
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	if err := s.hosts.StopServer(r.PathValue("name")); err != nil {
		s.failure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	args, err := readArguments(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	result, err := s.hosts.CallTool(r.Context(), r.PathValue("name"), r.PathValue("tool"), args)
	if err != nil {
		s.failure(w, err)
		return
	}
	s.raw(w, result)
}

// readResourceRequest is the body of a resource read.
type readResourceRequest struct {
	URI string `json:"uri"`
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	var req readResourceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.URI == "" {
		s.errorResponse(w, http.StatusBadRequest, "body must be {\"uri\": \"...\"}", nil)
		return
	}
	result, err := s.hosts.ReadResource(r.Context(), r.PathValue("name"), req.URI)
	if err != nil {
		s.failure(w, err)
		return
	}
	s.raw(w, result)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]any{"tools": s.hosts.Catalog()})
}

func (s *Server) handleCallQualified(w http.ResponseWriter, r *http.Request) {
	args, err := readArguments(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	result, err := s.hosts.CallQualified(r.Context(), r.PathValue("qualified"), args)
	if err != nil {
		s.failure(w, err)
		return
	}
	s.raw(w, result)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.hosts.Config()
	if err != nil {
		s.failure(w, err)
		return
	}
	s.ok(w, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg mcpconfig.Config
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cfg); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid config: "+err.Error(), nil)
		return
	}
	if err := cfg.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.hosts.SaveConfig(cfg.Servers); err != nil {
		s.failure(w, err)
		return
	}
	s.ok(w, map[string]any{"path": s.hosts.ConfigPath(), "servers": cfg.Names()})
}

func (s *Server) handleConfigPath(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]string{"path": s.hosts.ConfigPath()})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "call log not configured", nil)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = min(n, 1000)
	}

	recs, err := s.calls.Recent(r.Context(), r.URL.Query().Get("server"), limit)
	if err != nil {
		s.logger.Error("call log query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "call log query failed", nil)
		return
	}

	out := make([]callRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newCallRecord(rec))
	}
	s.ok(w, map[string]any{"calls": out})
}

func (s *Server) handleCallSummary(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "call log not configured", nil)
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid window", nil)
			return
		}
		window = d
	}

	sums, err := s.calls.SummaryByServer(r.Context(), time.Now().Add(-window))
	if err != nil {
		s.logger.Error("call summary query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "call summary query failed", nil)
		return
	}

	out := make([]callSummary, 0, len(sums))
	for _, sum := range sums {
		out = append(out, callSummary{
			Server:     sum.Server,
			Calls:      sum.Calls,
			Failures:   sum.Failures,
			Timeouts:   sum.Timeouts,
			TotalMS:    sum.TotalTime.Milliseconds(),
			WindowSecs: int64(window.Seconds()),
		})
	}
	s.ok(w, map[string]any{"summary": out})
}

// callRecord is the wire form of a calllog record.
type callRecord struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Server     string    `json:"server"`
	Kind       string    `json:"kind"`
	Target     string    `json:"target"`
	DurationMS int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

func newCallRecord(rec calllog.Record) callRecord {
	return callRecord{
		ID:         rec.ID,
		Time:       rec.Time,
		Server:     rec.Server,
		Kind:       string(rec.Kind),
		Target:     rec.Target,
		DurationMS: rec.Duration.Milliseconds(),
		Outcome:    string(rec.Outcome),
		Error:      rec.Error,
	}
}

type callSummary struct {
	Server     string `json:"server"`
	Calls      int    `json:"calls"`
	Failures   int    `json:"failures"`
	Timeouts   int    `json:"timeouts"`
	TotalMS    int64  `json:"total_ms"`
	WindowSecs int64  `json:"window_seconds"`
}

// readArguments returns the request body as tool arguments. An empty
// body is no arguments; anything else must be a JSON object.
func readArguments(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return parseArguments(body)
}

func parseArguments(body []byte) (json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, errors.New("arguments must be a JSON object")
	}
	if obj == nil {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

func (s *Server) ok(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

// raw writes a result document exactly as the server returned it.
func (s *Server) raw(w http.ResponseWriter, doc json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	if len(doc) == 0 {
		doc = json.RawMessage("null")
	}
	if _, err := w.Write(append(doc, '\n')); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// failure maps a manager or protocol error onto an HTTP status.
func (s *Server) failure(w http.ResponseWriter, err error) {
	status, rpcErr := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "status", status, "error", err)
	}
	s.errorResponse(w, status, err.Error(), rpcErr)
}

// classify returns the HTTP status for err and the JSON-RPC error it
// carries, if any.
func classify(err error) (int, *mcp.RPCError) {
	var rpcErr *mcp.RPCError
	switch {
	case errors.Is(err, manager.ErrServerNotFound), errors.Is(err, manager.ErrToolNotFound):
		return http.StatusNotFound, nil
	case errors.Is(err, mcp.ErrTimeout):
		return http.StatusGatewayTimeout, nil
	case errors.As(err, &rpcErr):
		return http.StatusBadGateway, rpcErr
	case errors.Is(err, mcp.ErrCancelled), errors.Is(err, mcp.ErrNotReady):
		return http.StatusBadGateway, nil
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, nil
	}
	return http.StatusInternalServerError, nil
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string, rpcErr *mcp.RPCError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": newErrorBody(code, message, rpcErr)}, s.logger)
}

// errorBody is the error object in HTTP and WebSocket replies.
type errorBody struct {
	Message string          `json:"message"`
	Code    int             `json:"code"`
	RPCCode int             `json:"rpc_code,omitempty"`
	RPCData json.RawMessage `json:"rpc_data,omitempty"`
}

func newErrorBody(code int, message string, rpcErr *mcp.RPCError) *errorBody {
	e := &errorBody{Message: message, Code: code}
	if rpcErr != nil {
		e.RPCCode = rpcErr.Code
		e.RPCData = rpcErr.Data
	}
	return e
}

// originAllowed applies the configured origin list to WebSocket
// upgrades. Requests without an Origin header are not from a browser
// and are allowed.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.originPermitted(origin)
}

// originPermitted reports whether a browser origin is configured. No
// configured origins denies every origin.
func (s *Server) originPermitted(origin string) bool {
	return slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}
