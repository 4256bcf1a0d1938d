package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowledger/core"
	"escrowledger/core/events"
	"escrowledger/crypto"
	"escrowledger/observability"
	"escrowledger/observability/logging"
	"escrowledger/storage/auditlog"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	moduleName      = "escrow"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
	codeEscrowError    = -32030
)

// ServerConfig wires the optional collaborators of the JSON-RPC server.
type ServerConfig struct {
	Auth      AuthConfig
	RateLimit RateLimitConfig
	AuditLog  *auditlog.Store
	Events    *events.Hub
	// WSOrigins lists host patterns allowed to open the event stream from a
	// browser. Same-origin requests are always accepted.
	WSOrigins []string
	Logger    *slog.Logger
}

// Server exposes the escrow ledger over JSON-RPC 2.0.
type Server struct {
	node    *core.Node
	auth    *Authenticator
	limiter *RateLimiter
	audit   *auditlog.Store
	hub     *events.Hub
	logger  *slog.Logger
	metrics requestObserver

	wsOrigins []string
}

type requestObserver interface {
	Observe(module, method string, code int, duration time.Duration)
}

// NewServer constructs a server bound to node.
func NewServer(node *core.Node, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Events != nil {
		cfg.Events.OnDrop(recordSlowSubscriber)
	}
	return &Server{
		node:      node,
		auth:      NewAuthenticator(cfg.Auth),
		limiter:   NewRateLimiter(cfg.RateLimit),
		audit:     cfg.AuditLog,
		hub:       cfg.Events,
		logger:    logger,
		metrics:   observability.ModuleMetrics(),
		wsOrigins: cfg.WSOrigins,
	}
}

// Router returns the chi router serving the RPC endpoint, health and metrics.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleEventsWS)
	r.Group(func(rr chi.Router) {
		rr.Use(s.limiter.Middleware)
		rr.Post("/", s.handle)
	})
	return r
}

// Handler returns the router wrapped with OpenTelemetry HTTP instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Router(), "escrowd.rpc")
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id,omitempty"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// responseID converts a raw request id to something json can echo; a missing
// id becomes null.
func responseID(raw json.RawMessage) interface{} {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return raw
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if rec, ok := w.(*codeRecorder); ok {
		rec.code = code
	}
	w.WriteHeader(status)
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// codeRecorder remembers the JSON-RPC error code written for metrics and the
// request log.
type codeRecorder struct {
	http.ResponseWriter
	code int
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte)

type method struct {
	handler  handlerFunc
	mutating bool
}

func (s *Server) methods() map[string]method {
	return map[string]method{
		"escrow_create":             {s.handleEscrowCreate, true},
		"escrow_release":            {s.handleEscrowRelease, true},
		"escrow_partialRelease":     {s.handleEscrowPartialRelease, true},
		"escrow_refund":             {s.handleEscrowRefund, true},
		"escrow_raiseDispute":       {s.handleEscrowRaiseDispute, true},
		"escrow_resolveDispute":     {s.handleEscrowResolveDispute, true},
		"escrow_get":                {s.handleEscrowGet, false},
		"escrow_getCount":           {s.handleEscrowGetCount, false},
		"escrow_getRemaining":       {s.handleEscrowGetRemaining, false},
		"escrow_canRefund":          {s.handleEscrowCanRefund, false},
		"escrow_getTimeUntilUnlock": {s.handleEscrowGetTimeUntilUnlock, false},
		"escrow_getTotalStats":      {s.handleEscrowGetTotalStats, false},
		"escrow_list":               {s.handleEscrowList, false},
		"escrow_listEvents":         {s.handleEscrowListEvents, false},
		"bank_getBalance":           {s.handleBankGetBalance, false},
	}
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")
	rec := &codeRecorder{ResponseWriter: w}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(rec, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(rec, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(rec, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	id := responseID(req.ID)
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(rec, http.StatusBadRequest, id, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(rec, http.StatusBadRequest, id, codeInvalidRequest, "method required", nil)
		return
	}

	var caller [20]byte
	defer func() {
		s.observe(r, req.Method, caller, rec.code, time.Since(start))
	}()

	m, ok := s.methods()[req.Method]
	if !ok {
		writeError(rec, http.StatusNotFound, id, codeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method), nil)
		return
	}
	if m.mutating {
		authed, authErr := s.auth.Authenticate(r)
		if authErr != nil {
			s.logger.Warn("rpc auth rejected",
				slog.String("requestId", RequestIDFromContext(r.Context())),
				slog.String("method", req.Method),
				logging.MaskField("authorization", r.Header.Get("Authorization")),
				slog.Any("error", authErr))
			writeError(rec, http.StatusUnauthorized, id, codeUnauthorized, "unauthorized", authErr.Error())
			return
		}
		caller = authed
	}
	m.handler(rec, r, req, caller)
}

func (s *Server) observe(r *http.Request, method string, caller [20]byte, code int, elapsed time.Duration) {
	s.metrics.Observe(moduleName, method, code, elapsed)
	callerStr := ""
	if caller != ([20]byte{}) {
		callerStr = crypto.FromRaw(caller).String()
	}
	reqID := RequestIDFromContext(r.Context())
	s.logger.Info("rpc request",
		slog.String("requestId", reqID),
		slog.String("method", method),
		slog.Int("code", code),
		slog.Duration("duration", elapsed))
	if s.audit == nil {
		return
	}
	err := s.audit.InsertRequest(r.Context(), auditlog.RequestEntry{
		RequestID: reqID,
		Method:    method,
		Caller:    callerStr,
		Code:      code,
		Duration:  elapsed,
	})
	if err != nil {
		s.logger.Warn("request log insert failed", slog.String("requestId", reqID), slog.Any("error", err))
	}
}
