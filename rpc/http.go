package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"shillmarket/core"
	"shillmarket/indexer"
	"shillmarket/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	shutdownTimeout = 5 * time.Second
	requestIDHeader = "X-Request-ID"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	CodeUnauthorized   = -32001
	codeServerError    = -32000
	CodeRateLimited    = -32020
)

// Method names served on the JSON-RPC endpoint.
const (
	MethodSendInstruction = "escrow_sendInstruction"
	MethodGetTreasury     = "escrow_getTreasury"
	MethodGetEscrow       = "escrow_getEscrow"
	MethodListEscrows     = "escrow_listEscrows"
	MethodDeriveAddresses = "escrow_deriveAddresses"
	MethodGetAccount      = "ledger_getAccount"
)

// ServerConfig tunes the HTTP listener. Zero values disable throttling and
// authentication.
type ServerConfig struct {
	ListenAddress      string
	ReadHeaderTimeout  time.Duration
	WriteTimeout       time.Duration
	RateLimitPerSecond float64
	RateLimitBurst     int
	Auth               AuthConfig
}

// Server exposes the node over JSON-RPC, plus health, metrics and the event
// stream.
type Server struct {
	node    *core.Node
	index   *indexer.Indexer
	hub     *EventHub
	cfg     ServerConfig
	logger  *slog.Logger
	limiter *sourceLimiter
	auth    *authenticator
	router  http.Handler
}

// NewServer wires the handlers. index and hub may be nil, in which case
// escrow_listEscrows and /ws/events report themselves unavailable.
func NewServer(node *core.Node, index *indexer.Indexer, hub *EventHub, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		node:    node,
		index:   index,
		hub:     hub,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "rpc")),
		limiter: newSourceLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		auth:    newAuthenticator(cfg.Auth),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(chimw.Recoverer)

	r.Post("/", s.handle)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEvents)
	return otelhttp.NewHandler(r, "shillmarket-rpc")
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", s.cfg.ListenAddress, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("rpc shutdown", slog.Any("error", err))
		}
	}()
	s.logger.Info("json-rpc server listening", slog.String("listen", listener.Addr().String()))
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
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

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to read request body", err.Error())
		return
	}
	req := &RPCRequest{}
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
	w = ww
	start := time.Now()
	defer func() {
		module, method := methodLabels(req.Method)
		observability.ModuleMetrics().Observe(module, method, ww.Status(), time.Since(start))
	}()

	switch req.Method {
	case MethodSendInstruction:
		s.handleSendInstruction(w, r, req)
	case MethodGetTreasury:
		s.handleGetTreasury(w, r, req)
	case MethodGetEscrow:
		s.handleGetEscrow(w, r, req)
	case MethodListEscrows:
		s.handleListEscrows(w, r, req)
	case MethodDeriveAddresses:
		s.handleDeriveAddresses(w, r, req)
	case MethodGetAccount:
		s.handleGetAccount(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
	}
}

// methodLabels splits a known method into its module and name. Unknown
// methods share one label pair.
func methodLabels(method string) (string, string) {
	switch method {
	case MethodSendInstruction, MethodGetTreasury, MethodGetEscrow, MethodListEscrows, MethodDeriveAddresses, MethodGetAccount:
		module, name, _ := strings.Cut(method, "_")
		return module, name
	default:
		return "unknown", "unknown"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}
	s.hub.ServeHTTP(w, r)
}

// decodeSingle unmarshals the only positional parameter into dst.
func decodeSingle(req *RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
