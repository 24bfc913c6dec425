package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"shillmarket/rpc"
)

const maxDecisionBytes = 1 << 16

// Server exposes the coordinator over HTTP.
type Server struct {
	coordinator *Coordinator
	auth        *Authenticator
}

// NewServer wraps coordinator, guarding writes with auth.
func NewServer(coordinator *Coordinator, auth *Authenticator) *Server {
	return &Server{coordinator: coordinator, auth: auth}
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "authority": s.coordinator.Authority()})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1/settlements", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/", s.handleSettle)
		r.Get("/{orderID}", s.handleStatus)
	})
	return otelhttp.NewHandler(r, "settlementd")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var d Decision
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDecisionBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	rec, err := s.coordinator.Settle(r.Context(), d)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Code: rpc.ErrorCode(err)})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseUint(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "order id must be an unsigned integer"})
		return
	}
	rec, ok := s.coordinator.Status(orderID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no settlement recorded"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidDecision):
		return http.StatusBadRequest
	case errors.Is(err, ErrSettlementInFlight), errors.Is(err, ErrConflictingDecision):
		return http.StatusConflict
	case errors.Is(err, ErrRetriesExhausted):
		return http.StatusBadGateway
	case rpc.ErrorCode(err) != 0:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
