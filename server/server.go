// Package server exposes the gateway's inbound HTTP API: the tool catalog,
// tool invocation, pending-invocation completion, and a health endpoint.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/petal-labs/trellis"
	"github.com/petal-labs/trellis/envelope"
	"github.com/petal-labs/trellis/tool"
	"github.com/petal-labs/trellis/transport"
)

// Config configures a Server instance.
type Config struct {
	Gateway *trellis.Gateway
	// BearerToken, when set, is required on every request except /health.
	BearerToken string
	// MaxBody bounds request bodies. Default: 1 MB.
	MaxBody int64
	Logger  *slog.Logger
}

// Server is the inbound HTTP API for one gateway.
type Server struct {
	gateway     *trellis.Gateway
	bearerToken string
	maxBody     int64
	logger      *slog.Logger
}

// NewServer creates a server around an assembled gateway.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Server{
		gateway:     cfg.Gateway,
		bearerToken: strings.TrimSpace(cfg.BearerToken),
		maxBody:     maxBody,
		logger:      logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	return handler
}

// RegisterRoutes mounts the API onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST "+transport.PathListTools, s.handleListTools)
	mux.HandleFunc("POST "+transport.PathInvokeTool, s.handleInvokeTool)
	mux.HandleFunc("GET /pending", s.handleListPending)
	mux.HandleFunc("GET /pending/{id}", s.handleGetPending)
	mux.HandleFunc("POST /pending/{id}/complete", s.handleCompletePending)
}

// --- Middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) != s.bearerToken {
			writeEnvelope(w, envelope.Newf(envelope.CodeAuthRejected, false, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

type healthResponse struct {
	Status   string                      `json:"status"`
	Circuits []resilienceBreakerSnapshot `json:"circuits,omitempty"`
	Tools    int                         `json:"tools"`
}

type resilienceBreakerSnapshot struct {
	ServerID string `json:"server_id"`
	State    string `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshots := s.gateway.Breakers().Snapshots()
	circuits := make([]resilienceBreakerSnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		circuits = append(circuits, resilienceBreakerSnapshot{
			ServerID: snap.ServerID,
			State:    string(snap.State),
		})
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Circuits: circuits,
		Tools:    len(s.gateway.LocalTools()),
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	locals := s.gateway.LocalTools()
	wires := make([]tool.WireDescriptor, 0, len(locals))
	for _, desc := range locals {
		wires = append(wires, tool.ToWire(desc))
	}
	writeJSON(w, http.StatusOK, transport.ListToolsResponse{Tools: wires})
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	var req transport.InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, envelope.Newf(envelope.CodeSchemaViolation, false, "undecodable invoke request: %v", err))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeEnvelope(w, envelope.Newf(envelope.CodeSchemaViolation, false, "tool name is required"))
		return
	}

	data, err := s.gateway.HandleInvocation(r.Context(), req.Name, req.Params)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.InvokeResponse{Result: data})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	invs, err := s.gateway.PendingInvocations(r.Context())
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": invs})
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	inv, err := s.gateway.AwaitPending(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

type completePendingRequest struct {
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

func (s *Server) handleCompletePending(w http.ResponseWriter, r *http.Request) {
	var req completePendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, envelope.Newf(envelope.CodeSchemaViolation, false, "undecodable completion request: %v", err))
		return
	}
	if err := s.gateway.CompletePending(r.Context(), r.PathValue("id"), req.Result, req.ErrorCode); err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEnvelope renders any error as the wire error shape, mapping envelope
// codes onto HTTP statuses so a peer gateway classifies them the same way.
func writeEnvelope(w http.ResponseWriter, err error) {
	env := envelope.Normalize(err)
	writeJSON(w, statusFor(env.Code), transport.InvokeResponse{
		Error: &transport.WireError{
			Code:    env.Code,
			Message: env.Message,
		},
	})
}

func statusFor(code string) int {
	switch code {
	case envelope.CodeSchemaViolation:
		return http.StatusBadRequest
	case envelope.CodeToolNotFound:
		return http.StatusNotFound
	case envelope.CodeDuplicateTool:
		return http.StatusConflict
	case envelope.CodeAuthConfigInvalid, envelope.CodeAuthRejected:
		return http.StatusUnauthorized
	case envelope.CodeCircuitOpen, envelope.CodePoolExhausted:
		return http.StatusServiceUnavailable
	case envelope.CodeTransportTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
