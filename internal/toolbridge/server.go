package toolbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/log"
	"github.com/berth-dev/claudegram/internal/security"
	"github.com/berth-dev/claudegram/internal/tools"
)

// Server executes tool calls and hook checks for Claude subprocesses.
type Server struct {
	registry *tools.Registry
	gate     *security.Gate
	logger   *zap.Logger

	listener net.Listener
	server   *http.Server
}

// NewServer creates a server bound to a random port on localhost. gate may
// be nil, in which case every hook is allowed.
func NewServer(registry *tools.Registry, gate *security.Gate, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("toolbridge: binding listener: %w", err)
	}

	s := &Server{
		registry: registry,
		gate:     gate,
		logger:   log.OrNop(logger),
		listener: ln,
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Post("/tools/call", s.handleToolCall)
	r.Post("/hooks/pre_tool_use", s.handlePreToolUse)

	s.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// Addr returns the address the server is listening on (e.g. "127.0.0.1:12345").
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves until Stop is called. Call in a goroutine.
func (s *Server) Start() error {
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req ToolCallRequest
	if !readJSON(w, r, &req) {
		return
	}

	ctx := tools.WithUser(r.Context(), req.UserID)
	res := s.registry.Execute(ctx, req.Name, req.Arguments)
	s.logger.Debug("tool call",
		zap.String("tool", req.Name),
		zap.Int64("user_id", req.UserID),
		zap.Bool("is_error", res.IsError),
	)
	writeJSON(w, res)
}

func (s *Server) handlePreToolUse(w http.ResponseWriter, r *http.Request) {
	var req HookRequest
	if !readJSON(w, r, &req) {
		return
	}
	if s.gate == nil {
		writeJSON(w, HookResponse{})
		return
	}
	writeJSON(w, s.gate.PreToolUse(r.Context(), req.input()))
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encoding response: %v", err), http.StatusInternalServerError)
	}
}
