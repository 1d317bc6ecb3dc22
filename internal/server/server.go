// Package server is the HTTP transport for tool calls, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/apperr"
	"github.com/wnt/rebin/internal/rpc"
)

// maxBodyBytes bounds a tool call body
const maxBodyBytes = 1 << 20

// Tools runs named tool calls
type Tools interface {
	Call(ctx context.Context, name string, args json.RawMessage) (any, error)
	Names() []string
}

// Pinger checks a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats reports the RPC endpoint pool
type PoolStats interface {
	GetStats() rpc.Stats
}

// Config holds the HTTP server configuration
type Config struct {
	Port string
}

// Server serves the tool API
type Server struct {
	httpServer *http.Server
	tools      Tools
	db         Pinger
	pool       PoolStats
	logger     zerolog.Logger
}

// New creates a server with every route registered. pool may be nil.
func New(cfg Config, tools Tools, db Pinger, pool PoolStats, logger zerolog.Logger) *Server {
	s := &Server{
		tools:  tools,
		db:     db,
		pool:   pool,
		logger: logger.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("POST /tools/{name}", s.handleToolCall)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      requestLogging(s.logger)(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

type toolResponse struct {
	Result any `json:"result"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "request body too large or unreadable"))
		return
	}

	result, err := s.tools.Call(r.Context(), name, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolResponse{Result: result})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tools": s.tools.Names()})
}

type healthResponse struct {
	Status   string     `json:"status"`
	Database string     `json:"database"`
	RPC      *rpc.Stats `json:"rpc,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok"}
	status := http.StatusOK
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Database health check failed")
		resp.Status, resp.Database = "degraded", "unreachable"
		status = http.StatusServiceUnavailable
	}
	if s.pool != nil {
		stats := s.pool.GetStats()
		resp.RPC = &stats
		if stats.HealthyEndpoints == 0 {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, err error) {
	env := apperr.ToEnvelope(err)
	writeJSON(w, apperr.HTTPStatus(env.Error), env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
