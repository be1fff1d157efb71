// Package api exposes the operator HTTP interface for the pipeline service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/pipeline"
	"github.com/csexpert/coursecrawler/internal/telemetry"
)

// Pipeline is the orchestrator surface the server reads from.
type Pipeline interface {
	Stats(ctx context.Context) (map[pipeline.Phase]map[pipeline.ItemStatus]int, float64, error)
	Validate(ctx context.Context) (pipeline.ValidationReport, error)
}

// Server wires HTTP handlers to the running pipeline.
type Server struct {
	router chi.Router
	pipe   Pipeline
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(pipe Pipeline, logger *zap.Logger) *Server {
	s := &Server{
		pipe:   pipe,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(telemetry.Middleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1/pipeline", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/validate", s.validate)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// Readiness means the work queue answers; a wedged store should take the
	// instance out of rotation.
	if _, _, err := s.pipe.Stats(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "work queue unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	Phases    map[pipeline.Phase]map[pipeline.ItemStatus]int `json:"phases"`
	TotalCost float64                                        `json:"total_cost"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	counts, cost, err := s.pipe.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read pipeline stats")
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{Phases: counts, TotalCost: cost})
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipe.Validate(r.Context())
	if err != nil {
		s.logger.Error("validation query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to validate pipeline state")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
