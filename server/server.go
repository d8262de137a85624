// Package server exposes the orchestrator over HTTP: chat and SSE
// streaming, classification, planning, team operations, sessions, and
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arbiterhq/arbiter/agent"
	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/errs"
	"github.com/arbiterhq/arbiter/logger"
	"github.com/arbiterhq/arbiter/team"
	"github.com/arbiterhq/arbiter/telemetry"
	"github.com/arbiterhq/arbiter/tools"
	"github.com/arbiterhq/arbiter/workflow"
)

// Server wires the engine and its supporting services into an HTTP API.
type Server struct {
	engine      *agent.Engine
	planner     *workflow.Planner
	executor    *workflow.Executor
	coordinator *team.Coordinator
	evaluator   *telemetry.Evaluator
	metrics     *telemetry.Metrics
	sandbox     tools.SandboxRunner
	logger      *slog.Logger

	httpServer *http.Server
}

// New assembles the server. evaluator and metrics may be nil.
func New(cfg config.ServerConfig, engine *agent.Engine, planner *workflow.Planner, executor *workflow.Executor, coordinator *team.Coordinator, evaluator *telemetry.Evaluator, metrics *telemetry.Metrics, sandbox tools.SandboxRunner) *Server {
	s := &Server{
		engine:      engine,
		planner:     planner,
		executor:    executor,
		coordinator: coordinator,
		evaluator:   evaluator,
		metrics:     metrics,
		sandbox:     sandbox,
		logger:      logger.Get("server"),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Post("/chat", s.handleChat)
	r.Post("/chat/stream", s.handleChatStream)
	r.Post("/classify", s.handleClassify)
	r.Get("/agents", s.handleAgents)

	r.Post("/vote", s.handleVote)
	r.Post("/plan", s.handlePlan)
	r.Post("/plan/{id}/execute", s.handlePlanExecute)
	r.Post("/delegate", s.handleDelegate)
	r.Post("/collaborate", s.handleCollaborate)
	r.Post("/sandbox/execute", s.handleSandboxExecute)

	r.Get("/metrics/agent/{agent}", s.handleAgentMetrics)
	r.Get("/metrics/report", s.handleMetricsReport)

	r.Post("/session", s.handleSessionCreate)
	r.Get("/sessions", s.handleSessionList)
	r.Get("/session/{id}", s.handleSessionSummary)
	r.Get("/session/{id}/history", s.handleSessionHistory)
	r.Post("/session/{id}/save", s.handleSessionSave)

	return r
}

// ListenAndServe runs the server until the context is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// corsMiddleware allows browser frontends on other origins. It must not
// wrap the ResponseWriter: streaming handlers need the http.Flusher.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the error envelope, mapping the error kind to a
// status code.
func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(errs.KindOf(err))
	writeJSON(w, status, map[string]string{
		"error":  err.Error(),
		"status": "error",
	})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":  msg,
		"status": "error",
	})
}

// decodeBody parses a JSON request body.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(errs.KindValidation, "invalid JSON body", err)
	}
	return nil
}
