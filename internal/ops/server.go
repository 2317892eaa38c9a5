// Package ops exposes the worker's operational HTTP surface: liveness,
// Prometheus metrics, dispatcher status, journaled outcomes, and a live
// SSE stream of completion events. It is read-only and has no effect on
// task processing.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ts-klassen/vvx-worker/internal/dispatch"
	"github.com/ts-klassen/vvx-worker/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server wraps the chi router and the worker components it observes.
type Server struct {
	router      *chi.Mux
	journal     store.Journal
	dispatcher  *dispatch.Dispatcher
	tap         *dispatch.EventTap
	logger      *slog.Logger
	addr        string
	engineLabel string
}

// NewServer creates and configures the ops HTTP server. The journal and
// tap may be nil; the corresponding endpoints then report 404.
func NewServer(addr string, j store.Journal, d *dispatch.Dispatcher, tap *dispatch.EventTap, logger *slog.Logger) *Server {
	srv := &Server{
		router:      chi.NewRouter(),
		journal:     j,
		dispatcher:  d,
		tap:         tap,
		logger:      logger,
		addr:        addr,
		engineLabel: strconv.Itoa(d.Status().EngineID),
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(srv.metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Get("/outcomes/{task_id}", s.handleGetOutcome)
		r.Get("/events", s.handleStreamEvents)
	})
}

// Router returns the chi router, used by tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is canceled or the
// server fails. The worker cancels ctx when the dispatcher stops.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("ops server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}

	s.logger.Info("ops server stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dispatcher.Status())
}

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total        int            `json:"total"`
	ByOutcome    map[string]int `json:"by_outcome"`
	AvgLatencyMS float64        `json:"avg_latency_ms"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	stats, err := s.journal.Stats(r.Context())
	if err != nil {
		s.logger.Error("get outcome stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:        stats.Total,
		ByOutcome:    stats.CountByOutcome,
		AvgLatencyMS: stats.AvgLatencyMS,
	})
}

func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	taskID := chi.URLParam(r, "task_id")
	o, err := s.journal.Get(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "outcome not found")
		return
	}
	if err != nil {
		s.logger.Error("get outcome", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get outcome")
		return
	}

	s.writeJSON(w, http.StatusOK, o)
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
