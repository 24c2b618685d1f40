// Package httpapi exposes the research orchestrator over REST, SSE, and
// WebSocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kestrellabs/deepresearch/internal/archive"
	"github.com/kestrellabs/deepresearch/internal/health"
	"github.com/kestrellabs/deepresearch/internal/orchestrator"
	"github.com/kestrellabs/deepresearch/internal/session"
	"github.com/kestrellabs/deepresearch/internal/streaming"
)

// Server is the HTTP front end. All session semantics live behind the
// orchestrator facade.
type Server struct {
	orch    *orchestrator.Orchestrator
	health  *health.Manager
	limiter *IPRateLimiter
	store   *archive.Store
	logger  *zap.Logger
}

// NewServer builds the server. limiter may be nil to disable rate limiting.
func NewServer(orch *orchestrator.Orchestrator, hm *health.Manager, limiter *IPRateLimiter, logger *zap.Logger) *Server {
	return &Server{orch: orch, health: hm, limiter: limiter, logger: logger}
}

// SetArchive enables the archived-session listing endpoint.
func (s *Server) SetArchive(store *archive.Store) { s.store = store }

// Routes returns the fully wired handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /research/start", s.rateLimited(s.handleStart))
	mux.HandleFunc("GET /research/sessions", s.handleList)
	mux.HandleFunc("GET /research/archive", s.handleArchive)
	mux.HandleFunc("GET /research/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /research/{id}/result", s.handleResult)
	mux.HandleFunc("DELETE /research/{id}", s.handleCancel)
	mux.HandleFunc("GET /research/{id}/events", s.handleSSE)
	mux.HandleFunc("GET /research/{id}/ws", s.handleWebSocket)

	mux.HandleFunc("GET /health", s.health.Handler())
	mux.HandleFunc("GET /healthz", health.LivenessHandler())

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var failure *session.FailureError
	switch {
	case errors.Is(err, session.ErrInvalidConfig):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrCapacityExceeded):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNotReady):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrCancelled):
		writeJSONError(w, http.StatusGone, "session was cancelled")
	case errors.Is(err, streaming.ErrBusClosed):
		writeJSONError(w, http.StatusGone, "session event stream has ended")
	case errors.As(err, &failure):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
