package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicebutton/internal/observability"
	"github.com/ent0n29/voicebutton/internal/session"
)

// Controller is the part of the session controller the HTTP surface drives.
type Controller interface {
	Start() error
	Stop() error
	Status(ctx context.Context) (session.Status, error)
}

type Server struct {
	ctrl          Controller
	metrics       *observability.Metrics
	log           zerolog.Logger
	statusTimeout time.Duration
}

func New(ctrl Controller, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		ctrl:          ctrl,
		metrics:       metrics,
		log:           log,
		statusTimeout: 2 * time.Second,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Get("/v1/session", s.handleStatus)
	r.Post("/v1/session/start", s.handleStart)
	r.Post("/v1/session/stop", s.handleStop)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusNotFound, "metrics_disabled", "metrics are not configured")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.status(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(); err != nil {
		s.respondControllerError(w, err)
		return
	}
	st, ok := s.status(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		s.respondControllerError(w, err)
		return
	}
	st, ok := s.status(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusAccepted, st)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) (session.Status, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.statusTimeout)
	defer cancel()
	st, err := s.ctrl.Status(ctx)
	if err != nil {
		s.respondControllerError(w, err)
		return session.Status{}, false
	}
	return st, true
}

func (s *Server) respondControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrControllerStopped):
		respondError(w, http.StatusServiceUnavailable, "controller_stopped", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusGatewayTimeout, "controller_busy", err.Error())
	default:
		s.log.Error().Err(err).Msg("controller request failed")
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(started)).
			Msg("http request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
