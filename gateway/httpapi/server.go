// Package httpapi exposes the dashboard-facing HTTP surface: read-only
// queries over the integrator plus the two configuration calls
// (threshold setup and correlation window changes). Rendering is the
// web layer's concern; everything here speaks JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/citypulse/core/alert"
	"github.com/citypulse/core/correlator"
	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/health"
	"github.com/citypulse/core/pipeline"
	"github.com/citypulse/core/registry"
	"github.com/citypulse/core/types"
)

// Core is the slice of the integrator the API serves.
type Core interface {
	Submit(domain types.DomainID, payload map[string]any) error
	StatusSnapshot() map[string]registry.Record
	CurrentAlerts() []alert.Alert
	AlertHistory(limit int) []alert.Alert
	ConfigureThreshold(t alert.Threshold) error
	Thresholds() []alert.Threshold
	AcknowledgeAlert(id uuid.UUID) error
	CorrelationData() correlator.VisualizationData
	Anomalies() []correlator.Anomaly
	SetTimeWindow(d time.Duration) error
	PipelineStats() pipeline.Stats
	Health() health.Status
}

// Config holds HTTP server settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	core   Core
	logger *slog.Logger
	cfg    Config

	srv *http.Server

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// NewServer creates the API server over the given core.
func NewServer(cfg Config, core Core, logger *slog.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		core:   core,
		logger: logger.With("component", "httpapi"),
		cfg:    cfg,
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Routes builds the router. Exposed separately so tests can drive the
// handlers without binding a socket.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/{id}/ack", s.handleAcknowledge)
		r.Get("/thresholds", s.handleThresholds)
		r.Post("/thresholds", s.handleConfigureThreshold)
		r.Get("/correlations", s.handleCorrelations)
		r.Get("/anomalies", s.handleAnomalies)
		r.Put("/window", s.handleSetWindow)
		r.Post("/submit/{domain}", s.handleSubmit)
	})

	return r
}

// Start begins serving. The listener error, if any, surfaces through
// the logger; a failed bind is fatal for the process and the caller
// observes it via the health endpoint never answering.
func (s *Server) Start(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "HTTPServer", "Start", "lifecycle check")
	}
	s.started = true

	go func() {
		s.logger.Info("http api listening", "addr", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http api server failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests up to the shutdown timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	if timeout <= 0 {
		timeout = s.cfg.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "HTTPServer", "Stop", "graceful shutdown")
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.core.Health()
	code := http.StatusOK
	if st.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"components": s.core.StatusSnapshot(),
		"pipeline":   s.core.PipelineStats(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"active": s.core.CurrentAlerts()}
	if raw := r.URL.Query().Get("history"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid history limit %q", raw))
			return
		}
		resp["history"] = s.core.AlertHistory(limit)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid alert id: %w", err))
		return
	}
	if err := s.core.AcknowledgeAlert(id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.Thresholds())
}

func (s *Server) handleConfigureThreshold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		alert.Threshold
		Cooldown string `json:"cooldown"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid threshold body: %w", err))
		return
	}

	t := body.Threshold
	if body.Cooldown != "" {
		d, err := time.ParseDuration(body.Cooldown)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid cooldown: %w", err))
			return
		}
		t.Cooldown = d
	}

	if err := s.core.ConfigureThreshold(t); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.CorrelationData())
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.Anomalies())
}

func (s *Server) handleSetWindow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Window string `json:"window"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid window body: %w", err))
		return
	}

	d, err := time.ParseDuration(body.Window)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid window duration: %w", err))
		return
	}
	if err := s.core.SetTimeWindow(d); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"window": d.String()})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	domain := types.DomainID(chi.URLParam(r, "domain"))

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid submission body: %w", err))
		return
	}

	if err := s.core.Submit(domain, payload); err != nil {
		switch {
		case errors.IsTransient(err):
			// Backpressure: the connector should slow down and retry.
			s.writeError(w, http.StatusTooManyRequests, err)
		default:
			s.writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
