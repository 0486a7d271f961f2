// Package httpapi exposes the pipeline's HTTP surface: the push-style ingest
// bridge, the fleet and query API, and the health/readiness/metrics
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riverpulse/pipeline/internal/bus"
	"github.com/riverpulse/pipeline/internal/domain"
	"github.com/riverpulse/pipeline/internal/registry"
	"github.com/riverpulse/pipeline/internal/store"
)

const maxIngestBody = 1 << 20 // 1 MiB

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Server exposes the pipeline over HTTP.
type Server struct {
	httpServer *http.Server
	bus        *bus.Bus
	topic      string
	registry   *registry.Registry
	readings   store.ReadingStore
	alerts     store.AlertStore
	logger     *slog.Logger
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(addr, readingsTopic string, b *bus.Bus, reg *registry.Registry, readings store.ReadingStore, alerts store.AlertStore, ready ReadinessChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		bus:      b,
		topic:    readingsTopic,
		registry: reg,
		readings: readings,
		alerts:   alerts,
		logger:   logger,
	}

	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("GET /sources", s.handleListSources)
	mux.HandleFunc("POST /sources", s.handleRegisterSource)
	mux.HandleFunc("GET /sources/{id}", s.handleGetSource)
	mux.HandleFunc("POST /sources/{id}/commands", s.handleEnqueueCommand)
	mux.HandleFunc("GET /readings", s.handleListReadings)
	mux.HandleFunc("GET /alerts", s.handleListAlerts)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// handleIngest is the push-style bridge: a valid envelope is published to
// the readings topic and acknowledged with 2xx. Any non-2xx status tells the
// pushing bus to redeliver, so publish failures return 500, not 4xx.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	msg, err := domain.DecodeMessage(body, time.Now().UTC())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	attrs := map[string]string{
		"message_type": string(msg.Kind),
		"ingest_path":  "push",
	}
	switch msg.Kind {
	case domain.KindHeartbeat:
		attrs["source_id"] = msg.Heartbeat.SourceID
	case domain.KindCommand:
		attrs["source_id"] = msg.Command.SourceID
	default:
		attrs["source_id"] = msg.Reading.SourceID
	}

	receipt, err := s.bus.Publish(r.Context(), s.topic, body, attrs)
	if err != nil {
		s.logger.Error("ingest publish failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "publish failed"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"messageId": receipt.MessageID,
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	f := registry.FleetFilter{
		Status: domain.Status(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 0),
	}
	sources, err := s.registry.ListFleet(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources, "count": len(sources)})
}

func (s *Server) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var src domain.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid source record"})
		return
	}
	created, err := s.registry.Register(r.Context(), src)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.registry.GetSource(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandType string          `json:"commandType"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CommandType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "commandType is required"})
		return
	}
	cmd, err := s.registry.EnqueueCommand(r.Context(), r.PathValue("id"), req.CommandType, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"commandId": cmd.CommandID})
}

func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	readings, err := s.readings.List(r.Context(), store.ReadingFilter{
		SourceID: r.URL.Query().Get("sourceId"),
		Limit:    queryInt(r, "limit", 50),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": readings, "count": len(readings)})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.alerts.List(r.Context(), store.AlertFilter{
		SourceID: r.URL.Query().Get("sourceId"),
		Limit:    queryInt(r, "limit", 50),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	readingCount, err := s.readings.Count(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	readingsByKind, err := s.readings.CountByKind(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	alertCount, err := s.alerts.Count(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	sources, err := s.registry.ListFleet(r.Context(), registry.FleetFilter{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"readingCount":   readingCount,
		"readingsByKind": readingsByKind,
		"alertCount":     alertCount,
		"sourceCount":    len(sources),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "riverpulse-pipeline"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// writeError maps domain error kinds onto HTTP statuses. Administrative
// failures surface as structured errors, never a raw trace.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrUnknownSource):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrMissingSourceID):
		status = http.StatusBadRequest
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
