package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ofprobe/ofprobe/pkg/aggregate"
	"github.com/ofprobe/ofprobe/pkg/correlate"
	"github.com/ofprobe/ofprobe/pkg/metrics"
	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

// RegisterAPIRoutes registers all REST API routes on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/finalize", s.handleFinalize)
	mux.HandleFunc("GET /api/v1/report", s.handleReport)
}

// POST /api/v1/events receives a JSON array of raw events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var events []telemetry.RawEvent
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBody)
	if err := json.NewDecoder(body).Decode(&events); err != nil {
		metrics.IngestRequests.WithLabelValues("bad_request").Inc()
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), status)
		return
	}

	accepted, err := s.Ingest(events)
	switch {
	case err == nil:
		metrics.IngestRequests.WithLabelValues("ok").Inc()
		writeJSON(w, map[string]int{"accepted": accepted})
	case errors.Is(err, correlate.ErrFinalized):
		metrics.IngestRequests.WithLabelValues("finalized").Inc()
		writeJSONStatus(w, http.StatusConflict, map[string]any{"accepted": accepted, "error": err.Error()})
	default:
		metrics.IngestRequests.WithLabelValues("error").Inc()
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]any{"accepted": accepted, "error": err.Error()})
	}
}

// GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Status())
}

// POST /api/v1/finalize ends the run and returns its report.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Finalize(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rep == nil {
		writeJSON(w, map[string]string{"status": "finalized"})
		return
	}
	writeJSON(w, rep)
}

// GET /api/v1/report?format=json|text
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Report()
	if errors.Is(err, ErrNotFinalized) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, rep)
	case "text", "table":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := aggregate.WriteText(w, rep); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	default:
		http.Error(w, "format must be json or text", http.StatusBadRequest)
	}
}

// ─── Helpers ──────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "component", "control", "error", err)
	}
}
