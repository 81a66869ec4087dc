package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/topicexec/internal/session"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snapshot := s.sessions.Snapshot()
	listening := 0
	for _, st := range snapshot {
		if st.State == session.StateListening {
			listening++
		}
	}

	status := "ok"
	if listening < len(snapshot) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:            status,
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		SessionsTotal:     len(snapshot),
		SessionsListening: listening,
	})
}

// handleSessions handles GET /sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, SessionsResponse{Sessions: s.sessions.Snapshot()})
}

// handleDispatches handles GET /sessions/{list}/dispatches?limit=N.
func (s *Server) handleDispatches(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "dispatch journal is disabled")
		return
	}

	list := chi.URLParam(r, "list")
	known := false
	for _, st := range s.sessions.Snapshot() {
		if st.Connection == list {
			known = true
			break
		}
	}
	if !known {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), list, limit)
	if err != nil {
		s.logger.Error("failed to read dispatch journal", "connection", list, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read dispatch journal")
		return
	}

	resp := DispatchesResponse{Connection: list, Dispatches: make([]DispatchResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Dispatches = append(resp.Dispatches, DispatchResponse{
			ID:          e.ID,
			Topic:       e.Topic,
			ClientID:    e.ClientID,
			MessageID:   e.MessageID,
			Status:      string(e.Status),
			Values:      e.Values,
			ExitCode:    e.ExitCode,
			Error:       e.LastError,
			Stderr:      e.Stderr,
			DurationMS:  e.Duration.Milliseconds(),
			ReceivedAt:  e.ReceivedAt,
			CompletedAt: e.CompletedAt,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
