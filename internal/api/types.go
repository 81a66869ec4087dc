package api

import (
	"time"

	"github.com/mattjoyce/topicexec/internal/session"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	SessionsTotal     int    `json:"sessions_total"`
	SessionsListening int    `json:"sessions_listening"`
}

// SessionsResponse is returned by GET /sessions.
type SessionsResponse struct {
	Sessions []session.Status `json:"sessions"`
}

// DispatchResponse is one journal row.
type DispatchResponse struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	ClientID    string    `json:"client_id"`
	MessageID   uint16    `json:"message_id"`
	Status      string    `json:"status"`
	Values      string    `json:"values,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	ReceivedAt  time.Time `json:"received_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// DispatchesResponse is returned by GET /sessions/{list}/dispatches.
type DispatchesResponse struct {
	Connection string             `json:"connection"`
	Dispatches []DispatchResponse `json:"dispatches"`
}
