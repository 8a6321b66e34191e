package api

import (
	"encoding/json"
	"time"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	DebugLog      bool   `json:"debug_log"`
}

// LogEntry is one persisted worker log entry.
type LogEntry struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Entry     json.RawMessage `json:"entry"`
	CreatedAt time.Time       `json:"created_at"`
}

// HookLogsResponse is returned by GET /hooks/{hook}/logs.
type HookLogsResponse struct {
	Hook    string     `json:"hook"`
	Entries []LogEntry `json:"entries"`
}
