package models

import "time"

// Session record statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// SessionRecord is a persisted conversation, keyed by the tool's session id.
type SessionRecord struct {
	SessionID        string    `json:"session_id"`
	DisplayName      *string   `json:"display_name"`
	WorkingDirectory string    `json:"working_directory"`
	LastActivity     time.Time `json:"last_activity"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

// SessionInfo is the live view of one registry entry.
type SessionInfo struct {
	ConnectionID string `json:"connection_id"`
	Exists       bool   `json:"exists"`
	Running      bool   `json:"running"`
	SessionID    string `json:"session_id,omitempty"`
	Kind         string `json:"kind,omitempty"`
	WorkDir      string `json:"working_directory,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	PID          *int   `json:"pid"`
	Clients      int    `json:"clients"`
}

type CLIStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status         string      `json:"status"`
	CLIs           []CLIStatus `json:"clis"`
	ActiveSessions int         `json:"active_sessions"`
}
