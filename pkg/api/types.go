package api

// Public request/response shapes for the relay HTTP surface, usable by
// external clients without importing internal packages.

import (
	"encoding/json"
	"time"
)

// Command is one engine action as it appears on the wire.
type Command struct {
	RequestID string            `json:"request_id"`
	Action    string            `json:"action"`
	Params    map[string]string `json:"params,omitempty"`
}

// RegisterRequest creates or refreshes a project entry.
type RegisterRequest struct {
	ProjectID     string   `json:"project_id"`
	ProjectName   string   `json:"project_name"`
	EngineVersion string   `json:"engine_version,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// HeartbeatRequest is a liveness signal only.
type HeartbeatRequest struct {
	ProjectID string `json:"project_id"`
}

// PollRequest drains the project's command backlog and counts as a
// heartbeat.
type PollRequest struct {
	ProjectID     string `json:"project_id"`
	ProjectName   string `json:"project_name"`
	EngineVersion string `json:"engine_version,omitempty"`
}

// PollResponse carries the drained backlog. Registered reports whether the
// project was already known before this poll; false means the relay
// restarted and rebuilt its state from this request.
type PollResponse struct {
	Commands   []Command `json:"commands"`
	Registered bool      `json:"registered"`
}

// EngineResponse posts the result of a previously drained command.
type EngineResponse struct {
	ProjectID string          `json:"project_id"`
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SendCommandRequest submits a command and blocks until the engine responds
// or the deadline passes.
type SendCommandRequest struct {
	ProjectID string `json:"project_id"`
	Command   struct {
		Action string            `json:"action"`
		Params map[string]string `json:"params,omitempty"`
	} `json:"command"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// SendCommandResponse is the engine's answer, or a synthetic failure on
// timeout.
type SendCommandResponse struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ChatRequest routes free text or an embedded action token.
type ChatRequest struct {
	ProjectID string `json:"project_id"`
	Message   string `json:"message"`
}

// ChatResponse carries either the awaited engine result (Enqueued true) or a
// direct textual answer. Never both.
type ChatResponse struct {
	Success   bool            `json:"success"`
	Enqueued  bool            `json:"enqueued"`
	RequestID string          `json:"request_id,omitempty"`
	Preamble  string          `json:"preamble,omitempty"`
	Answer    string          `json:"answer,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ConnectionHealth summarizes liveness for the dashboard.
type ConnectionHealth struct {
	Status string `json:"status"` // "online" | "offline"
}

// ProjectInfo is one entry of the projects listing.
type ProjectInfo struct {
	ProjectID        string           `json:"project_id"`
	ProjectName      string           `json:"project_name"`
	EngineVersion    string           `json:"engine_version,omitempty"`
	IsActive         bool             `json:"is_active"`
	Transport        string           `json:"transport"`
	LastSeen         time.Time        `json:"last_seen"`
	ConnectionHealth ConnectionHealth `json:"connection_health"`
}

// ProjectsResponse lists all known projects.
type ProjectsResponse struct {
	Projects []ProjectInfo `json:"projects"`
}

// GenericResponse acknowledges a request with no payload.
type GenericResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
