package domain

import "time"

// ProcessHandle tracks one launched agent process. PID and StartedAt are
// fixed at launch; Status is refreshed only when explicitly queried.
type ProcessHandle struct {
	AgentID   string    `json:"agent_id"`
	LaunchID  string    `json:"launch_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Status    RunState  `json:"status"`
	LogPath   string    `json:"log_path"`
}

// StatusReport is the answer to a run-status query for one agent.
// Handle is nil when no launch is being tracked for the agent.
type StatusReport struct {
	AgentID string         `json:"agent_id"`
	Status  RunState       `json:"status"`
	Handle  *ProcessHandle `json:"handle,omitempty"`
}

// VerificationResult maps a relative file name to whether it verified.
type VerificationResult map[string]bool
