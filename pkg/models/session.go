package models

import "time"

// SessionStatus represents the lifecycle state of an agent session.
type SessionStatus string

const (
	// SessionStatusInitializing indicates the process was spawned but has
	// not reported a heartbeat yet.
	SessionStatusInitializing SessionStatus = "initializing"
	// SessionStatusActive indicates the agent is working and heartbeating.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusIdle indicates the agent is alive but between objectives.
	SessionStatusIdle SessionStatus = "idle"
	// SessionStatusCompleted indicates the agent finished its work and exited.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusTerminated indicates the agent was stopped by the runtime.
	SessionStatusTerminated SessionStatus = "terminated"
	// SessionStatusFailed indicates the agent exited abnormally or crashed.
	SessionStatusFailed SessionStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusInitializing, SessionStatusActive, SessionStatusIdle,
		SessionStatusCompleted, SessionStatusTerminated, SessionStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further status transitions are allowed.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusTerminated, SessionStatusFailed:
		return true
	default:
		return false
	}
}

// AgentSession represents one supervised agent process.
type AgentSession struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`
	// RepositoryPath is the working tree the agent operates on.
	RepositoryPath string `json:"repository_path"`
	// AgentType classifies the agent (e.g. "testing", "implementation").
	AgentType string `json:"agent_type"`
	// Status is the current lifecycle state.
	Status SessionStatus `json:"status"`
	// PID is the operating-system process id, 0 when not running.
	PID int `json:"pid,omitempty"`
	// ProcessTitle is the derived label used as the process title.
	ProcessTitle string `json:"process_title,omitempty"`
	// LastHeartbeat is the time of the most recent liveness signal.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// Capabilities lists what the agent can do.
	Capabilities []string `json:"capabilities,omitempty"`
	// Metadata carries free-form key/value annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
	// CreatedAt is when the session was registered.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the session last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName returns the short human-facing name for the session.
func (s *AgentSession) DisplayName() string {
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}
	if s.AgentType == "" {
		return id
	}
	return s.AgentType + "-" + id
}
