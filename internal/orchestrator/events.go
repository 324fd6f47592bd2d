package orchestrator

// Event types published to the relay. Names are part of the wire
// protocol; observers subscribe to them by these strings.
const (
	// EventAgentSpawned indicates a worker process started for an objective.
	EventAgentSpawned = "agent-spawned"
	// EventSpawnFailed indicates a worker process could not be started.
	EventSpawnFailed = "spawn-failed"
	// EventObjectiveClaimed indicates an objective was assigned to a worker.
	EventObjectiveClaimed = "objective-claimed"
	// EventObjectiveCompleted indicates an objective finished successfully.
	EventObjectiveCompleted = "objective-completed"
	// EventObjectiveFailed indicates an objective failed.
	EventObjectiveFailed = "objective-failed"
	// EventObjectiveReady indicates objectives became dispatchable.
	EventObjectiveReady = "objective-ready"
	// EventObjectiveRequeued indicates an interrupted objective went back to pending.
	EventObjectiveRequeued = "objective-requeued"
	// EventProcessReaped indicates the supervisor retired a worker process.
	EventProcessReaped = "process-reaped"
)

// Event is an orchestrator event queued for relay publication.
type Event struct {
	// Type is the event name on the wire.
	Type string
	// Topics are the scope topics (repo:..., agent:...) the event
	// matches in addition to its type.
	Topics []string
	// Payload is the event body, marshaled to JSON by the relay.
	Payload any
}

// AgentSpawnedEvent is the payload for agent-spawned.
type AgentSpawnedEvent struct {
	AgentID     string `json:"agentId"`
	ObjectiveID string `json:"objectiveId"`
	PID         int    `json:"pid"`
	DisplayName string `json:"displayName"`
	Attempt     int    `json:"attempt"`
}

// SpawnFailedEvent is the payload for spawn-failed.
type SpawnFailedEvent struct {
	ObjectiveID string `json:"objectiveId"`
	Error       string `json:"error"`
}

// ObjectiveClaimedEvent is the payload for objective-claimed.
type ObjectiveClaimedEvent struct {
	ObjectiveID string `json:"objectiveId"`
	AgentID     string `json:"agentId"`
	Title       string `json:"title"`
}

// ObjectiveCompletedEvent is the payload for objective-completed.
type ObjectiveCompletedEvent struct {
	ObjectiveID string `json:"objectiveId"`
	AgentID     string `json:"agentId"`
	Summary     string `json:"summary,omitempty"`
}

// ObjectiveFailedEvent is the payload for objective-failed.
type ObjectiveFailedEvent struct {
	ObjectiveID string `json:"objectiveId"`
	AgentID     string `json:"agentId"`
	Error       string `json:"error,omitempty"`
}

// ObjectiveReadyEvent is the payload for objective-ready.
type ObjectiveReadyEvent struct {
	ObjectiveIDs []string `json:"objectiveIds"`
}

// ObjectiveRequeuedEvent is the payload for objective-requeued.
type ObjectiveRequeuedEvent struct {
	ObjectiveID string `json:"objectiveId"`
	AgentID     string `json:"agentId"`
	Attempt     int    `json:"attempt"`
	Error       string `json:"error,omitempty"`
}

// ProcessReapedEvent is the payload for process-reaped.
type ProcessReapedEvent struct {
	AgentID    string `json:"agentId"`
	LastStatus string `json:"lastStatus"`
}
