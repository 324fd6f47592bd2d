package models

import "time"

// ObjectiveStatus represents the current state of an objective.
type ObjectiveStatus string

const (
	// ObjectiveStatusPending indicates the objective has not started.
	ObjectiveStatusPending ObjectiveStatus = "pending"
	// ObjectiveStatusInProgress indicates an agent is working on it.
	ObjectiveStatusInProgress ObjectiveStatus = "in_progress"
	// ObjectiveStatusCompleted indicates the objective finished successfully.
	ObjectiveStatusCompleted ObjectiveStatus = "completed"
	// ObjectiveStatusFailed indicates the objective finished unsuccessfully.
	ObjectiveStatusFailed ObjectiveStatus = "failed"
	// ObjectiveStatusCancelled indicates the objective was withdrawn before work began.
	ObjectiveStatusCancelled ObjectiveStatus = "cancelled"
	// ObjectiveStatusBlocked indicates the objective is waiting on something external.
	ObjectiveStatusBlocked ObjectiveStatus = "blocked"
	// ObjectiveStatusOnHold indicates an operator paused the objective.
	ObjectiveStatusOnHold ObjectiveStatus = "on_hold"
)

// Valid returns true if the status is a known value.
func (s ObjectiveStatus) Valid() bool {
	switch s {
	case ObjectiveStatusPending, ObjectiveStatusInProgress, ObjectiveStatusCompleted,
		ObjectiveStatusFailed, ObjectiveStatusCancelled, ObjectiveStatusBlocked,
		ObjectiveStatusOnHold:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further status transitions are allowed.
func (s ObjectiveStatus) Terminal() bool {
	switch s {
	case ObjectiveStatusCompleted, ObjectiveStatusFailed, ObjectiveStatusCancelled:
		return true
	default:
		return false
	}
}

// DependencyType classifies an edge between two objectives.
type DependencyType string

const (
	// DependencyCompletion gates readiness on the prerequisite completing.
	DependencyCompletion DependencyType = "completion"
	// DependencyParallel records that two objectives may run concurrently.
	DependencyParallel DependencyType = "parallel"
	// DependencyResource records shared-resource contention, advisory only.
	DependencyResource DependencyType = "resource"
	// DependencyData records a data hand-off without gating readiness.
	DependencyData DependencyType = "data"
)

// Valid returns true if the dependency type is a known value.
func (t DependencyType) Valid() bool {
	switch t {
	case DependencyCompletion, DependencyParallel, DependencyResource, DependencyData:
		return true
	default:
		return false
	}
}

// Gating returns true if the dependency type gates readiness.
func (t DependencyType) Gating() bool {
	return t == DependencyCompletion
}

// Objective represents one unit of work in the dependency graph.
type Objective struct {
	// ID is the unique identifier for this objective.
	ID string `json:"id"`
	// RepositoryPath scopes the objective to a working tree.
	RepositoryPath string `json:"repository_path"`
	// Type classifies the objective (e.g. "feature", "testing").
	Type string `json:"type"`
	// Title is the short human-facing summary.
	Title string `json:"title"`
	// Description is the full statement of the work.
	Description string `json:"description,omitempty"`
	// Status is the current state of the objective.
	Status ObjectiveStatus `json:"status"`
	// AssignedAgentID is the session working the objective, empty if unassigned.
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`
	// ParentObjectiveID links a subobjective to its parent, empty at the root.
	ParentObjectiveID string `json:"parent_objective_id,omitempty"`
	// Priority breaks ties among ready objectives; higher runs first.
	Priority int `json:"priority"`
	// Requirements carries structured input for the worker.
	Requirements map[string]string `json:"requirements,omitempty"`
	// Results carries structured output recorded at completion.
	Results map[string]string `json:"results,omitempty"`
	// BlockedReason explains a blocked status, empty otherwise.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// PrevStatus remembers the status to resume to after blocked or on_hold.
	PrevStatus ObjectiveStatus `json:"prev_status,omitempty"`
	// CreatedAt is when the objective was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the objective last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// ObjectiveDependency is a directed edge: Objective depends on DependsOn.
type ObjectiveDependency struct {
	// ObjectiveID is the dependent objective.
	ObjectiveID string `json:"objective_id"`
	// DependsOnID is the prerequisite objective.
	DependsOnID string `json:"depends_on_id"`
	// Type classifies the edge; only completion edges gate readiness.
	Type DependencyType `json:"type"`
	// CreatedAt is when the edge was added.
	CreatedAt time.Time `json:"created_at"`
}
