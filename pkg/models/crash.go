package models

import "time"

// CrashRecord captures one process-level fault. Records are append-only;
// they are written synchronously at capture time and read once on the next
// startup to steer orphan reconciliation.
type CrashRecord struct {
	// ID is the unique identifier for this record.
	ID string `json:"id"`
	// Timestamp is when the fault was captured.
	Timestamp time.Time `json:"timestamp"`
	// Phase names the runtime phase that faulted (e.g. "orchestration").
	Phase string `json:"phase"`
	// Category is the stable classification of the fault.
	Category string `json:"category"`
	// ErrorSummary is the one-line description.
	ErrorSummary string `json:"error_summary"`
	// ErrorDetail carries the full error text or stack trace.
	ErrorDetail string `json:"error_detail,omitempty"`
	// AffectedSessionIDs lists sessions in flight when the fault hit.
	AffectedSessionIDs []string `json:"affected_session_ids,omitempty"`
	// AffectedObjectiveIDs lists objectives in flight when the fault hit.
	AffectedObjectiveIDs []string `json:"affected_objective_ids,omitempty"`
}
