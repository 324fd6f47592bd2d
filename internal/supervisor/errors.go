package supervisor

import "fmt"

// SpawnError reports a failed attempt to start an agent process. The spawn
// never happened; no session was recorded and nothing needs cleanup.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("spawn: %v", e.Err)
	}
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProbeError reports a liveness check that stayed inconclusive after
// retries. Callers treat the accompanying Liveness result as authoritative
// and use the error for logging only.
type ProbeError struct {
	PID int
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe pid %d: %v", e.PID, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }
