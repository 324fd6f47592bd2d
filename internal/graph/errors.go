package graph

import "fmt"

// CircularDependencyError indicates an edge would create a dependency cycle.
// The edge set is left exactly as it was before the attempt.
type CircularDependencyError struct {
	// ObjectiveID is the dependent side of the rejected edge.
	ObjectiveID string
	// DependsOnID is the prerequisite side of the rejected edge.
	DependsOnID string
}

func (e *CircularDependencyError) Error() string {
	if e.ObjectiveID == e.DependsOnID {
		return fmt.Sprintf("objective %s cannot depend on itself", e.ObjectiveID)
	}
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.ObjectiveID, e.DependsOnID)
}
