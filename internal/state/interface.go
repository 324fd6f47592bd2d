// Package state provides SQLite-based persistence for the runtime.
package state

import (
	"database/sql"
	"io"
	"time"

	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

// SessionStore handles agent-session persistence operations.
type SessionStore interface {
	CreateSession(s *models.AgentSession) error
	GetSession(id string) (*models.AgentSession, error)
	SetSessionStatus(id string, status models.SessionStatus) error
	TouchSession(id string, at time.Time) error
	UpdateSessionMetadata(id string, metadata map[string]string) error
	DeleteSession(id string) error
	ListSessions(status *models.SessionStatus, repositoryPath string) ([]models.AgentSession, error)
	ListLiveSessions() ([]models.AgentSession, error)
	PurgeOldSessions(olderThan time.Duration) (int64, error)
}

// ObjectiveStore handles objective and dependency-edge persistence.
type ObjectiveStore interface {
	CreateObjective(o *models.Objective) error
	CreateObjectiveTx(tx *sql.Tx, o *models.Objective) error
	GetObjective(id string) (*models.Objective, error)
	UpdateObjective(o *models.Objective) error
	UpdateObjectiveTx(tx *sql.Tx, o *models.Objective) error
	DeleteObjective(id string) error
	ListObjectives(opts ListObjectivesOptions) ([]models.Objective, error)
	ListAllObjectives() ([]models.Objective, error)
	ListSubobjectives(parentID string) ([]models.Objective, error)
	AddDependency(dep *models.ObjectiveDependency) error
	AddDependencyTx(tx *sql.Tx, dep *models.ObjectiveDependency) error
	ListDependencies(objectiveID string) ([]models.ObjectiveDependency, error)
	ListDependents(dependsOnID string) ([]models.ObjectiveDependency, error)
	ListAllDependencies() ([]models.ObjectiveDependency, error)
}

// CrashStore handles crash-record persistence.
type CrashStore interface {
	CreateCrashRecord(r *models.CrashRecord) error
	ListCrashRecordsSince(cutoff time.Time) ([]models.CrashRecord, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for runtime persistence.
// This interface lets the orchestrator and graph manager work with any
// backend without depending on the concrete SQLite implementation.
// It composes focused sub-interfaces for better modularity.
type Store interface {
	io.Closer
	Migrator
	SessionStore
	ObjectiveStore
	CrashStore
	Transaction(fn func(tx *sql.Tx) error) error
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store          = (*DB)(nil)
	_ Migrator       = (*DB)(nil)
	_ SessionStore   = (*DB)(nil)
	_ ObjectiveStore = (*DB)(nil)
	_ CrashStore     = (*DB)(nil)
)
