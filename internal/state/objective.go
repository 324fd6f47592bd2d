package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

const objectiveColumns = `id, repository_path, type, title, description, status,
	assigned_agent_id, parent_objective_id, priority, requirements, results,
	blocked_reason, prev_status, created_at, updated_at`

// Objective CRUD operations

// CreateObjective inserts a new objective.
func (db *DB) CreateObjective(o *models.Objective) error {
	return db.Transaction(func(tx *sql.Tx) error {
		return db.CreateObjectiveTx(tx, o)
	})
}

// CreateObjectiveTx inserts a new objective within an existing transaction.
func (db *DB) CreateObjectiveTx(tx *sql.Tx, o *models.Objective) error {
	requirements, _ := json.Marshal(o.Requirements)
	results, _ := json.Marshal(o.Results)

	_, err := tx.Exec(`
		INSERT INTO objectives (`+objectiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.RepositoryPath, o.Type, o.Title, o.Description, string(o.Status),
		o.AssignedAgentID, o.ParentObjectiveID, o.Priority, string(requirements),
		string(results), o.BlockedReason, string(o.PrevStatus),
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create objective: %w", err)
	}
	return nil
}

// GetObjective retrieves an objective by ID.
func (db *DB) GetObjective(id string) (*models.Objective, error) {
	row := db.QueryRow(`SELECT `+objectiveColumns+` FROM objectives WHERE id = ?`, id)

	o, err := scanObjective(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "objective", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get objective: %w", err)
	}
	return o, nil
}

// UpdateObjective replaces all mutable fields of an objective.
func (db *DB) UpdateObjective(o *models.Objective) error {
	return db.Transaction(func(tx *sql.Tx) error {
		return db.UpdateObjectiveTx(tx, o)
	})
}

// UpdateObjectiveTx replaces all mutable fields within an existing transaction.
func (db *DB) UpdateObjectiveTx(tx *sql.Tx, o *models.Objective) error {
	requirements, _ := json.Marshal(o.Requirements)
	results, _ := json.Marshal(o.Results)

	result, err := tx.Exec(`
		UPDATE objectives SET repository_path = ?, type = ?, title = ?, description = ?,
			status = ?, assigned_agent_id = ?, parent_objective_id = ?, priority = ?,
			requirements = ?, results = ?, blocked_reason = ?, prev_status = ?,
			updated_at = ?
		WHERE id = ?
	`, o.RepositoryPath, o.Type, o.Title, o.Description, string(o.Status),
		o.AssignedAgentID, o.ParentObjectiveID, o.Priority, string(requirements),
		string(results), o.BlockedReason, string(o.PrevStatus),
		formatTime(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("update objective: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "objective", ID: o.ID}
	}
	return nil
}

// DeleteObjective deletes an objective; dependency edges cascade.
func (db *DB) DeleteObjective(id string) error {
	_, err := db.Exec("DELETE FROM objectives WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete objective: %w", err)
	}
	return nil
}

// ListObjectivesOptions filters ListObjectives. A nil Status matches every
// status; completed and cancelled objectives are hidden unless
// IncludeCompleted is set or Status names one of them explicitly.
type ListObjectivesOptions struct {
	RepositoryPath   string
	Status           *models.ObjectiveStatus
	IncludeCompleted bool
}

// ListObjectives lists objectives matching the options, ordered by
// priority descending then creation time ascending.
func (db *DB) ListObjectives(opts ListObjectivesOptions) ([]models.Objective, error) {
	query := `SELECT ` + objectiveColumns + ` FROM objectives`
	var conds []string
	var args []any
	if opts.RepositoryPath != "" {
		conds = append(conds, "repository_path = ?")
		args = append(args, opts.RepositoryPath)
	}
	if opts.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*opts.Status))
	} else if !opts.IncludeCompleted {
		conds = append(conds, "status NOT IN (?, ?)")
		args = append(args, string(models.ObjectiveStatusCompleted), string(models.ObjectiveStatusCancelled))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY priority DESC, created_at ASC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list objectives: %w", err)
	}
	defer rows.Close()

	return scanObjectives(rows)
}

// ListAllObjectives lists every objective regardless of status.
func (db *DB) ListAllObjectives() ([]models.Objective, error) {
	rows, err := db.Query(`SELECT ` + objectiveColumns + ` FROM objectives ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all objectives: %w", err)
	}
	defer rows.Close()

	return scanObjectives(rows)
}

// ListSubobjectives lists the direct children of an objective.
func (db *DB) ListSubobjectives(parentID string) ([]models.Objective, error) {
	rows, err := db.Query(`
		SELECT `+objectiveColumns+` FROM objectives
		WHERE parent_objective_id = ? ORDER BY priority DESC, created_at ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list subobjectives: %w", err)
	}
	defer rows.Close()

	return scanObjectives(rows)
}

// Dependency edge operations

// AddDependency inserts a dependency edge.
func (db *DB) AddDependency(dep *models.ObjectiveDependency) error {
	return db.Transaction(func(tx *sql.Tx) error {
		return db.AddDependencyTx(tx, dep)
	})
}

// AddDependencyTx inserts a dependency edge within an existing transaction.
func (db *DB) AddDependencyTx(tx *sql.Tx, dep *models.ObjectiveDependency) error {
	_, err := tx.Exec(`
		INSERT INTO objective_dependencies (objective_id, depends_on_id, type, created_at)
		VALUES (?, ?, ?, ?)
	`, dep.ObjectiveID, dep.DependsOnID, string(dep.Type), formatTime(dep.CreatedAt))
	if err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	return nil
}

// ListDependencies lists the edges from an objective to its prerequisites.
func (db *DB) ListDependencies(objectiveID string) ([]models.ObjectiveDependency, error) {
	rows, err := db.Query(`
		SELECT objective_id, depends_on_id, type, created_at
		FROM objective_dependencies WHERE objective_id = ?
		ORDER BY created_at ASC
	`, objectiveID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	return scanDependencies(rows)
}

// ListDependents lists the edges pointing at an objective.
func (db *DB) ListDependents(dependsOnID string) ([]models.ObjectiveDependency, error) {
	rows, err := db.Query(`
		SELECT objective_id, depends_on_id, type, created_at
		FROM objective_dependencies WHERE depends_on_id = ?
		ORDER BY created_at ASC
	`, dependsOnID)
	if err != nil {
		return nil, fmt.Errorf("list dependents: %w", err)
	}
	defer rows.Close()

	return scanDependencies(rows)
}

// ListAllDependencies lists every dependency edge.
func (db *DB) ListAllDependencies() ([]models.ObjectiveDependency, error) {
	rows, err := db.Query(`
		SELECT objective_id, depends_on_id, type, created_at
		FROM objective_dependencies ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list all dependencies: %w", err)
	}
	defer rows.Close()

	return scanDependencies(rows)
}

func scanObjective(row scanner) (*models.Objective, error) {
	var o models.Objective
	var status, createdAt, updatedAt string
	var description, assignedAgentID, parentObjectiveID sql.NullString
	var requirements, results, blockedReason, prevStatus sql.NullString

	err := row.Scan(&o.ID, &o.RepositoryPath, &o.Type, &o.Title, &description, &status,
		&assignedAgentID, &parentObjectiveID, &o.Priority, &requirements, &results,
		&blockedReason, &prevStatus, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	o.Status = models.ObjectiveStatus(status)
	o.Description = description.String
	o.AssignedAgentID = assignedAgentID.String
	o.ParentObjectiveID = parentObjectiveID.String
	o.BlockedReason = blockedReason.String
	o.PrevStatus = models.ObjectiveStatus(prevStatus.String)
	if requirements.Valid && requirements.String != "" {
		json.Unmarshal([]byte(requirements.String), &o.Requirements)
	}
	if results.Valid && results.String != "" {
		json.Unmarshal([]byte(results.String), &o.Results)
	}
	o.CreatedAt, _ = parseTime(createdAt)
	o.UpdatedAt, _ = parseTime(updatedAt)
	return &o, nil
}

func scanObjectives(rows *sql.Rows) ([]models.Objective, error) {
	var objectives []models.Objective
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan objective: %w", err)
		}
		objectives = append(objectives, *o)
	}
	return objectives, rows.Err()
}

func scanDependencies(rows *sql.Rows) ([]models.ObjectiveDependency, error) {
	var deps []models.ObjectiveDependency
	for rows.Next() {
		var d models.ObjectiveDependency
		var typ, createdAt string
		if err := rows.Scan(&d.ObjectiveID, &d.DependsOnID, &typ, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		d.Type = models.DependencyType(typ)
		d.CreatedAt, _ = parseTime(createdAt)
		deps = append(deps, d)
	}
	return deps, rows.Err()
}
