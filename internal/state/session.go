package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

// Session CRUD operations

// CreateSession inserts a new agent session.
func (db *DB) CreateSession(s *models.AgentSession) error {
	capabilities, _ := json.Marshal(s.Capabilities)
	metadata, _ := json.Marshal(s.Metadata)

	_, err := db.Exec(`
		INSERT INTO sessions (id, repository_path, agent_type, status, pid, process_title,
			last_heartbeat, capabilities, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.RepositoryPath, s.AgentType, string(s.Status), s.PID, s.ProcessTitle,
		formatTime(s.LastHeartbeat), string(capabilities), string(metadata),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(id string) (*models.AgentSession, error) {
	row := db.QueryRow(`
		SELECT id, repository_path, agent_type, status, pid, process_title,
			last_heartbeat, capabilities, metadata, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// SetSessionStatus changes a session's status. Sessions in a terminal state
// accept no further changes; attempts return ErrTerminalSession.
func (db *DB) SetSessionStatus(id string, status models.SessionStatus) error {
	return db.Transaction(func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRow("SELECT status FROM sessions WHERE id = ?", id).Scan(&cur)
		if err == sql.ErrNoRows {
			return &NotFoundError{Kind: "session", ID: id}
		}
		if err != nil {
			return fmt.Errorf("get session status: %w", err)
		}

		if models.SessionStatus(cur).Terminal() {
			return fmt.Errorf("set session %s status to %s: %w", id, status, ErrTerminalSession)
		}

		_, err = tx.Exec(`
			UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?
		`, string(status), formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("set session status: %w", err)
		}
		return nil
	})
}

// TouchSession records a heartbeat for the session.
func (db *DB) TouchSession(id string, at time.Time) error {
	result, err := db.Exec(`
		UPDATE sessions SET last_heartbeat = ?, updated_at = ? WHERE id = ?
	`, formatTime(at), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "session", ID: id}
	}
	return nil
}

// UpdateSessionMetadata replaces the session's metadata map.
func (db *DB) UpdateSessionMetadata(id string, metadata map[string]string) error {
	data, _ := json.Marshal(metadata)
	result, err := db.Exec(`
		UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?
	`, string(data), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update session metadata: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "session", ID: id}
	}
	return nil
}

// DeleteSession deletes a session by ID.
func (db *DB) DeleteSession(id string) error {
	_, err := db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions lists sessions, optionally filtered by status and repository.
func (db *DB) ListSessions(status *models.SessionStatus, repositoryPath string) ([]models.AgentSession, error) {
	query := `
		SELECT id, repository_path, agent_type, status, pid, process_title,
			last_heartbeat, capabilities, metadata, created_at, updated_at
		FROM sessions`
	var conds []string
	var args []any
	if status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*status))
	}
	if repositoryPath != "" {
		conds = append(conds, "repository_path = ?")
		args = append(args, repositoryPath)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at ASC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListLiveSessions lists sessions whose status is not terminal.
func (db *DB) ListLiveSessions() ([]models.AgentSession, error) {
	rows, err := db.Query(`
		SELECT id, repository_path, agent_type, status, pid, process_title,
			last_heartbeat, capabilities, metadata, created_at, updated_at
		FROM sessions WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at ASC
	`, string(models.SessionStatusCompleted), string(models.SessionStatusTerminated),
		string(models.SessionStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// PurgeOldSessions deletes terminal sessions last updated before the cutoff.
// Returns the number of sessions deleted.
func (db *DB) PurgeOldSessions(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := db.Exec(`
		DELETE FROM sessions WHERE updated_at < ? AND status IN (?, ?, ?)
	`, cutoff, string(models.SessionStatusCompleted), string(models.SessionStatusTerminated),
		string(models.SessionStatusFailed))
	if err != nil {
		return 0, fmt.Errorf("purge old sessions: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.AgentSession, error) {
	var s models.AgentSession
	var status, lastHeartbeat, createdAt, updatedAt string
	var processTitle, capabilities, metadata sql.NullString

	err := row.Scan(&s.ID, &s.RepositoryPath, &s.AgentType, &status, &s.PID, &processTitle,
		&lastHeartbeat, &capabilities, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.Status = models.SessionStatus(status)
	s.ProcessTitle = processTitle.String
	if capabilities.Valid && capabilities.String != "" {
		json.Unmarshal([]byte(capabilities.String), &s.Capabilities)
	}
	if metadata.Valid && metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &s.Metadata)
	}
	s.LastHeartbeat, _ = parseTime(lastHeartbeat)
	s.CreatedAt, _ = parseTime(createdAt)
	s.UpdatedAt, _ = parseTime(updatedAt)
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]models.AgentSession, error) {
	var sessions []models.AgentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
