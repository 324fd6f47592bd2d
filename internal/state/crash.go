package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

// Crash record operations. The table is append-only; records are written
// synchronously at capture time and read back once on the next startup.

// CreateCrashRecord inserts a crash record.
func (db *DB) CreateCrashRecord(r *models.CrashRecord) error {
	sessionIDs, _ := json.Marshal(r.AffectedSessionIDs)
	objectiveIDs, _ := json.Marshal(r.AffectedObjectiveIDs)

	_, err := db.Exec(`
		INSERT INTO crash_records (id, timestamp, phase, category, error_summary,
			error_detail, affected_session_ids, affected_objective_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, formatTime(r.Timestamp), r.Phase, r.Category, r.ErrorSummary,
		r.ErrorDetail, string(sessionIDs), string(objectiveIDs))
	if err != nil {
		return fmt.Errorf("create crash record: %w", err)
	}
	return nil
}

// ListCrashRecordsSince lists crash records at or after the cutoff, newest
// first.
func (db *DB) ListCrashRecordsSince(cutoff time.Time) ([]models.CrashRecord, error) {
	rows, err := db.Query(`
		SELECT id, timestamp, phase, category, error_summary, error_detail,
			affected_session_ids, affected_objective_ids
		FROM crash_records WHERE timestamp >= ?
		ORDER BY timestamp DESC
	`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list crash records: %w", err)
	}
	defer rows.Close()

	var records []models.CrashRecord
	for rows.Next() {
		var r models.CrashRecord
		var timestamp string
		var detail, sessionIDs, objectiveIDs sql.NullString
		err := rows.Scan(&r.ID, &timestamp, &r.Phase, &r.Category, &r.ErrorSummary,
			&detail, &sessionIDs, &objectiveIDs)
		if err != nil {
			return nil, fmt.Errorf("scan crash record: %w", err)
		}
		r.Timestamp, _ = parseTime(timestamp)
		r.ErrorDetail = detail.String
		if sessionIDs.Valid && sessionIDs.String != "" {
			json.Unmarshal([]byte(sessionIDs.String), &r.AffectedSessionIDs)
		}
		if objectiveIDs.Valid && objectiveIDs.String != "" {
			json.Unmarshal([]byte(objectiveIDs.String), &r.AffectedObjectiveIDs)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
