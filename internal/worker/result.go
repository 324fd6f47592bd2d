// Package worker implements the agent process spawned by the orchestrator.
// A worker claims exactly one objective, executes it against the Anthropic
// API, and reports the outcome through a result file the orchestrator
// collects after the process exits.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
)

// Result status values.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// Result is the completion report a worker leaves for the orchestrator.
// It is written atomically before the worker exits; the exit code alone
// is authoritative only when no result file is found.
type Result struct {
	// ObjectiveID is the objective this worker executed.
	ObjectiveID string `json:"objective_id"`
	// AgentID is the worker's session ID.
	AgentID string `json:"agent_id"`
	// Status is "completed" or "failed".
	Status string `json:"status"`
	// Summary is a short human-facing description of what happened.
	Summary string `json:"summary,omitempty"`
	// Results carries structured output to merge into the objective.
	Results map[string]string `json:"results,omitempty"`
	// Error describes the failure, empty on success.
	Error string `json:"error,omitempty"`
	// FinishedAt is when the worker finished.
	FinishedAt time.Time `json:"finished_at"`
}

// ResultsDir returns the directory where workers drop result files.
func ResultsDir() string {
	return filepath.Join(state.RuntimeDir(), "run", "results")
}

// WriteResult writes a result file for agentID. The write goes through a
// temp file and rename so the orchestrator never observes a partial file.
func WriteResult(dir, agentID string, res *Result) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tmp := filepath.Join(dir, agentID+".json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, agentID+".json")); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit result: %w", err)
	}
	return nil
}

// ReadResult reads the result file for agentID. Returns os.ErrNotExist
// (wrapped) when no result was written.
func ReadResult(dir, agentID string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(dir, agentID+".json"))
	if err != nil {
		return nil, fmt.Errorf("read result for %s: %w", agentID, err)
	}

	res := &Result{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("parse result for %s: %w", agentID, err)
	}
	return res, nil
}

// RemoveResult deletes the result file for agentID. Missing files are
// not an error.
func RemoveResult(dir, agentID string) error {
	err := os.Remove(filepath.Join(dir, agentID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListResults returns the agent IDs that have result files in dir.
// Used at startup to collect reports left behind by a previous run.
func ListResults(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list results: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
