package worker

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteResult_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	want := &Result{
		ObjectiveID: "obj-1",
		AgentID:     "agent-1",
		Status:      ResultCompleted,
		Summary:     "implemented the parser",
		Results:     map[string]string{"tokens_in": "1200", "tool_calls": "7"},
		FinishedAt:  time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}

	if err := WriteResult(dir, want); err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}

	got, err := ReadResult(dir, "agent-1")
	if err != nil {
		t.Fatalf("ReadResult failed: %v", err)
	}

	if got.ObjectiveID != want.ObjectiveID {
		t.Errorf("ObjectiveID = %q, want %q", got.ObjectiveID, want.ObjectiveID)
	}
	if got.AgentID != want.AgentID {
		t.Errorf("AgentID = %q, want %q", got.AgentID, want.AgentID)
	}
	if got.Status != want.Status {
		t.Errorf("Status = %q, want %q", got.Status, want.Status)
	}
	if got.Summary != want.Summary {
		t.Errorf("Summary = %q, want %q", got.Summary, want.Summary)
	}
	if got.Results["tool_calls"] != "7" {
		t.Errorf("Results[tool_calls] = %q, want %q", got.Results["tool_calls"], "7")
	}
	if !got.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, want.FinishedAt)
	}
}

func TestWriteResult_FailedWithError(t *testing.T) {
	dir := t.TempDir()

	res := &Result{
		ObjectiveID: "obj-2",
		AgentID:     "agent-2",
		Status:      ResultFailed,
		Error:       "max iterations (50) reached",
		FinishedAt:  time.Now().UTC(),
	}

	if err := WriteResult(dir, res); err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}

	got, err := ReadResult(dir, "agent-2")
	if err != nil {
		t.Fatalf("ReadResult failed: %v", err)
	}
	if got.Status != ResultFailed {
		t.Errorf("Status = %q, want %q", got.Status, ResultFailed)
	}
	if got.Error != res.Error {
		t.Errorf("Error = %q, want %q", got.Error, res.Error)
	}
}

func TestReadResult_Missing(t *testing.T) {
	_, err := ReadResult(t.TempDir(), "no-such-agent")
	if err == nil {
		t.Fatal("expected error for missing result")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want os.ErrNotExist", err)
	}
}

func TestRemoveResult(t *testing.T) {
	dir := t.TempDir()

	res := &Result{ObjectiveID: "obj-1", AgentID: "agent-1", Status: ResultCompleted, FinishedAt: time.Now().UTC()}
	if err := WriteResult(dir, res); err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}

	if err := RemoveResult(dir, "agent-1"); err != nil {
		t.Fatalf("RemoveResult failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "agent-1.json")); !os.IsNotExist(err) {
		t.Error("result file should be gone")
	}

	// Removing again is not an error.
	if err := RemoveResult(dir, "agent-1"); err != nil {
		t.Errorf("RemoveResult on missing file = %v, want nil", err)
	}
}

func TestListResults(t *testing.T) {
	dir := t.TempDir()

	for _, agentID := range []string{"agent-a", "agent-b"} {
		res := &Result{ObjectiveID: "obj", AgentID: agentID, Status: ResultCompleted, FinishedAt: time.Now().UTC()}
		if err := WriteResult(dir, res); err != nil {
			t.Fatalf("WriteResult failed: %v", err)
		}
	}
	// Non-result files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	ids, err := ListResults(dir)
	if err != nil {
		t.Fatalf("ListResults failed: %v", err)
	}

	if len(ids) != 2 {
		t.Fatalf("expected 2 results, got %d: %v", len(ids), ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["agent-a"] || !seen["agent-b"] {
		t.Errorf("ids = %v, want agent-a and agent-b", ids)
	}
}

func TestListResults_MissingDir(t *testing.T) {
	ids, err := ListResults(filepath.Join(t.TempDir(), "never-created"))
	if err != nil {
		t.Fatalf("ListResults on missing dir = %v, want nil", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no results, got %v", ids)
	}
}
