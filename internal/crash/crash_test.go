package crash

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

func setupStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "crash.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func insertSession(t *testing.T, db *state.DB, id string, status models.SessionStatus, pid int) {
	t.Helper()
	err := db.CreateSession(&models.AgentSession{
		ID:             id,
		RepositoryPath: "/repo/project",
		AgentType:      "testing",
		Status:         status,
		PID:            pid,
		LastHeartbeat:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create session %s: %v", id, err)
	}
}

func insertObjective(t *testing.T, db *state.DB, id string, status models.ObjectiveStatus, assignedTo string) {
	t.Helper()
	err := db.CreateObjective(&models.Objective{
		ID:              id,
		RepositoryPath:  "/repo/project",
		Type:            "task",
		Title:           "objective " + id,
		Status:          status,
		AssignedAgentID: assignedTo,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create objective %s: %v", id, err)
	}
}

func records(t *testing.T, db *state.DB) []models.CrashRecord {
	t.Helper()
	recs, err := db.ListCrashRecordsSince(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list crash records: %v", err)
	}
	return recs
}

func TestBoundary_CapturesPanic(t *testing.T) {
	db := setupStore(t)
	h := NewHandler(db)

	err := h.Boundary("orchestration", func() error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error from panicking boundary")
	}
	var fc *FaultCaptured
	if !errors.As(err, &fc) {
		t.Fatalf("error = %T, want *FaultCaptured", err)
	}
	if fc.Phase != "orchestration" {
		t.Fatalf("Phase = %q", fc.Phase)
	}
	if !strings.Contains(fc.Error(), "boom") {
		t.Fatalf("Error() = %q", fc.Error())
	}

	recs := records(t, db)
	if len(recs) != 1 {
		t.Fatalf("crash records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.ID != fc.RecordID {
		t.Fatalf("record id %q, FaultCaptured.RecordID %q", rec.ID, fc.RecordID)
	}
	if rec.Category != CategoryPanic || rec.Phase != "orchestration" {
		t.Fatalf("record = %+v", rec)
	}
	if !strings.Contains(rec.ErrorSummary, "boom") {
		t.Fatalf("summary = %q", rec.ErrorSummary)
	}
	// The stack trace lands in the detail field.
	if !strings.Contains(rec.ErrorDetail, "goroutine") {
		t.Fatalf("detail carries no stack: %q", rec.ErrorDetail)
	}
}

func TestBoundary_PassesThroughErrors(t *testing.T) {
	db := setupStore(t)
	h := NewHandler(db)

	sentinel := errors.New("plain failure")
	if err := h.Boundary("worker", func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("error = %v, want sentinel", err)
	}
	if err := h.Boundary("worker", func() error { return nil }); err != nil {
		t.Fatalf("error = %v, want nil", err)
	}
	if got := len(records(t, db)); got != 0 {
		t.Fatalf("crash records = %d, want 0", got)
	}
}

func TestCapture_MarksInFlightWork(t *testing.T) {
	db := setupStore(t)
	h := NewHandler(db)

	insertSession(t, db, "live-1", models.SessionStatusActive, 111)
	insertSession(t, db, "live-2", models.SessionStatusInitializing, 222)
	insertSession(t, db, "done-1", models.SessionStatusCompleted, 0)
	insertObjective(t, db, "obj-held", models.ObjectiveStatusInProgress, "live-1")
	insertObjective(t, db, "obj-idle", models.ObjectiveStatusPending, "")

	rec := h.Capture("orchestration", CategoryError, fmt.Errorf("store went away"))

	if got := []string{"live-1", "live-2"}; !reflect.DeepEqual(rec.AffectedSessionIDs, got) {
		t.Fatalf("AffectedSessionIDs = %v, want %v", rec.AffectedSessionIDs, got)
	}
	if got := []string{"obj-held"}; !reflect.DeepEqual(rec.AffectedObjectiveIDs, got) {
		t.Fatalf("AffectedObjectiveIDs = %v, want %v", rec.AffectedObjectiveIDs, got)
	}

	for _, id := range []string{"live-1", "live-2"} {
		s, err := db.GetSession(id)
		if err != nil {
			t.Fatalf("get session %s: %v", id, err)
		}
		if s.Status != models.SessionStatusFailed {
			t.Fatalf("session %s status = %s, want failed", id, s.Status)
		}
	}
	s, err := db.GetSession("done-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.Status != models.SessionStatusCompleted {
		t.Fatalf("terminal session status = %s, want completed", s.Status)
	}

	held, err := db.GetObjective("obj-held")
	if err != nil {
		t.Fatalf("get objective: %v", err)
	}
	if held.Status != models.ObjectiveStatusBlocked {
		t.Fatalf("held objective status = %s, want blocked", held.Status)
	}
	if held.PrevStatus != models.ObjectiveStatusInProgress || held.BlockedReason == "" {
		t.Fatalf("held objective bookkeeping = %+v", held)
	}
	idle, err := db.GetObjective("obj-idle")
	if err != nil {
		t.Fatalf("get objective: %v", err)
	}
	if idle.Status != models.ObjectiveStatusPending {
		t.Fatalf("idle objective status = %s, want pending", idle.Status)
	}
}

// failingStore injects a session-marking failure to prove the record
// write happens first and survives.
type failingStore struct {
	state.Store
}

func (f *failingStore) SetSessionStatus(id string, status models.SessionStatus) error {
	return errors.New("injected marking failure")
}

func TestCapture_RecordSurvivesMarkingFailure(t *testing.T) {
	db := setupStore(t)
	insertSession(t, db, "live-1", models.SessionStatusActive, 111)
	h := NewHandler(&failingStore{Store: db})

	rec := h.Capture("orchestration", CategoryError, fmt.Errorf("downstream broken"))
	if rec.ID == "" {
		t.Fatal("no record returned")
	}

	recs := records(t, db)
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("persisted records = %+v", recs)
	}
	// The marking failed, so the session keeps its status.
	s, err := db.GetSession("live-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.Status != models.SessionStatusActive {
		t.Fatalf("session status = %s, want active", s.Status)
	}
}

func TestInstall_SignalTrap(t *testing.T) {
	db := setupStore(t)
	insertSession(t, db, "live-1", models.SessionStatusActive, 111)

	h := NewHandler(db)
	shutdown := make(chan struct{})
	h.OnShutdown(func(sig os.Signal) { close(shutdown) })

	h.Install()
	h.Install() // second install is a no-op
	t.Cleanup(h.Uninstall)

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("send SIGTERM: %v", err)
	}
	select {
	case <-shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hook never ran")
	}

	recs := records(t, db)
	if len(recs) != 1 {
		t.Fatalf("crash records = %d, want 1", len(recs))
	}
	if recs[0].Category != CategorySignal {
		t.Fatalf("category = %s, want signal", recs[0].Category)
	}
	s, err := db.GetSession("live-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.Status != models.SessionStatusFailed {
		t.Fatalf("session status = %s, want failed", s.Status)
	}
}

func TestReconcile(t *testing.T) {
	db := setupStore(t)
	h := NewHandler(db)

	insertSession(t, db, "dead-1", models.SessionStatusActive, 111)
	insertSession(t, db, "alive-1", models.SessionStatusActive, 222)
	insertSession(t, db, "no-pid", models.SessionStatusInitializing, 0)
	insertObjective(t, db, "obj-dead", models.ObjectiveStatusInProgress, "dead-1")
	insertObjective(t, db, "obj-alive", models.ObjectiveStatusInProgress, "alive-1")
	insertObjective(t, db, "obj-blocked", models.ObjectiveStatusBlocked, "")
	insertObjective(t, db, "obj-other-block", models.ObjectiveStatusBlocked, "")

	// A record from the previous run names obj-blocked as fault-blocked.
	if err := db.CreateCrashRecord(&models.CrashRecord{
		ID:                   "rec-1",
		Timestamp:            time.Now().UTC().Add(-time.Minute),
		Phase:                "orchestration",
		Category:             CategoryPanic,
		ErrorSummary:         "panic: boom",
		AffectedObjectiveIDs: []string{"obj-blocked"},
	}); err != nil {
		t.Fatalf("create crash record: %v", err)
	}

	probed := map[int]bool{111: false, 222: true}
	report, err := h.Reconcile(func(pid int) (bool, error) {
		alive, ok := probed[pid]
		if !ok {
			return false, fmt.Errorf("unexpected probe of pid %d", pid)
		}
		return alive, nil
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if report.CrashRecords != 1 {
		t.Fatalf("CrashRecords = %d, want 1", report.CrashRecords)
	}
	if want := []string{"dead-1", "no-pid"}; !reflect.DeepEqual(report.OrphanedSessions, want) {
		t.Fatalf("OrphanedSessions = %v, want %v", report.OrphanedSessions, want)
	}
	if want := []string{"obj-blocked", "obj-dead"}; !reflect.DeepEqual(report.ResetObjectives, want) {
		t.Fatalf("ResetObjectives = %v, want %v", report.ResetObjectives, want)
	}

	for id, want := range map[string]models.SessionStatus{
		"dead-1":  models.SessionStatusTerminated,
		"alive-1": models.SessionStatusActive,
		"no-pid":  models.SessionStatusTerminated,
	} {
		s, err := db.GetSession(id)
		if err != nil {
			t.Fatalf("get session %s: %v", id, err)
		}
		if s.Status != want {
			t.Fatalf("session %s status = %s, want %s", id, s.Status, want)
		}
	}

	for id, want := range map[string]models.ObjectiveStatus{
		"obj-dead":        models.ObjectiveStatusPending,
		"obj-alive":       models.ObjectiveStatusInProgress,
		"obj-blocked":     models.ObjectiveStatusPending,
		"obj-other-block": models.ObjectiveStatusBlocked,
	} {
		o, err := db.GetObjective(id)
		if err != nil {
			t.Fatalf("get objective %s: %v", id, err)
		}
		if o.Status != want {
			t.Fatalf("objective %s status = %s, want %s", id, o.Status, want)
		}
	}

	// The reset objective is free for a new claim.
	o, err := db.GetObjective("obj-dead")
	if err != nil {
		t.Fatalf("get objective: %v", err)
	}
	if o.AssignedAgentID != "" {
		t.Fatalf("reset objective still assigned to %q", o.AssignedAgentID)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "unknown fault"},
		{"single line", errors.New("boom"), "boom"},
		{"multi line", errors.New("first\nsecond"), "first"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := summarize(tt.err); got != tt.want {
				t.Fatalf("summarize = %q, want %q", got, tt.want)
			}
		})
	}
}
