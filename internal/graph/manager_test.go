package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

// setupManager creates a manager over a fresh temp database.
func setupManager(t *testing.T) *Manager {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	m := NewManager(db)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return m
}

// mustCreate creates an objective and fails the test on error.
func mustCreate(t *testing.T, m *Manager, o *models.Objective) *models.Objective {
	t.Helper()
	if o.RepositoryPath == "" {
		o.RepositoryPath = "/repo/project"
	}
	if o.Type == "" {
		o.Type = "task"
	}
	if o.Title == "" {
		o.Title = "objective " + o.ID
	}
	if err := m.CreateObjective(o); err != nil {
		t.Fatalf("CreateObjective failed: %v", err)
	}
	return o
}

// edgeSet captures every edge in the graph for before/after comparisons.
func edgeSet(t *testing.T, m *Manager) map[string][]models.ObjectiveDependency {
	t.Helper()
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string][]models.ObjectiveDependency, len(m.edges))
	for id, edges := range m.edges {
		snapshot[id] = append([]models.ObjectiveDependency(nil), edges...)
	}
	return snapshot
}

func TestCreateObjective_Defaults(t *testing.T) {
	m := setupManager(t)

	o := &models.Objective{
		RepositoryPath: "/repo/project",
		Type:           "feature",
		Title:          "Add parser",
		// Caller-set status must be overridden.
		Status: models.ObjectiveStatusInProgress,
	}
	if err := m.CreateObjective(o); err != nil {
		t.Fatalf("CreateObjective failed: %v", err)
	}

	if o.ID == "" {
		t.Error("expected generated ID")
	}
	if o.Status != models.ObjectiveStatusPending {
		t.Errorf("Status = %q, want pending", o.Status)
	}
	got, err := m.Get(o.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ObjectiveStatusPending {
		t.Errorf("indexed Status = %q, want pending", got.Status)
	}
}

func TestCreateObjective_Validation(t *testing.T) {
	m := setupManager(t)

	tests := []struct {
		name string
		o    *models.Objective
	}{
		{"missing repository", &models.Objective{Type: "task", Title: "x"}},
		{"missing title", &models.Objective{RepositoryPath: "/r", Type: "task"}},
		{"missing type", &models.Objective{RepositoryPath: "/r", Title: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.CreateObjective(tt.o); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCreateObjective_UnknownParent(t *testing.T) {
	m := setupManager(t)

	o := &models.Objective{
		RepositoryPath:    "/repo/project",
		Type:              "task",
		Title:             "child",
		ParentObjectiveID: "missing",
	}
	err := m.CreateObjective(o)
	if !state.IsNotFound(err) {
		t.Errorf("error = %v, want NotFoundError", err)
	}
}

func TestCreateObjective_SurvivesReload(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	defer db.Close()

	m1 := NewManager(db)
	if err := m1.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	a := mustCreate(t, m1, &models.Objective{Title: "a"})
	b := mustCreate(t, m1, &models.Objective{Title: "b"})
	if err := m1.AddDependency(b.ID, a.ID, models.DependencyCompletion); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	// A second manager over the same database sees the same graph.
	m2 := NewManager(db)
	if err := m2.Load(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if m2.Size() != 2 {
		t.Errorf("Size() = %d, want 2", m2.Size())
	}
	deps, err := m2.Dependencies(b.ID)
	if err != nil {
		t.Fatalf("Dependencies failed: %v", err)
	}
	if len(deps) != 1 || deps[0].DependsOnID != a.ID {
		t.Errorf("deps = %v, want [%s]", deps, a.ID)
	}
}

func TestAddDependency_CycleRejectedEdgesUnchanged(t *testing.T) {
	m := setupManager(t)

	// A depends on B, B depends on C.
	a := mustCreate(t, m, &models.Objective{Title: "A"})
	b := mustCreate(t, m, &models.Objective{Title: "B"})
	c := mustCreate(t, m, &models.Objective{Title: "C"})
	if err := m.AddDependency(a.ID, b.ID, models.DependencyCompletion); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if err := m.AddDependency(b.ID, c.ID, models.DependencyCompletion); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	before := edgeSet(t, m)

	// C depending on A would close the cycle.
	err := m.AddDependency(c.ID, a.ID, models.DependencyCompletion)
	var cycle *CircularDependencyError
	if !errors.As(err, &cycle) {
		t.Fatalf("error = %v, want CircularDependencyError", err)
	}
	if cycle.ObjectiveID != c.ID || cycle.DependsOnID != a.ID {
		t.Errorf("cycle error = %+v, want %s -> %s", cycle, c.ID, a.ID)
	}

	after := edgeSet(t, m)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("edge set changed after rejected insert:\nbefore: %v\nafter: %v", before, after)
	}

	// The store must be unchanged too.
	deps, err := m.Dependencies(c.ID)
	if err != nil {
		t.Fatalf("Dependencies failed: %v", err)
	}
	if len(deps) != 0 {
		t.Errorf("C has %d dependencies, want 0", len(deps))
	}
}

func TestAddDependency_SelfEdgeRejected(t *testing.T) {
	m := setupManager(t)
	a := mustCreate(t, m, &models.Objective{Title: "A"})

	err := m.AddDependency(a.ID, a.ID, models.DependencyCompletion)
	var cycle *CircularDependencyError
	if !errors.As(err, &cycle) {
		t.Errorf("error = %v, want CircularDependencyError", err)
	}
}

func TestAddDependency_UnknownObjective(t *testing.T) {
	m := setupManager(t)
	a := mustCreate(t, m, &models.Objective{Title: "A"})

	if err := m.AddDependency(a.ID, "missing", models.DependencyCompletion); !state.IsNotFound(err) {
		t.Errorf("error = %v, want NotFoundError", err)
	}
	if err := m.AddDependency("missing", a.ID, models.DependencyCompletion); !state.IsNotFound(err) {
		t.Errorf("error = %v, want NotFoundError", err)
	}
}

func TestAddDependency_DuplicateRejected(t *testing.T) {
	m := setupManager(t)
	a := mustCreate(t, m, &models.Objective{Title: "A"})
	b := mustCreate(t, m, &models.Objective{Title: "B"})

	if err := m.AddDependency(a.ID, b.ID, models.DependencyCompletion); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if err := m.AddDependency(a.ID, b.ID, models.DependencyData); err == nil {
		t.Error("expected error adding duplicate edge")
	}
}

func TestIsReady(t *testing.T) {
	m := setupManager(t)

	a := mustCreate(t, m, &models.Objective{Title: "A"})
	b := mustCreate(t, m, &models.Objective{Title: "B"})
	c := mustCreate(t, m, &models.Objective{Title: "C"})

	// B depends on A (completion), C depends on A (data, never gates).
	if err := m.AddDependency(b.ID, a.ID, models.DependencyCompletion); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if err := m.AddDependency(c.ID, a.ID, models.DependencyData); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	assertReady := func(id string, want bool) {
		t.Helper()
		got, err := m.IsReady(id)
		if err != nil {
			t.Fatalf("IsReady(%s) failed: %v", id, err)
		}
		if got != want {
			t.Errorf("IsReady(%s) = %v, want %v", id, got, want)
		}
	}

	assertReady(a.ID, true)
	assertReady(b.ID, false) // gated on A
	assertReady(c.ID, true)  // data edge never gates

	// Claiming A makes it unready (assigned, in_progress).
	if err := m.Claim(a.ID, "agent-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	assertReady(a.ID, false)

	// Completing A unlocks B.
	if err := m.SetStatus(a.ID, models.ObjectiveStatusCompleted, nil); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	assertReady(b.ID, true)
}

func TestIsReady_RandomGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		m := setupManager(t)

		const n = 8
		objectives := make([]*models.Objective, n)
		for i := 0; i < n; i++ {
			objectives[i] = mustCreate(t, m, &models.Objective{Title: fmt.Sprintf("o%d", i)})
		}

		// Random forward edges keep the graph acyclic by construction.
		types := []models.DependencyType{
			models.DependencyCompletion, models.DependencyParallel,
			models.DependencyResource, models.DependencyData,
		}
		for i := 1; i < n; i++ {
			for j := 0; j < i; j++ {
				if rng.Intn(3) != 0 {
					continue
				}
				typ := types[rng.Intn(len(types))]
				if err := m.AddDependency(objectives[i].ID, objectives[j].ID, typ); err != nil {
					t.Fatalf("AddDependency failed: %v", err)
				}
			}
		}

		// Random completion sequence: in_progress then completed.
		for i := 0; i < n; i++ {
			if rng.Intn(2) == 0 {
				continue
			}
			id := objectives[i].ID
			if err := m.SetStatus(id, models.ObjectiveStatusInProgress, nil); err != nil {
				t.Fatalf("SetStatus failed: %v", err)
			}
			if rng.Intn(4) != 0 {
				if err := m.SetStatus(id, models.ObjectiveStatusCompleted, nil); err != nil {
					t.Fatalf("SetStatus failed: %v", err)
				}
			}
		}

		// IsReady must agree with the brute-force definition.
		for i := 0; i < n; i++ {
			o, err := m.Get(objectives[i].ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			deps, err := m.Dependencies(o.ID)
			if err != nil {
				t.Fatalf("Dependencies failed: %v", err)
			}

			want := o.Status == models.ObjectiveStatusPending && o.AssignedAgentID == ""
			if want {
				for _, e := range deps {
					if e.Type != models.DependencyCompletion {
						continue
					}
					dep, err := m.Get(e.DependsOnID)
					if err != nil {
						t.Fatalf("Get failed: %v", err)
					}
					if dep.Status != models.ObjectiveStatusCompleted {
						want = false
						break
					}
				}
			}

			got, err := m.IsReady(o.ID)
			if err != nil {
				t.Fatalf("IsReady failed: %v", err)
			}
			if got != want {
				t.Errorf("trial %d: IsReady(%s) = %v, want %v (status=%s deps=%v)",
					trial, o.ID, got, want, o.Status, deps)
			}
		}
	}
}

func TestFindAvailable_Ordering(t *testing.T) {
	m := setupManager(t)

	base := time.Now()
	a := mustCreate(t, m, &models.Objective{Title: "A", Priority: 5, CreatedAt: base})
	b := mustCreate(t, m, &models.Objective{Title: "B", Priority: 5, CreatedAt: base.Add(time.Second)})
	c := mustCreate(t, m, &models.Objective{Title: "C", Priority: 1, CreatedAt: base.Add(2 * time.Second)})

	got := m.FindAvailable("/repo/project")
	want := []string{a.ID, b.ID, c.ID}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("got[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestFindAvailable_RepositoryScope(t *testing.T) {
	m := setupManager(t)

	one := mustCreate(t, m, &models.Objective{Title: "one", RepositoryPath: "/repo/one"})
	mustCreate(t, m, &models.Objective{Title: "two", RepositoryPath: "/repo/two"})

	got := m.FindAvailable("/repo/one")
	if len(got) != 1 || got[0].ID != one.ID {
		t.Errorf("got %v, want [%s]", got, one.ID)
	}

	// Empty path matches everything.
	if all := m.FindAvailable(""); len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}
}

func TestClaim(t *testing.T) {
	m := setupManager(t)
	a := mustCreate(t, m, &models.Objective{Title: "A"})

	if err := m.Claim(a.ID, "agent-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	got, err := m.Get(a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ObjectiveStatusInProgress || got.AssignedAgentID != "agent-1" {
		t.Errorf("after claim: status=%s assigned=%q, want in_progress/agent-1", got.Status, got.AssignedAgentID)
	}

	// A claimed objective cannot be claimed again.
	if err := m.Claim(a.ID, "agent-2"); err == nil {
		t.Error("expected error claiming already-claimed objective")
	}
}

func TestClaim_NotReady(t *testing.T) {
	m := setupManager(t)
	a := mustCreate(t, m, &models.Objective{Title: "A"})
	b := mustCreate(t, m, &models.Objective{Title: "B"})
	if err := m.AddDependency(b.ID, a.ID, models.DependencyCompletion); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	if err := m.Claim(b.ID, "agent-1"); err == nil {
		t.Error("expected error claiming gated objective")
	}
}

func TestCompletionFlow_EndToEnd(t *testing.T) {
	m := setupManager(t)

	var notified [][]string
	m.OnReady(func(ids []string) {
		notified = append(notified, ids)
	})

	a := mustCreate(t, m, &models.Objective{Title: "A", Priority: 0})
	b := mustCreate(t, m, &models.Objective{Title: "B"})
	if err := m.AddDependency(b.ID, a.ID, models.DependencyCompletion); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	// Only A is available while B is gated.
	if got := m.FindAvailable(""); len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("FindAvailable = %v, want [%s]", got, a.ID)
	}

	if err := m.Claim(a.ID, "agent-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := m.SetStatus(a.ID, models.ObjectiveStatusCompleted, map[string]string{"summary": "done"}); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	// Completion reported B as newly ready, exactly once.
	if len(notified) != 1 || len(notified[0]) != 1 || notified[0][0] != b.ID {
		t.Errorf("notified = %v, want [[%s]]", notified, b.ID)
	}

	// B is available now, and was not auto-assigned.
	got := m.FindAvailable("")
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("FindAvailable = %v, want [%s]", got, b.ID)
	}
	if got[0].AssignedAgentID != "" {
		t.Errorf("B was auto-assigned to %q", got[0].AssignedAgentID)
	}

	// The reverse edge is now a cycle and must leave the edge set alone.
	before := edgeSet(t, m)
	err := m.AddDependency(a.ID, b.ID, models.DependencyCompletion)
	var cycle *CircularDependencyError
	if !errors.As(err, &cycle) {
		t.Fatalf("error = %v, want CircularDependencyError", err)
	}
	if after := edgeSet(t, m); !reflect.DeepEqual(before, after) {
		t.Errorf("edge set changed after rejected insert")
	}

	// Results were merged onto A.
	final, err := m.Get(a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.Results["summary"] != "done" {
		t.Errorf("Results = %v, want summary=done", final.Results)
	}
}

func TestSetStatus_TerminalImmutable(t *testing.T) {
	m := setupManager(t)
	a := mustCreate(t, m, &models.Objective{Title: "A"})

	if err := m.SetStatus(a.ID, models.ObjectiveStatusCancelled, nil); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := m.SetStatus(a.ID, models.ObjectiveStatusPending, nil); err == nil {
		t.Error("expected error transitioning out of cancelled")
	}

	// Same-status set is a harmless no-op.
	if err := m.SetStatus(a.ID, models.ObjectiveStatusCancelled, nil); err != nil {
		t.Errorf("same-status set failed: %v", err)
	}
}

func TestSetStatus_InvalidTransition(t *testing.T) {
	m := setupManager(t)
	a := mustCreate(t, m, &models.Objective{Title: "A"})

	// pending cannot jump straight to completed
	if err := m.SetStatus(a.ID, models.ObjectiveStatusCompleted, nil); err == nil {
		t.Error("expected error for pending -> completed")
	}
}

func TestSetStatus_ReleaseClearsAssignment(t *testing.T) {
	m := setupManager(t)
	a := mustCreate(t, m, &models.Objective{Title: "A"})

	if err := m.Claim(a.ID, "agent-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := m.SetStatus(a.ID, models.ObjectiveStatusPending, nil); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	got, err := m.Get(a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AssignedAgentID != "" {
		t.Errorf("AssignedAgentID = %q, want empty after release", got.AssignedAgentID)
	}
	ready, err := m.IsReady(a.ID)
	if err != nil {
		t.Fatalf("IsReady failed: %v", err)
	}
	if !ready {
		t.Error("released objective should be ready again")
	}
}

func TestBlockAndUnblock(t *testing.T) {
	m := setupManager(t)
	a := mustCreate(t, m, &models.Objective{Title: "A"})

	if err := m.Claim(a.ID, "agent-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := m.Block(a.ID, "waiting on credentials"); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	got, err := m.Get(a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ObjectiveStatusBlocked {
		t.Errorf("Status = %q, want blocked", got.Status)
	}
	if got.BlockedReason != "waiting on credentials" {
		t.Errorf("BlockedReason = %q, want %q", got.BlockedReason, "waiting on credentials")
	}
	if got.PrevStatus != models.ObjectiveStatusInProgress {
		t.Errorf("PrevStatus = %q, want in_progress", got.PrevStatus)
	}

	if err := m.Unblock(a.ID); err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}
	got, err = m.Get(a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ObjectiveStatusInProgress {
		t.Errorf("Status = %q, want in_progress after unblock", got.Status)
	}
	if got.BlockedReason != "" || got.PrevStatus != "" {
		t.Errorf("blocked bookkeeping not cleared: reason=%q prev=%q", got.BlockedReason, got.PrevStatus)
	}
}

func TestHoldAndResume(t *testing.T) {
	m := setupManager(t)
	a := mustCreate(t, m, &models.Objective{Title: "A"})

	if err := m.Hold(a.ID); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	got, err := m.Get(a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ObjectiveStatusOnHold || got.PrevStatus != models.ObjectiveStatusPending {
		t.Errorf("after hold: status=%s prev=%s, want on_hold/pending", got.Status, got.PrevStatus)
	}

	if err := m.Unblock(a.ID); err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}
	got, err = m.Get(a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ObjectiveStatusPending {
		t.Errorf("Status = %q, want pending after resume", got.Status)
	}

	// A held objective can still be cancelled.
	if err := m.Hold(a.ID); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if err := m.SetStatus(a.ID, models.ObjectiveStatusCancelled, nil); err != nil {
		t.Errorf("cancel from on_hold failed: %v", err)
	}
}

func TestHierarchy(t *testing.T) {
	m := setupManager(t)

	root := mustCreate(t, m, &models.Objective{Title: "root"})
	child1 := mustCreate(t, m, &models.Objective{Title: "child1", ParentObjectiveID: root.ID, Priority: 2})
	child2 := mustCreate(t, m, &models.Objective{Title: "child2", ParentObjectiveID: root.ID, Priority: 1})
	grand := mustCreate(t, m, &models.Objective{Title: "grand", ParentObjectiveID: child1.ID})

	got, err := m.Hierarchy(root.ID)
	if err != nil {
		t.Fatalf("Hierarchy failed: %v", err)
	}
	want := []string{root.ID, child1.ID, child2.ID, grand.ID}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("got[%d] = %s, want %s", i, got[i].ID, id)
		}
	}

	sub, err := m.Subobjectives(root.ID)
	if err != nil {
		t.Fatalf("Subobjectives failed: %v", err)
	}
	if len(sub) != 2 || sub[0].ID != child1.ID {
		t.Errorf("Subobjectives = %v, want [child1 child2]", sub)
	}
}
