package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

// newTestSupervisor creates a supervisor over a fresh temp database. The
// caller's Config is honored except for the store, which is always the
// test database.
func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *state.DB) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "supervisor.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	cfg.Store = db
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 500 * time.Millisecond
	}
	return New(cfg), db
}

// trackFake registers a handle for a process the supervisor never started.
func trackFake(s *Supervisor, agentID string, pid int) *Handle {
	h := &Handle{AgentID: agentID, PID: pid, lastHeartbeat: time.Now()}
	s.mu.Lock()
	s.handles[agentID] = h
	s.mu.Unlock()
	return h
}

// insertSession writes a session row directly, bypassing Spawn.
func insertSession(t *testing.T, db *state.DB, id string, status models.SessionStatus, pid int) {
	t.Helper()
	now := time.Now()
	err := db.CreateSession(&models.AgentSession{
		ID:             id,
		RepositoryPath: "/repo/project",
		AgentType:      "testing",
		Status:         status,
		PID:            pid,
		LastHeartbeat:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("failed to insert session: %v", err)
	}
}

func waitExited(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("agent %s did not exit", h.AgentID)
	}
}

func TestSpawn_RecordsSession(t *testing.T) {
	s, db := newTestSupervisor(t, Config{Namespace: "zmcp"})

	h, err := s.Spawn(SpawnSpec{
		AgentID:        "ag-spawn",
		AgentType:      "testing",
		RepositoryPath: t.TempDir(),
		Goal:           "spawn-check",
		Command:        []string{"sleep", "60"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(func() {
		killGroup(h.PID, syscall.SIGKILL)
	})

	if h.PID <= 0 {
		t.Fatalf("PID = %d, want > 0", h.PID)
	}
	if want := "zmcp-ts-spawn-check-ag-spawn"; h.Label != want {
		t.Errorf("Label = %q, want %q", h.Label, want)
	}

	sess, err := db.GetSession("ag-spawn")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != models.SessionStatusInitializing {
		t.Errorf("Status = %q, want initializing", sess.Status)
	}
	if sess.PID != h.PID {
		t.Errorf("PID = %d, want %d", sess.PID, h.PID)
	}
	if sess.ProcessTitle != h.Label {
		t.Errorf("ProcessTitle = %q, want %q", sess.ProcessTitle, h.Label)
	}

	if live, err := s.Probe(h.PID); err != nil || live != Alive {
		t.Errorf("Probe = %v, %v, want Alive", live, err)
	}
	if s.Count() != 1 {
		t.Errorf("Count() = %d, want 1", s.Count())
	}
}

func TestSpawn_GeneratesAgentID(t *testing.T) {
	s, db := newTestSupervisor(t, Config{})

	h, err := s.Spawn(SpawnSpec{AgentType: "testing", Command: []string{"sleep", "60"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(func() {
		killGroup(h.PID, syscall.SIGKILL)
	})

	if h.AgentID == "" {
		t.Fatal("expected generated agent id")
	}
	if _, err := db.GetSession(h.AgentID); err != nil {
		t.Errorf("GetSession failed: %v", err)
	}
}

func TestSpawn_MissingExecutable(t *testing.T) {
	s, db := newTestSupervisor(t, Config{})

	_, err := s.Spawn(SpawnSpec{AgentType: "testing", Command: []string{"zmcp-no-such-binary-anywhere"}})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error = %v, want SpawnError", err)
	}

	sessions, err := db.ListSessions(nil, "")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("%d sessions recorded for failed spawn, want 0", len(sessions))
	}
	if s.Count() != 0 {
		t.Errorf("Count() = %d, want 0", s.Count())
	}
}

func TestSpawn_EmptyCommand(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})

	_, err := s.Spawn(SpawnSpec{AgentType: "testing"})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Errorf("error = %v, want SpawnError", err)
	}
}

func TestSpawn_DuplicateAgentID(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})

	h, err := s.Spawn(SpawnSpec{AgentID: "dup1", AgentType: "testing", Command: []string{"sleep", "60"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(func() {
		killGroup(h.PID, syscall.SIGKILL)
	})

	if _, err := s.Spawn(SpawnSpec{AgentID: "dup1", AgentType: "testing", Command: []string{"sleep", "60"}}); err == nil {
		t.Error("expected error spawning duplicate agent id")
	}
}

func TestBuildEnv(t *testing.T) {
	pairs := buildEnv(SpawnSpec{
		AgentType:      "testing",
		RepositoryPath: "/repo/project",
		Env:            map[string]string{"EXTRA_FLAG": "1"},
	}, "ag1", "zmcp-ts-x-ag1")

	want := []string{
		"EXTRA_FLAG=1",
		"ZMCP_AGENT_ID=ag1",
		"ZMCP_AGENT_TYPE=testing",
		"ZMCP_PROCESS_TITLE=zmcp-ts-x-ag1",
		"ZMCP_REPOSITORY_PATH=/repo/project",
	}
	if !reflect.DeepEqual(pairs, want) {
		t.Errorf("buildEnv = %v, want %v", pairs, want)
	}
	if !sort.StringsAreSorted(pairs) {
		t.Error("env overlay is not sorted")
	}
}

func TestSignal_Delivered(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})

	h, err := s.Spawn(SpawnSpec{AgentID: "sig1", AgentType: "testing", Command: []string{"sleep", "60"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(func() {
		killGroup(h.PID, syscall.SIGKILL)
	})

	if err := s.Signal("sig1", syscall.SIGTERM); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	waitExited(t, h)
}

func TestSignal_NoopAfterExit(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})

	h, err := s.Spawn(SpawnSpec{AgentID: "sig2", AgentType: "testing", Command: []string{"true"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitExited(t, h)

	if err := s.Signal("sig2", os.Interrupt); err != nil {
		t.Errorf("Signal after exit = %v, want nil", err)
	}
}

func TestSignal_UnknownAgent(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})

	if err := s.Signal("missing", os.Interrupt); !state.IsNotFound(err) {
		t.Errorf("error = %v, want NotFoundError", err)
	}
}

func TestProbe(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})

	if live, err := s.Probe(os.Getpid()); err != nil || live != Alive {
		t.Errorf("Probe(self) = %v, %v, want Alive", live, err)
	}
	// A pid beyond the kernel's pid space cannot exist.
	if live, err := s.Probe(1 << 30); err != nil || live != Dead {
		t.Errorf("Probe(1<<30) = %v, %v, want Dead", live, err)
	}
}

type fakeRunner struct {
	out []byte
	err error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f.out, f.err
}

func TestProbeViaPs(t *testing.T) {
	// ps exiting nonzero with no output is how a missing pid reports.
	exitErr := exec.Command("sh", "-c", "exit 1").Run()
	if exitErr == nil {
		t.Fatal("expected sh -c 'exit 1' to fail")
	}

	tests := []struct {
		name      string
		runner    CommandRunner
		pid       int
		wantAlive bool
		wantErr   bool
	}{
		{"pid present", &fakeRunner{out: []byte(" 1234\n")}, 1234, true, false},
		{"different pid", &fakeRunner{out: []byte("999\n")}, 1234, false, false},
		{"empty output with exit error", &fakeRunner{err: exitErr}, 1234, false, false},
		{"garbage output", &fakeRunner{out: []byte("not-a-pid")}, 1234, false, true},
		{"runner failure", &fakeRunner{err: errors.New("boom")}, 1234, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alive, err := probeViaPs(tt.runner, tt.pid)
			if alive != tt.wantAlive {
				t.Errorf("alive = %v, want %v", alive, tt.wantAlive)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTouch(t *testing.T) {
	s, db := newTestSupervisor(t, Config{})

	h, err := s.Spawn(SpawnSpec{AgentID: "hb1", AgentType: "testing", Command: []string{"sleep", "60"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(func() {
		killGroup(h.PID, syscall.SIGKILL)
	})

	at := time.Now().Add(time.Minute).Truncate(time.Second)
	if err := s.Touch("hb1", at); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	sess, err := db.GetSession("hb1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != models.SessionStatusActive {
		t.Errorf("Status = %q, want active after first heartbeat", sess.Status)
	}
	if !sess.LastHeartbeat.Equal(at) {
		t.Errorf("LastHeartbeat = %v, want %v", sess.LastHeartbeat, at)
	}
	if !h.LastHeartbeat().Equal(at) {
		t.Errorf("handle heartbeat = %v, want %v", h.LastHeartbeat(), at)
	}
}

func TestTouch_UnknownAgent(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})

	if err := s.Touch("missing", time.Now()); !state.IsNotFound(err) {
		t.Errorf("error = %v, want NotFoundError", err)
	}
}

func TestSweep_StaleIsReaped(t *testing.T) {
	s, db := newTestSupervisor(t, Config{Namespace: "zmcp", StaleAfter: time.Minute})

	var mu sync.Mutex
	var events []string
	s.OnReaped(func(agentID string, lastStatus models.SessionStatus) {
		mu.Lock()
		events = append(events, agentID+":"+string(lastStatus))
		mu.Unlock()
	})

	stale, err := s.Spawn(SpawnSpec{AgentID: "stale1", AgentType: "testing", Command: []string{"sleep", "60"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	fresh, err := s.Spawn(SpawnSpec{AgentID: "fresh1", AgentType: "testing", Command: []string{"sleep", "60"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(func() {
		killGroup(stale.PID, syscall.SIGKILL)
		killGroup(fresh.PID, syscall.SIGKILL)
	})

	// stale1 heartbeats once, then goes silent for ten minutes.
	if err := s.Touch("stale1", time.Now()); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	stale.mu.Lock()
	stale.lastHeartbeat = time.Now().Add(-10 * time.Minute)
	stale.mu.Unlock()

	reaped := s.Sweep()
	if !reflect.DeepEqual(reaped, []string{"stale1"}) {
		t.Fatalf("Sweep reaped %v, want [stale1]", reaped)
	}
	waitExited(t, stale)

	sess, err := db.GetSession("stale1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != models.SessionStatusTerminated {
		t.Errorf("stale session status = %q, want terminated", sess.Status)
	}
	if _, ok := s.Handle("stale1"); ok {
		t.Error("stale1 still tracked after reap")
	}

	// The fresh agent is untouched by the same sweep.
	if _, ok := s.Handle("fresh1"); !ok {
		t.Error("fresh1 no longer tracked")
	}
	freshSess, err := db.GetSession("fresh1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if freshSess.Status != models.SessionStatusInitializing {
		t.Errorf("fresh session status = %q, want initializing", freshSess.Status)
	}
	if live, _ := s.Probe(fresh.PID); live != Alive {
		t.Error("fresh process is no longer alive")
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(events, []string{"stale1:active"}) {
		t.Errorf("reap events = %v, want [stale1:active]", events)
	}
}

func TestSweep_CrashFlipsActiveToTerminated(t *testing.T) {
	s, db := newTestSupervisor(t, Config{StaleAfter: time.Hour})

	// A session whose process vanished without reporting an exit.
	insertSession(t, db, "crashed", models.SessionStatusActive, 1<<30)
	trackFake(s, "crashed", 1<<30)

	// A session whose process is demonstrably alive.
	insertSession(t, db, "healthy", models.SessionStatusActive, os.Getpid())
	trackFake(s, "healthy", os.Getpid())

	reaped := s.Sweep()
	if !reflect.DeepEqual(reaped, []string{"crashed"}) {
		t.Fatalf("Sweep reaped %v, want [crashed]", reaped)
	}

	crashed, err := db.GetSession("crashed")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if crashed.Status != models.SessionStatusTerminated {
		t.Errorf("crashed session status = %q, want terminated", crashed.Status)
	}

	healthy, err := db.GetSession("healthy")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if healthy.Status != models.SessionStatusActive {
		t.Errorf("healthy session status = %q, want active (untouched)", healthy.Status)
	}
	if _, ok := s.Handle("healthy"); !ok {
		t.Error("healthy agent no longer tracked")
	}
}

func TestSweep_CleanExitDeregistersQuietly(t *testing.T) {
	s, db := newTestSupervisor(t, Config{StaleAfter: time.Hour})

	var reapedEvents int
	s.OnReaped(func(string, models.SessionStatus) { reapedEvents++ })

	h, err := s.Spawn(SpawnSpec{AgentID: "done1", AgentType: "testing", Command: []string{"true"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitExited(t, h)

	// The agent reported its own completion before exiting.
	if err := db.SetSessionStatus("done1", models.SessionStatusCompleted); err != nil {
		t.Fatalf("SetSessionStatus failed: %v", err)
	}

	if reaped := s.Sweep(); len(reaped) != 0 {
		t.Errorf("Sweep reaped %v, want none", reaped)
	}
	if _, ok := s.Handle("done1"); ok {
		t.Error("done1 still tracked after sweep")
	}
	if reapedEvents != 0 {
		t.Errorf("reap events = %d, want 0", reapedEvents)
	}

	sess, err := db.GetSession("done1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != models.SessionStatusCompleted {
		t.Errorf("session status = %q, want completed", sess.Status)
	}
}

func TestSweep_UncleanExitMarksTerminated(t *testing.T) {
	s, db := newTestSupervisor(t, Config{StaleAfter: time.Hour})

	h, err := s.Spawn(SpawnSpec{AgentID: "crash2", AgentType: "testing", Command: []string{"false"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitExited(t, h)

	reaped := s.Sweep()
	if !reflect.DeepEqual(reaped, []string{"crash2"}) {
		t.Fatalf("Sweep reaped %v, want [crash2]", reaped)
	}
	sess, err := db.GetSession("crash2")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != models.SessionStatusTerminated {
		t.Errorf("session status = %q, want terminated", sess.Status)
	}
}

func TestStartStop(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{ReapInterval: 10 * time.Millisecond})

	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	// A second Stop is a no-op.
	s.Stop()
}
