// Package supervisor owns agent OS processes: spawning with identifiable
// process labels, signal delivery, liveness probing, and the periodic reap
// sweep that terminates stale or crashed agents. Sessions are recorded
// through the state store; the in-memory handle registry is guarded and
// only ever mutated through the Supervisor's own methods.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

const (
	// DefaultReapInterval is the cadence of the background reap sweep.
	DefaultReapInterval = 30 * time.Second
	// DefaultStaleAfter is how long an agent may stay silent before the
	// sweep terminates it. Silence beyond the threshold triggers reaping,
	// not any single missed heartbeat.
	DefaultStaleAfter = 5 * time.Minute
	// DefaultKillGrace is the pause between SIGTERM and SIGKILL.
	DefaultKillGrace = 5 * time.Second

	probeMaxAttempts = 3
	probeRetryDelay  = 100 * time.Millisecond
	probeTimeout     = 5 * time.Second
)

// Environment variables handed to every spawned agent.
const (
	EnvAgentID        = "ZMCP_AGENT_ID"
	EnvAgentType      = "ZMCP_AGENT_TYPE"
	EnvRepositoryPath = "ZMCP_REPOSITORY_PATH"
	EnvProcessTitle   = "ZMCP_PROCESS_TITLE"
)

// Liveness is the result of probing a process.
type Liveness int

const (
	Alive Liveness = iota
	Dead
)

func (l Liveness) String() string {
	if l == Alive {
		return "alive"
	}
	return "dead"
}

// SpawnSpec describes one agent process to start.
type SpawnSpec struct {
	// AgentID identifies the session; a UUID is generated when empty.
	AgentID        string
	AgentType      string
	RepositoryPath string
	// Goal is a short work description folded into the process label.
	Goal string
	// Namespace prefixes the process label; defaults to the supervisor's.
	Namespace string
	// Command is the argv to execute. Command[0] must resolve on PATH.
	Command []string
	// Env entries are layered over the parent environment.
	Env          map[string]string
	Capabilities []string
	Metadata     map[string]string
}

// Handle tracks one supervised agent process.
type Handle struct {
	AgentID   string
	PID       int
	Label     string
	StartedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
	activated     bool
	exitErr       error

	cmd  *exec.Cmd
	done chan struct{}
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (h *Handle) LastHeartbeat() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastHeartbeat
}

// touch advances the heartbeat time; older timestamps are ignored.
func (h *Handle) touch(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if at.After(h.lastHeartbeat) {
		h.lastHeartbeat = at
	}
}

// markActivated reports true exactly once, on the first call.
func (h *Handle) markActivated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activated {
		return false
	}
	h.activated = true
	return true
}

// Exited reports whether the process has been observed to exit.
func (h *Handle) Exited() bool {
	if h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the process exits. Nil for handles
// tracking a process the supervisor did not start itself.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitErr returns the error from waiting on the process, if any.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// waitExit waits up to timeout for the process to exit.
func (h *Handle) waitExit(timeout time.Duration) bool {
	if h.done != nil {
		select {
		case <-h.done:
			return true
		case <-time.After(timeout):
			return false
		}
	}

	// No exit channel; poll the process table instead.
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			alive, _ := probePID(h.PID)
			return !alive
		case <-ticker.C:
			if alive, _ := probePID(h.PID); !alive {
				return true
			}
		}
	}
}

// Config carries the supervisor's collaborators and tunables. Zero-value
// durations fall back to the package defaults.
type Config struct {
	Store        state.SessionStore
	Runner       CommandRunner
	LogDir       string
	Namespace    string
	ReapInterval time.Duration
	StaleAfter   time.Duration
	KillGrace    time.Duration
}

// Supervisor owns the registry of live agent processes.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*Handle
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	store     state.SessionStore
	runner    CommandRunner
	logDir    string
	namespace string

	reapInterval time.Duration
	staleAfter   time.Duration
	killGrace    time.Duration

	// onReaped receives the id and pre-termination status of every agent
	// the sweep removed. Invoked outside the registry lock; may be nil.
	onReaped func(agentID string, lastStatus models.SessionStatus)

	nowFunc  func() time.Time
	debugLog func(format string, args ...interface{})
}

// New creates a supervisor with an empty registry.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		handles:      make(map[string]*Handle),
		store:        cfg.Store,
		runner:       cfg.Runner,
		logDir:       cfg.LogDir,
		namespace:    cfg.Namespace,
		reapInterval: cfg.ReapInterval,
		staleAfter:   cfg.StaleAfter,
		killGrace:    cfg.KillGrace,
		nowFunc:      time.Now,
		debugLog:     func(format string, args ...interface{}) {}, // no-op by default
	}
	if s.runner == nil {
		s.runner = NewRunner()
	}
	if s.namespace == "" {
		s.namespace = DefaultNamespace
	}
	if s.reapInterval <= 0 {
		s.reapInterval = DefaultReapInterval
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.killGrace <= 0 {
		s.killGrace = DefaultKillGrace
	}
	return s
}

// SetDebugLog sets the debug logging function.
func (s *Supervisor) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// OnReaped registers the callback invoked after the sweep removes an agent.
func (s *Supervisor) OnReaped(fn func(agentID string, lastStatus models.SessionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReaped = fn
}

// Spawn starts an agent process and records its session. Failures surface
// synchronously as SpawnError; no session row is left behind for a process
// that never started.
func (s *Supervisor) Spawn(spec SpawnSpec) (*Handle, error) {
	if len(spec.Command) == 0 {
		return nil, &SpawnError{Err: errors.New("empty command")}
	}

	agentID := spec.AgentID
	if agentID == "" {
		agentID = uuid.New().String()
	}
	s.mu.Lock()
	if _, exists := s.handles[agentID]; exists {
		s.mu.Unlock()
		return nil, &SpawnError{Command: spec.Command[0], Err: fmt.Errorf("agent %s already tracked", agentID)}
	}
	s.mu.Unlock()

	namespace := spec.Namespace
	if namespace == "" {
		namespace = s.namespace
	}
	label := DeriveLabel(namespace, spec.AgentType, spec.Goal, agentID)

	path, err := exec.LookPath(spec.Command[0])
	if err != nil {
		return nil, &SpawnError{Command: spec.Command[0], Err: err}
	}

	cmd := exec.Command(path, spec.Command[1:]...)
	if spec.RepositoryPath != "" {
		cmd.Dir = spec.RepositoryPath
	}
	cmd.Env = append(os.Environ(), buildEnv(spec, agentID, label)...)
	configureProcess(cmd)

	var logFile *os.File
	if s.logDir != "" {
		if err := os.MkdirAll(s.logDir, 0755); err != nil {
			return nil, &SpawnError{Command: spec.Command[0], Err: fmt.Errorf("create log dir: %w", err)}
		}
		logFile, err = os.OpenFile(filepath.Join(s.logDir, agentID+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, &SpawnError{Command: spec.Command[0], Err: fmt.Errorf("open log file: %w", err)}
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, &SpawnError{Command: spec.Command[0], Err: err}
	}

	now := s.nowFunc()
	session := &models.AgentSession{
		ID:             agentID,
		RepositoryPath: spec.RepositoryPath,
		AgentType:      spec.AgentType,
		Status:         models.SessionStatusInitializing,
		PID:            cmd.Process.Pid,
		ProcessTitle:   label,
		LastHeartbeat:  now,
		Capabilities:   spec.Capabilities,
		Metadata:       spec.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateSession(session); err != nil {
		killGroup(cmd.Process.Pid, syscall.SIGKILL)
		go cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("record session for %s: %w", agentID, err)
	}

	h := &Handle{
		AgentID:       agentID,
		PID:           cmd.Process.Pid,
		Label:         label,
		StartedAt:     now,
		lastHeartbeat: now,
		cmd:           cmd,
		done:          make(chan struct{}),
	}
	s.mu.Lock()
	s.handles[agentID] = h
	s.mu.Unlock()

	go s.waitProcess(h, logFile)

	s.debugLog("[supervisor] spawned %s pid=%d label=%s", agentID, h.PID, label)
	return h, nil
}

func (s *Supervisor) waitProcess(h *Handle, logFile *os.File) {
	err := h.cmd.Wait()
	if logFile != nil {
		logFile.Close()
	}
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
	s.debugLog("[supervisor] agent %s pid=%d exited: %v", h.AgentID, h.PID, err)
}

// buildEnv returns the environment overlay for a spawned agent, sorted for
// deterministic ordering.
func buildEnv(spec SpawnSpec, agentID, label string) []string {
	overlay := map[string]string{
		EnvAgentID:        agentID,
		EnvAgentType:      spec.AgentType,
		EnvRepositoryPath: spec.RepositoryPath,
		EnvProcessTitle:   label,
	}
	for k, v := range spec.Env {
		overlay[k] = v
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+overlay[k])
	}
	return pairs
}

// Signal forwards a signal to the agent's process. Delivery is at most
// once per call and a no-op if the process already exited.
func (s *Supervisor) Signal(agentID string, sig os.Signal) error {
	s.mu.Lock()
	h, ok := s.handles[agentID]
	s.mu.Unlock()
	if !ok {
		return &state.NotFoundError{Kind: "agent", ID: agentID}
	}
	if h.Exited() {
		return nil
	}
	proc, err := os.FindProcess(h.PID)
	if err != nil {
		return nil
	}
	return proc.Signal(sig)
}

// Probe reports whether the process is alive. The fast path reads the OS
// process table; an inconclusive result falls back to parsing ps output,
// retried with bounded exponential backoff. When every attempt stays
// inconclusive the process is conservatively reported Dead alongside a
// ProbeError for logging.
func (s *Supervisor) Probe(pid int) (Liveness, error) {
	alive, err := probePID(pid)
	if err == nil {
		if alive {
			return Alive, nil
		}
		return Dead, nil
	}

	lastErr := err
	delay := probeRetryDelay
	for attempt := 0; attempt < probeMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		alive, err := probeViaPs(s.runner, pid)
		if err == nil {
			if alive {
				return Alive, nil
			}
			return Dead, nil
		}
		lastErr = err
	}
	return Dead, &ProbeError{PID: pid, Err: lastErr}
}

// probeViaPs asks ps whether the pid is present in the process table. A
// nonzero ps exit with empty output is a conclusive miss.
func probeViaPs(runner CommandRunner, pid int) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := runner.Run(ctx, "ps", "-o", "pid=", "-p", strconv.Itoa(pid))
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if trimmed == "" && errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	got, perr := strconv.Atoi(trimmed)
	if perr != nil {
		return false, fmt.Errorf("unexpected ps output %q", trimmed)
	}
	return got == pid, nil
}

// Touch records a heartbeat for an agent. The first heartbeat moves an
// initializing session to active.
func (s *Supervisor) Touch(agentID string, at time.Time) error {
	s.mu.Lock()
	h, ok := s.handles[agentID]
	s.mu.Unlock()
	if !ok {
		return &state.NotFoundError{Kind: "agent", ID: agentID}
	}

	h.touch(at)
	if err := s.store.TouchSession(agentID, at); err != nil {
		return err
	}
	if h.markActivated() {
		if err := s.store.SetSessionStatus(agentID, models.SessionStatusActive); err != nil && !errors.Is(err, state.ErrTerminalSession) {
			return err
		}
	}
	return nil
}

// Handle returns the tracked handle for an agent, if any.
func (s *Supervisor) Handle(agentID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[agentID]
	return h, ok
}

// Count returns the number of tracked agents.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// AgentIDs returns the ids of all tracked agents, sorted.
func (s *Supervisor) AgentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start launches the background reap loop.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.reapLoop(s.stopCh, s.doneCh)
}

// Stop halts the reap loop and waits for the in-flight sweep to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (s *Supervisor) reapLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep examines every tracked agent once and returns the ids it reaped.
// Exited or vanished processes are retired immediately; agents silent
// beyond the staleness threshold are terminated, escalating from SIGTERM
// to SIGKILL after the grace period. Fresh, live agents are untouched.
func (s *Supervisor) Sweep() []string {
	now := s.nowFunc()

	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].AgentID < handles[j].AgentID })

	var reaped []string
	for _, h := range handles {
		if h.Exited() {
			if s.retire(h, "exited") {
				reaped = append(reaped, h.AgentID)
			}
			continue
		}

		// Processes the supervisor did not start have no exit channel;
		// ask the process table instead.
		if h.cmd == nil {
			live, perr := s.Probe(h.PID)
			if perr != nil {
				s.debugLog("[supervisor] %v", perr)
			}
			if live == Dead {
				if s.retire(h, "vanished") {
					reaped = append(reaped, h.AgentID)
				}
				continue
			}
		}

		if now.Sub(h.LastHeartbeat()) > s.staleAfter {
			s.debugLog("[supervisor] agent %s silent for %s, terminating", h.AgentID, now.Sub(h.LastHeartbeat()))
			s.terminate(h)
			if s.retire(h, "stale") {
				reaped = append(reaped, h.AgentID)
			}
		}
	}
	return reaped
}

// terminate asks the process group to exit, escalating to SIGKILL when the
// grace period lapses.
func (s *Supervisor) terminate(h *Handle) {
	killGroup(h.PID, syscall.SIGTERM)
	if h.waitExit(s.killGrace) {
		return
	}
	killGroup(h.PID, syscall.SIGKILL)
}

// retire removes the handle from the registry and, when the session had
// not already reached a terminal status, marks it terminated and reports
// the reap. Returns whether a reap event was emitted.
func (s *Supervisor) retire(h *Handle, cause string) bool {
	s.mu.Lock()
	delete(s.handles, h.AgentID)
	onReaped := s.onReaped
	s.mu.Unlock()

	session, err := s.store.GetSession(h.AgentID)
	if err != nil {
		s.debugLog("[supervisor] retire %s: %v", h.AgentID, err)
		return false
	}
	if session.Status.Terminal() {
		s.debugLog("[supervisor] agent %s deregistered (%s, already %s)", h.AgentID, cause, session.Status)
		return false
	}

	lastStatus := session.Status
	if err := s.store.SetSessionStatus(h.AgentID, models.SessionStatusTerminated); err != nil && !errors.Is(err, state.ErrTerminalSession) {
		log.Printf("[supervisor] failed to mark %s terminated: %v", h.AgentID, err)
	}
	log.Printf("[supervisor] reaped agent %s (%s, last status %s)", h.AgentID, cause, lastStatus)
	if onReaped != nil {
		onReaped(h.AgentID, lastStatus)
	}
	return true
}
