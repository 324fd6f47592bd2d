// Package crash is the process-wide fault boundary. It traps panics and
// termination signals, persists a crash record synchronously before any
// shutdown logic runs, marks in-flight work so it cannot stay active
// forever, and reconciles orphaned sessions on the next startup.
package crash

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

// Crash record categories.
const (
	CategoryPanic  = "panic"
	CategorySignal = "signal"
	CategoryError  = "error"
)

// FaultCaptured wraps a fault after it has been recorded, so callers can
// tell a captured crash apart from an ordinary error.
type FaultCaptured struct {
	RecordID string
	Phase    string
	Err      error
}

func (e *FaultCaptured) Error() string {
	return fmt.Sprintf("fault captured in %s: %v", e.Phase, e.Err)
}

func (e *FaultCaptured) Unwrap() error { return e.Err }

// Handler owns fault capture for one process. Create exactly one and
// share it; Install is idempotent either way.
type Handler struct {
	store state.Store

	once   sync.Once
	sigCh  chan os.Signal
	stopCh chan struct{}

	mu         sync.Mutex
	onShutdown func(os.Signal)

	nowFunc  func() time.Time
	debugLog func(format string, args ...any)
}

// NewHandler builds a fault handler over the persistence layer.
func NewHandler(store state.Store) *Handler {
	return &Handler{
		store:    store,
		stopCh:   make(chan struct{}),
		nowFunc:  time.Now,
		debugLog: func(string, ...any) {},
	}
}

// SetDebugLog installs a sink for verbose logging.
func (h *Handler) SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		h.debugLog = fn
	}
}

// OnShutdown registers the orderly-shutdown hook invoked after a
// termination signal has been captured.
func (h *Handler) OnShutdown(fn func(os.Signal)) {
	h.mu.Lock()
	h.onShutdown = fn
	h.mu.Unlock()
}

// Install traps SIGINT and SIGTERM. Calling it again is a no-op.
func (h *Handler) Install() {
	h.once.Do(func() {
		h.sigCh = make(chan os.Signal, 1)
		signal.Notify(h.sigCh, syscall.SIGINT, syscall.SIGTERM)
		go h.watchSignals()
	})
}

// Uninstall releases the signal trap. Used by tests; a real process
// keeps the trap until exit.
func (h *Handler) Uninstall() {
	if h.sigCh != nil {
		signal.Stop(h.sigCh)
	}
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
}

func (h *Handler) watchSignals() {
	for {
		select {
		case sig := <-h.sigCh:
			log.Printf("[crash] received %s, capturing state before shutdown", sig)
			h.Capture("signal", CategorySignal, fmt.Errorf("received signal %s", sig))
			h.mu.Lock()
			fn := h.onShutdown
			h.mu.Unlock()
			if fn != nil {
				fn(sig)
			}
		case <-h.stopCh:
			return
		}
	}
}

// Boundary runs fn inside the fault boundary. A panic inside fn is
// captured, recorded, and returned as a *FaultCaptured error instead of
// unwinding further. Ordinary errors pass through untouched.
func (h *Handler) Boundary(phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("panic: %v", r)
			rec := h.capture(phase, CategoryPanic, cause, string(debug.Stack()))
			err = &FaultCaptured{RecordID: rec.ID, Phase: phase, Err: cause}
		}
	}()
	return fn()
}

// Capture persists a crash record and marks in-flight work. The record
// write happens first so it survives even if the marking fails.
func (h *Handler) Capture(phase, category string, cause error) *models.CrashRecord {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return h.capture(phase, category, cause, detail)
}

func (h *Handler) capture(phase, category string, cause error, detail string) *models.CrashRecord {
	sessions := h.liveSessions()
	objectives := h.assignedObjectives(sessions)

	rec := &models.CrashRecord{
		ID:           uuid.New().String(),
		Timestamp:    h.nowFunc().UTC(),
		Phase:        phase,
		Category:     category,
		ErrorSummary: summarize(cause),
		ErrorDetail:  detail,
	}
	for _, s := range sessions {
		rec.AffectedSessionIDs = append(rec.AffectedSessionIDs, s.ID)
	}
	for _, o := range objectives {
		rec.AffectedObjectiveIDs = append(rec.AffectedObjectiveIDs, o.ID)
	}
	sort.Strings(rec.AffectedSessionIDs)
	sort.Strings(rec.AffectedObjectiveIDs)

	if err := h.store.CreateCrashRecord(rec); err != nil {
		log.Printf("[crash] persist crash record: %v", err)
	}

	h.markInFlight(sessions, objectives)
	log.Printf("[crash] captured %s fault in %s (%d sessions, %d objectives affected)",
		category, phase, len(sessions), len(objectives))
	return rec
}

func (h *Handler) liveSessions() []models.AgentSession {
	sessions, err := h.store.ListLiveSessions()
	if err != nil {
		log.Printf("[crash] list sessions during capture: %v", err)
		return nil
	}
	return sessions
}

// assignedObjectives finds in-progress objectives held by any of the
// given sessions.
func (h *Handler) assignedObjectives(sessions []models.AgentSession) []models.Objective {
	if len(sessions) == 0 {
		return nil
	}
	held := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		held[s.ID] = struct{}{}
	}
	inProgress := models.ObjectiveStatusInProgress
	objectives, err := h.store.ListObjectives(state.ListObjectivesOptions{Status: &inProgress})
	if err != nil {
		log.Printf("[crash] list objectives during capture: %v", err)
		return nil
	}
	var out []models.Objective
	for _, o := range objectives {
		if _, ok := held[o.AssignedAgentID]; ok {
			out = append(out, o)
		}
	}
	return out
}

// markInFlight flips captured sessions to failed and their objectives to
// blocked, so nothing stays active or in_progress across the crash.
func (h *Handler) markInFlight(sessions []models.AgentSession, objectives []models.Objective) {
	for _, s := range sessions {
		if err := h.store.SetSessionStatus(s.ID, models.SessionStatusFailed); err != nil && !errors.Is(err, state.ErrTerminalSession) {
			log.Printf("[crash] mark session %s failed: %v", s.ID, err)
		}
	}
	for i := range objectives {
		o := objectives[i]
		o.PrevStatus = o.Status
		o.Status = models.ObjectiveStatusBlocked
		o.BlockedReason = "runtime fault during execution"
		o.UpdatedAt = h.nowFunc().UTC()
		if err := h.store.UpdateObjective(&o); err != nil {
			log.Printf("[crash] block objective %s: %v", o.ID, err)
		}
	}
}

// summarize reduces a fault to its first line for the record summary.
func summarize(cause error) string {
	if cause == nil {
		return "unknown fault"
	}
	s := cause.Error()
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
