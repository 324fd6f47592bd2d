package crash

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

// recordLookback bounds how far back startup reconciliation reads crash
// records.
const recordLookback = 24 * time.Hour

// ReconcileReport summarizes what startup reconciliation changed.
type ReconcileReport struct {
	// CrashRecords is how many records from previous runs were found.
	CrashRecords int
	// OrphanedSessions are sessions whose process probe reported dead,
	// now marked terminated.
	OrphanedSessions []string
	// ResetObjectives are objectives returned to pending for re-dispatch.
	ResetObjectives []string
}

// Reconcile closes the gap between an unclean exit and graph-visible
// state. It probes every non-terminal session's recorded PID, marks dead
// ones terminated, and returns their objectives to pending so the
// orchestrator can hand them out again. Runs before any new work is
// accepted.
//
// probe reports whether a PID is alive; a probe error is treated as dead
// after the supervisor's own retries have already run their course.
func (h *Handler) Reconcile(probe func(pid int) (bool, error)) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	records, err := h.store.ListCrashRecordsSince(h.nowFunc().Add(-recordLookback))
	if err != nil {
		return nil, fmt.Errorf("read crash records: %w", err)
	}
	report.CrashRecords = len(records)
	crashBlocked := make(map[string]struct{})
	for _, rec := range records {
		h.debugLog("crash: prior %s fault in %s at %s: %s",
			rec.Category, rec.Phase, rec.Timestamp.Format(time.RFC3339), rec.ErrorSummary)
		for _, id := range rec.AffectedObjectiveIDs {
			crashBlocked[id] = struct{}{}
		}
	}

	sessions, err := h.store.ListLiveSessions()
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	orphaned := make(map[string]struct{})
	for _, s := range sessions {
		alive := false
		if s.PID > 0 {
			var probeErr error
			alive, probeErr = probe(s.PID)
			if probeErr != nil {
				log.Printf("[crash] probe pid %d for session %s: %v", s.PID, s.ID, probeErr)
			}
		}
		if alive {
			continue
		}
		if err := h.store.SetSessionStatus(s.ID, models.SessionStatusTerminated); err != nil {
			log.Printf("[crash] terminate orphaned session %s: %v", s.ID, err)
			continue
		}
		orphaned[s.ID] = struct{}{}
		report.OrphanedSessions = append(report.OrphanedSessions, s.ID)
	}

	reset, err := h.resetOrphanedObjectives(orphaned, crashBlocked)
	if err != nil {
		return nil, err
	}
	report.ResetObjectives = reset

	sort.Strings(report.OrphanedSessions)
	if len(report.OrphanedSessions) > 0 || len(report.ResetObjectives) > 0 {
		log.Printf("[crash] reconciled %d orphaned sessions, reset %d objectives",
			len(report.OrphanedSessions), len(report.ResetObjectives))
	}
	return report, nil
}

// resetOrphanedObjectives returns objectives to pending when their
// session died under them or a prior fault left them blocked.
func (h *Handler) resetOrphanedObjectives(orphaned, crashBlocked map[string]struct{}) ([]string, error) {
	objectives, err := h.store.ListAllObjectives()
	if err != nil {
		return nil, fmt.Errorf("list objectives: %w", err)
	}
	var reset []string
	for i := range objectives {
		o := objectives[i]
		abandoned := o.Status == models.ObjectiveStatusInProgress && hasKey(orphaned, o.AssignedAgentID)
		faultBlocked := o.Status == models.ObjectiveStatusBlocked && hasKey(crashBlocked, o.ID)
		if !abandoned && !faultBlocked {
			continue
		}
		o.Status = models.ObjectiveStatusPending
		o.AssignedAgentID = ""
		o.BlockedReason = ""
		o.PrevStatus = ""
		o.UpdatedAt = h.nowFunc().UTC()
		if err := h.store.UpdateObjective(&o); err != nil {
			log.Printf("[crash] reset objective %s: %v", o.ID, err)
			continue
		}
		h.debugLog("crash: reset orphaned objective %s to pending", o.ID)
		reset = append(reset, o.ID)
	}
	sort.Strings(reset)
	return reset, nil
}

func hasKey(set map[string]struct{}, key string) bool {
	if key == "" {
		return false
	}
	_, ok := set[key]
	return ok
}
