package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/crash"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/graph"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/orchestrator/policy"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/relay"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/supervisor"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/worker"
	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

// Publisher forwards orchestrator events to relay subscribers.
// *relay.Server satisfies this.
type Publisher interface {
	Publish(eventType string, scopes []string, payload any) error
}

// Config assembles an Orchestrator. Store, Graph, and Supervisor are
// required; everything else has a usable default.
type Config struct {
	Store      state.Store
	Graph      *graph.Manager
	Supervisor *supervisor.Supervisor

	// Publisher receives every orchestrator event. Nil disables publishing.
	Publisher Publisher

	// Policy holds dispatch tunables. Nil uses policy.Default().
	Policy *policy.Config

	// RepositoryPath scopes dispatch to one working tree. Empty dispatches
	// objectives from every repository.
	RepositoryPath string

	// WorkerArgv builds the command line for an objective's worker
	// process. Nil uses DefaultWorkerArgv.
	WorkerArgv func(objectiveID string) []string

	// WorkerEnv is extra environment passed to every worker.
	WorkerEnv map[string]string

	// HeartbeatDir overrides where worker heartbeat files are watched.
	HeartbeatDir string

	// ResultsDir overrides where worker result files are collected.
	ResultsDir string

	Logger *DebugLogger
}

// Orchestrator turns ready objectives into worker processes and worker
// exits into graph transitions. One instance runs per serve process.
type Orchestrator struct {
	store      state.Store
	graph      *graph.Manager
	sup        *supervisor.Supervisor
	publisher  Publisher
	pol        *policy.Config
	repoPath   string
	workerArgv func(objectiveID string) []string
	workerEnv  map[string]string
	resultsDir string
	logger     *DebugLogger

	emitter *EventEmitter
	watcher *supervisor.HeartbeatWatcher

	mu       sync.Mutex
	inflight map[string]string // agentID -> objectiveID
	attempts map[string]int    // objectiveID -> spawn count

	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup
	pumpDone chan struct{}
}

// New creates an Orchestrator. It does not touch the store or spawn
// anything until Start.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: Store is required")
	}
	if cfg.Graph == nil {
		return nil, errors.New("orchestrator: Graph is required")
	}
	if cfg.Supervisor == nil {
		return nil, errors.New("orchestrator: Supervisor is required")
	}

	pol := cfg.Policy
	if pol == nil {
		pol = policy.Default()
	}
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: invalid policy: %w", err)
	}

	workerArgv := cfg.WorkerArgv
	if workerArgv == nil {
		workerArgv = DefaultWorkerArgv
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger()
	}

	heartbeatDir := cfg.HeartbeatDir
	if heartbeatDir == "" {
		heartbeatDir = supervisor.HeartbeatDir()
	}

	resultsDir := cfg.ResultsDir
	if resultsDir == "" {
		resultsDir = worker.ResultsDir()
	}

	o := &Orchestrator{
		store:      cfg.Store,
		graph:      cfg.Graph,
		sup:        cfg.Supervisor,
		publisher:  cfg.Publisher,
		pol:        pol,
		repoPath:   cfg.RepositoryPath,
		workerArgv: workerArgv,
		workerEnv:  cfg.WorkerEnv,
		resultsDir: resultsDir,
		logger:     logger,
		emitter:    NewEventEmitter(64),
		inflight:   make(map[string]string),
		attempts:   make(map[string]int),
		kick:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		pumpDone:   make(chan struct{}),
	}
	o.watcher = supervisor.NewHeartbeatWatcher(heartbeatDir, o.onHeartbeat)
	return o, nil
}

// DefaultWorkerArgv builds the standard worker command line: the current
// executable re-invoked in worker mode.
func DefaultWorkerArgv(objectiveID string) []string {
	exe, err := os.Executable()
	if err != nil {
		exe = "zmcp"
	}
	return []string{exe, "worker", "--objective", objectiveID}
}

// Start reconciles state left by previous runs, wires callbacks, and
// launches the dispatch, cleanup, and publisher loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	// Close the gap between the last unclean exit and current reality
	// before accepting any new work.
	handler := crash.NewHandler(o.store)
	report, err := handler.Reconcile(func(pid int) (bool, error) {
		live, perr := o.sup.Probe(pid)
		return live == supervisor.Alive, perr
	})
	if err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	if len(report.OrphanedSessions) > 0 || len(report.ResetObjectives) > 0 {
		o.logger.Log("[orchestrator] reconciled %d orphaned sessions, reset %d objectives",
			len(report.OrphanedSessions), len(report.ResetObjectives))
	}

	if err := o.graph.Load(); err != nil {
		return fmt.Errorf("load objective graph: %w", err)
	}

	// Workers that outlived the previous orchestrator may have finished
	// and left results behind. Honor them before dispatching anew.
	o.applyLeftoverResults()

	o.graph.OnReady(func(ids []string) {
		o.emit(EventObjectiveReady, ObjectiveReadyEvent{ObjectiveIDs: ids}, repoTopic(o.repoPath))
		o.poke()
	})
	o.sup.OnReaped(func(agentID string, lastStatus models.SessionStatus) {
		o.watcher.Forget(agentID)
		o.emit(EventProcessReaped, ProcessReapedEvent{AgentID: agentID, LastStatus: string(lastStatus)},
			agentTopic(agentID))
	})

	if err := o.watcher.Start(); err != nil {
		return fmt.Errorf("start heartbeat watcher: %w", err)
	}
	o.sup.Start()

	go o.pump()

	o.wg.Add(1)
	go o.runLoop(ctx)

	if o.pol.Cleanup.Enabled {
		o.wg.Add(1)
		go o.cleanupLoop(ctx)
	}

	o.started.Store(true)
	o.logger.Log("[orchestrator] started (max workers: %d, poll: %s)",
		o.pol.Workers.Max, o.pol.Loop.PollInterval)
	return nil
}

// Stop halts every loop the orchestrator runs. Tracked workers receive
// SIGTERM and are left to exit on their own; the next Start reconciles
// whatever they leave behind.
func (o *Orchestrator) Stop() {
	if !o.started.Load() {
		return
	}
	o.stopOnce.Do(func() {
		close(o.stopCh)

		for _, agentID := range o.sup.AgentIDs() {
			if err := o.sup.Signal(agentID, syscall.SIGTERM); err != nil {
				o.logger.Log("[orchestrator] signal %s: %v", agentID, err)
			}
		}

		o.watcher.Stop()
		o.sup.Stop()
		o.wg.Wait()

		o.emitter.Close()
		<-o.pumpDone
		o.logger.Log("[orchestrator] stopped (events dropped: %d)", o.emitter.DroppedCount())
	})
}

// InflightCount returns how many workers are currently executing.
func (o *Orchestrator) InflightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// runLoop dispatches ready objectives until stopped. Completions poke the
// kick channel so a freed slot is refilled without waiting out the poll
// interval.
func (o *Orchestrator) runLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.pol.Loop.PollInterval)
	defer ticker.Stop()
	for {
		o.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-o.kick:
		case <-ticker.C:
		}
	}
}

// dispatch spawns workers for ready objectives up to the configured cap.
func (o *Orchestrator) dispatch(ctx context.Context) {
	o.mu.Lock()
	capacity := o.pol.Workers.Max - len(o.inflight)
	o.mu.Unlock()
	if capacity <= 0 {
		return
	}

	ready := o.graph.FindAvailable(o.repoPath)
	if len(ready) == 0 {
		return
	}
	if len(ready) > capacity {
		ready = ready[:capacity]
	}

	for i := range ready {
		// Stagger parallel spawns (skip first)
		if i > 0 && o.pol.Loop.SpawnStagger > 0 {
			select {
			case <-ctx.Done():
				return
			case <-o.stopCh:
				return
			case <-time.After(o.pol.Loop.SpawnStagger):
			}
		}
		o.spawnWorker(&ready[i])
	}
}

// spawnWorker claims one objective and starts a worker process for it.
// The claim happens first so two dispatch passes can never hand the same
// objective to two workers; a failed spawn releases the claim.
func (o *Orchestrator) spawnWorker(obj *models.Objective) {
	agentID := uuid.New().String()
	if err := o.graph.Claim(obj.ID, agentID); err != nil {
		o.logger.Log("[orchestrator] claim %s: %v", obj.ID, err)
		return
	}
	o.emit(EventObjectiveClaimed, ObjectiveClaimedEvent{
		ObjectiveID: obj.ID,
		AgentID:     agentID,
		Title:       obj.Title,
	}, repoTopic(obj.RepositoryPath), agentTopic(agentID))

	o.mu.Lock()
	o.attempts[obj.ID]++
	attempt := o.attempts[obj.ID]
	o.mu.Unlock()

	display := displayName(obj.Type, agentID)
	h, err := o.sup.Spawn(supervisor.SpawnSpec{
		AgentID:        agentID,
		AgentType:      obj.Type,
		RepositoryPath: obj.RepositoryPath,
		Goal:           obj.Title,
		Command:        o.workerArgv(obj.ID),
		Env:            o.workerEnv,
		Metadata: map[string]string{
			"displayName": display,
			"objectiveId": obj.ID,
		},
	})
	if err != nil {
		o.logger.Log("[orchestrator] spawn worker for %s: %v", obj.ID, err)
		o.emit(EventSpawnFailed, SpawnFailedEvent{ObjectiveID: obj.ID, Error: err.Error()},
			repoTopic(obj.RepositoryPath))
		if attempt >= o.pol.Workers.MaxAttempts {
			o.failObjective(obj.ID, agentID, fmt.Sprintf("spawn failed after %d attempts: %v", attempt, err), nil)
			return
		}
		if rerr := o.graph.SetStatus(obj.ID, models.ObjectiveStatusPending, nil); rerr != nil {
			o.logger.Log("[orchestrator] release %s after spawn failure: %v", obj.ID, rerr)
		}
		return
	}

	o.mu.Lock()
	o.inflight[agentID] = obj.ID
	o.mu.Unlock()

	o.emit(EventAgentSpawned, AgentSpawnedEvent{
		AgentID:     agentID,
		ObjectiveID: obj.ID,
		PID:         h.PID,
		DisplayName: display,
		Attempt:     attempt,
	}, repoTopic(obj.RepositoryPath), agentTopic(agentID))

	o.wg.Add(1)
	go o.watchWorker(h, obj.ID)
}

// watchWorker waits for one worker process to exit and resolves its
// objective from the result file, falling back to the exit code.
func (o *Orchestrator) watchWorker(h *supervisor.Handle, objectiveID string) {
	defer o.wg.Done()

	select {
	case <-h.Done():
	case <-o.stopCh:
		return
	}

	o.mu.Lock()
	delete(o.inflight, h.AgentID)
	o.mu.Unlock()

	res, err := worker.ReadResult(o.resultsDir, h.AgentID)
	if err == nil {
		o.applyResult(res)
		worker.RemoveResult(o.resultsDir, h.AgentID)
		o.poke()
		return
	}
	if !errors.Is(err, os.ErrNotExist) {
		o.logger.Log("[orchestrator] result for %s unreadable: %v", h.AgentID, err)
	}

	// No result file. A clean exit means the worker had nothing to
	// report; anything else is an interrupted run.
	if exitErr := h.ExitErr(); exitErr == nil {
		o.completeObjective(objectiveID, h.AgentID, nil, "")
	} else {
		o.requeueOrFail(objectiveID, h.AgentID, exitErr)
	}
	o.poke()
}

// applyResult resolves an objective from a worker's own report.
func (o *Orchestrator) applyResult(res *worker.Result) {
	if res.Status == worker.ResultCompleted {
		o.completeObjective(res.ObjectiveID, res.AgentID, res.Results, res.Summary)
		return
	}
	o.failObjective(res.ObjectiveID, res.AgentID, res.Error, res.Results)
}

func (o *Orchestrator) completeObjective(objectiveID, agentID string, results map[string]string, summary string) {
	if err := o.graph.SetStatus(objectiveID, models.ObjectiveStatusCompleted, results); err != nil {
		o.logger.Log("[orchestrator] complete %s: %v", objectiveID, err)
		return
	}
	o.clearAttempts(objectiveID)
	o.emit(EventObjectiveCompleted, ObjectiveCompletedEvent{
		ObjectiveID: objectiveID,
		AgentID:     agentID,
		Summary:     summary,
	}, o.objectiveRepoTopic(objectiveID), agentTopic(agentID))
}

func (o *Orchestrator) failObjective(objectiveID, agentID, errMsg string, results map[string]string) {
	merged := make(map[string]string, len(results)+1)
	for k, v := range results {
		merged[k] = v
	}
	if errMsg != "" {
		merged["error"] = errMsg
	}
	if err := o.graph.SetStatus(objectiveID, models.ObjectiveStatusFailed, merged); err != nil {
		o.logger.Log("[orchestrator] fail %s: %v", objectiveID, err)
		return
	}
	o.clearAttempts(objectiveID)
	o.emit(EventObjectiveFailed, ObjectiveFailedEvent{
		ObjectiveID: objectiveID,
		AgentID:     agentID,
		Error:       errMsg,
	}, o.objectiveRepoTopic(objectiveID), agentTopic(agentID))
}

// requeueOrFail returns an interrupted objective to pending for another
// attempt, failing it once the attempt budget is spent.
func (o *Orchestrator) requeueOrFail(objectiveID, agentID string, exitErr error) {
	o.mu.Lock()
	attempt := o.attempts[objectiveID]
	o.mu.Unlock()

	if attempt >= o.pol.Workers.MaxAttempts {
		o.failObjective(objectiveID, agentID,
			fmt.Sprintf("worker exited without a result after %d attempts: %v", attempt, exitErr), nil)
		return
	}

	o.logger.Log("[orchestrator] worker %s for %s exited without a result (attempt %d): %v",
		agentID, objectiveID, attempt, exitErr)
	if err := o.graph.SetStatus(objectiveID, models.ObjectiveStatusPending, nil); err != nil {
		o.logger.Log("[orchestrator] requeue %s: %v", objectiveID, err)
		return
	}
	o.emit(EventObjectiveRequeued, ObjectiveRequeuedEvent{
		ObjectiveID: objectiveID,
		AgentID:     agentID,
		Attempt:     attempt,
		Error:       exitErr.Error(),
	}, o.objectiveRepoTopic(objectiveID), agentTopic(agentID))
}

// applyLeftoverResults collects result files written by workers that
// outlived the previous orchestrator. Reconciliation may already have
// reset their objectives to pending; a finished result still wins.
func (o *Orchestrator) applyLeftoverResults() {
	ids, err := worker.ListResults(o.resultsDir)
	if err != nil {
		o.logger.Log("[orchestrator] scan leftover results: %v", err)
		return
	}
	for _, agentID := range ids {
		res, err := worker.ReadResult(o.resultsDir, agentID)
		if err != nil {
			o.logger.Log("[orchestrator] leftover result %s: %v", agentID, err)
			worker.RemoveResult(o.resultsDir, agentID)
			continue
		}

		obj, err := o.graph.Get(res.ObjectiveID)
		if err != nil {
			worker.RemoveResult(o.resultsDir, agentID)
			continue
		}

		switch obj.Status {
		case models.ObjectiveStatusInProgress:
			o.applyResult(res)
		case models.ObjectiveStatusPending:
			if err := o.graph.Claim(res.ObjectiveID, res.AgentID); err == nil {
				o.applyResult(res)
			}
		}
		worker.RemoveResult(o.resultsDir, agentID)
	}
}

// cleanupLoop purges terminal sessions past the retention window.
func (o *Orchestrator) cleanupLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.pol.Cleanup.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			n, err := o.store.PurgeOldSessions(o.pol.Cleanup.Retention)
			if err != nil {
				o.logger.Log("[orchestrator] purge old sessions: %v", err)
				continue
			}
			if n > 0 {
				o.logger.Log("[orchestrator] purged %d stale sessions", n)
			}
		}
	}
}

// pump forwards queued events to the relay until the emitter closes.
func (o *Orchestrator) pump() {
	defer close(o.pumpDone)
	for ev := range o.emitter.Events() {
		if o.publisher == nil {
			continue
		}
		if err := o.publisher.Publish(ev.Type, ev.Topics, ev.Payload); err != nil {
			o.logger.Log("[orchestrator] publish %s: %v", ev.Type, err)
		}
	}
}

// emit queues an event for publication. Empty scopes are dropped so call
// sites can pass repoTopic/agentTopic results unconditionally.
func (o *Orchestrator) emit(eventType string, payload any, scopes ...string) {
	o.logger.Log("[orchestrator] event %s: %+v", eventType, payload)
	var topics []string
	for _, s := range scopes {
		if s != "" {
			topics = append(topics, s)
		}
	}
	o.emitter.Emit(Event{Type: eventType, Topics: topics, Payload: payload})
}

// repoTopic is the subscription scope for one repository's events.
func repoTopic(repositoryPath string) string {
	if repositoryPath == "" {
		return ""
	}
	return relay.RepositoryTopic(repositoryPath)
}

// agentTopic is the subscription scope for one agent's events.
func agentTopic(agentID string) string {
	if agentID == "" {
		return ""
	}
	return relay.AgentTopic(agentID)
}

// objectiveRepoTopic resolves an objective's repository scope, empty when
// the objective is unknown.
func (o *Orchestrator) objectiveRepoTopic(objectiveID string) string {
	obj, err := o.graph.Get(objectiveID)
	if err != nil {
		return ""
	}
	return repoTopic(obj.RepositoryPath)
}

// poke nudges the run loop to dispatch without waiting for the ticker.
func (o *Orchestrator) poke() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) onHeartbeat(agentID string, at time.Time) {
	if err := o.sup.Touch(agentID, at); err != nil {
		var nf *state.NotFoundError
		if !errors.As(err, &nf) {
			o.logger.Log("[orchestrator] heartbeat for %s: %v", agentID, err)
		}
	}
}

func (o *Orchestrator) clearAttempts(objectiveID string) {
	o.mu.Lock()
	delete(o.attempts, objectiveID)
	o.mu.Unlock()
}

// displayName derives the short human-facing worker name, e.g.
// "testing-1a2b3c4d".
func displayName(agentType, agentID string) string {
	short := agentID
	if len(short) > 8 {
		short = short[:8]
	}
	return agentType + "-" + short
}
