// Package graph manages the objective dependency graph: cycle-safe edge
// mutation, readiness computation, and status propagation. Objectives and
// edges are persisted through the state store and indexed in memory; every
// mutation writes through to the store before the in-memory view changes.
package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

// Manager owns the objective graph for the runtime.
type Manager struct {
	mu    sync.RWMutex
	store state.Store
	// objectives maps objective ID to its current in-memory copy.
	objectives map[string]*models.Objective
	// edges maps objective ID to the edges pointing at its prerequisites.
	edges map[string][]models.ObjectiveDependency
	// onReady receives ids that became ready after a completion. Invoked
	// outside the manager lock; may be nil.
	onReady func(ids []string)
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// NewManager creates an empty graph manager backed by the given store.
func NewManager(store state.Store) *Manager {
	return &Manager{
		store:      store,
		objectives: make(map[string]*models.Objective),
		edges:      make(map[string][]models.ObjectiveDependency),
		debugLog:   func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (m *Manager) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		m.debugLog = fn
	}
}

// OnReady registers the callback invoked with newly-ready objective ids
// after a completion. The callback runs outside the manager lock and must
// not be assumed to fire on any particular goroutine.
func (m *Manager) OnReady(fn func(ids []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReady = fn
}

// Load hydrates the in-memory index from the store.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	objectives, err := m.store.ListAllObjectives()
	if err != nil {
		return fmt.Errorf("load objectives: %w", err)
	}
	deps, err := m.store.ListAllDependencies()
	if err != nil {
		return fmt.Errorf("load dependencies: %w", err)
	}

	m.objectives = make(map[string]*models.Objective, len(objectives))
	m.edges = make(map[string][]models.ObjectiveDependency)
	for i := range objectives {
		o := objectives[i]
		m.objectives[o.ID] = &o
	}
	for _, d := range deps {
		m.edges[d.ObjectiveID] = append(m.edges[d.ObjectiveID], d)
	}

	m.debugLog("[graph.Load] loaded %d objectives, %d edges", len(m.objectives), len(deps))
	return nil
}

// CreateObjective validates and persists a new objective, then indexes it.
// The initial status is always pending regardless of what the caller set.
// A missing ID is filled with a fresh UUID.
func (m *Manager) CreateObjective(o *models.Objective) error {
	if o.RepositoryPath == "" {
		return fmt.Errorf("create objective: repository path is required")
	}
	if o.Title == "" {
		return fmt.Errorf("create objective: title is required")
	}
	if o.Type == "" {
		return fmt.Errorf("create objective: type is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if _, exists := m.objectives[o.ID]; exists {
		return fmt.Errorf("create objective: id %s already exists", o.ID)
	}
	if o.ParentObjectiveID != "" {
		if _, ok := m.objectives[o.ParentObjectiveID]; !ok {
			return &state.NotFoundError{Kind: "objective", ID: o.ParentObjectiveID}
		}
	}

	now := time.Now()
	o.Status = models.ObjectiveStatusPending
	o.AssignedAgentID = ""
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	if err := m.store.CreateObjective(o); err != nil {
		return err
	}

	indexed := *o
	m.objectives[o.ID] = &indexed
	m.debugLog("[graph.CreateObjective] created %s (%s) in %s", o.ID, o.Title, o.RepositoryPath)
	return nil
}

// AddDependency records that objectiveID depends on dependsOnID. The edge
// is rejected with CircularDependencyError if it would close a cycle, and
// in that case the edge set is left unchanged.
func (m *Manager) AddDependency(objectiveID, dependsOnID string, typ models.DependencyType) error {
	if !typ.Valid() {
		return fmt.Errorf("add dependency: invalid type %q", typ)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objectives[objectiveID]; !ok {
		return &state.NotFoundError{Kind: "objective", ID: objectiveID}
	}
	if _, ok := m.objectives[dependsOnID]; !ok {
		return &state.NotFoundError{Kind: "objective", ID: dependsOnID}
	}
	for _, e := range m.edges[objectiveID] {
		if e.DependsOnID == dependsOnID {
			return fmt.Errorf("add dependency: %s already depends on %s", objectiveID, dependsOnID)
		}
	}

	if m.reachableLocked(dependsOnID, objectiveID) {
		m.debugLog("[graph.AddDependency] rejected %s -> %s: cycle", objectiveID, dependsOnID)
		return &CircularDependencyError{ObjectiveID: objectiveID, DependsOnID: dependsOnID}
	}

	dep := models.ObjectiveDependency{
		ObjectiveID: objectiveID,
		DependsOnID: dependsOnID,
		Type:        typ,
		CreatedAt:   time.Now(),
	}
	if err := m.store.AddDependency(&dep); err != nil {
		return err
	}

	m.edges[objectiveID] = append(m.edges[objectiveID], dep)
	m.debugLog("[graph.AddDependency] added %s -> %s (%s)", objectiveID, dependsOnID, typ)
	return nil
}

// reachableLocked walks prerequisite edges from start and reports whether
// target can be reached. Iterative depth-first search with an explicit
// stack; safe on graphs too deep for recursion. A start equal to target
// covers the self-edge case.
func (m *Manager) reachableLocked(start, target string) bool {
	stack := []string{start}
	visited := make(map[string]bool)

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true

		for _, e := range m.edges[cur] {
			if !visited[e.DependsOnID] {
				stack = append(stack, e.DependsOnID)
			}
		}
	}
	return false
}

// IsReady reports whether the objective is pending, unassigned, and has
// every completion-type prerequisite completed. Other edge types never
// gate readiness.
func (m *Manager) IsReady(objectiveID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.objectives[objectiveID]
	if !ok {
		return false, &state.NotFoundError{Kind: "objective", ID: objectiveID}
	}
	return m.isReadyLocked(o), nil
}

func (m *Manager) isReadyLocked(o *models.Objective) bool {
	if o.Status != models.ObjectiveStatusPending || o.AssignedAgentID != "" {
		return false
	}
	for _, e := range m.edges[o.ID] {
		if !e.Type.Gating() {
			continue
		}
		dep, ok := m.objectives[e.DependsOnID]
		if !ok || dep.Status != models.ObjectiveStatusCompleted {
			return false
		}
	}
	return true
}

// FindAvailable returns copies of the ready objectives for a repository,
// ordered by priority descending then creation time ascending. An empty
// repository path matches every repository.
func (m *Manager) FindAvailable(repositoryPath string) []models.Objective {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ready []models.Objective
	for _, o := range m.objectives {
		if repositoryPath != "" && o.RepositoryPath != repositoryPath {
			continue
		}
		if m.isReadyLocked(o) {
			ready = append(ready, *o)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	m.debugLog("[graph.FindAvailable] %d ready in %q", len(ready), repositoryPath)
	return ready
}

// Claim atomically marks a pending, unassigned objective in_progress and
// assigns it to the agent. It fails if the objective is not ready.
func (m *Manager) Claim(objectiveID, agentID string) error {
	m.mu.Lock()

	o, ok := m.objectives[objectiveID]
	if !ok {
		m.mu.Unlock()
		return &state.NotFoundError{Kind: "objective", ID: objectiveID}
	}
	if !m.isReadyLocked(o) {
		m.mu.Unlock()
		return fmt.Errorf("claim objective %s: not ready (status=%s assigned=%q)",
			objectiveID, o.Status, o.AssignedAgentID)
	}

	updated := *o
	updated.Status = models.ObjectiveStatusInProgress
	updated.AssignedAgentID = agentID
	updated.UpdatedAt = time.Now()

	if err := m.store.UpdateObjective(&updated); err != nil {
		m.mu.Unlock()
		return err
	}
	*o = updated
	m.mu.Unlock()

	m.debugLog("[graph.Claim] %s claimed by %s", objectiveID, agentID)
	return nil
}

// SetStatus transitions an objective through the state machine. Completion
// merges results, recomputes readiness of direct dependents, and hands
// newly-ready ids to the OnReady callback. Terminal states accept no
// further transitions. Setting the current status again is a no-op.
func (m *Manager) SetStatus(objectiveID string, status models.ObjectiveStatus, results map[string]string) error {
	return m.setStatus(objectiveID, status, results, "")
}

func (m *Manager) setStatus(objectiveID string, status models.ObjectiveStatus, results map[string]string, blockedReason string) error {
	if !status.Valid() {
		return fmt.Errorf("set status: invalid status %q", status)
	}

	m.mu.Lock()

	o, ok := m.objectives[objectiveID]
	if !ok {
		m.mu.Unlock()
		return &state.NotFoundError{Kind: "objective", ID: objectiveID}
	}
	if o.Status == status {
		m.mu.Unlock()
		return nil
	}
	if err := checkTransition(o, status); err != nil {
		m.mu.Unlock()
		return err
	}

	updated := *o
	prev := o.Status
	switch status {
	case models.ObjectiveStatusBlocked, models.ObjectiveStatusOnHold:
		updated.PrevStatus = prev
		updated.BlockedReason = blockedReason
	case models.ObjectiveStatusPending:
		updated.AssignedAgentID = ""
	case models.ObjectiveStatusCompleted, models.ObjectiveStatusFailed:
		if len(results) > 0 {
			merged := make(map[string]string, len(updated.Results)+len(results))
			for k, v := range updated.Results {
				merged[k] = v
			}
			for k, v := range results {
				merged[k] = v
			}
			updated.Results = merged
		}
	}
	if prev == models.ObjectiveStatusBlocked || prev == models.ObjectiveStatusOnHold {
		updated.PrevStatus = ""
		updated.BlockedReason = ""
	}
	updated.Status = status
	updated.UpdatedAt = time.Now()

	if err := m.store.UpdateObjective(&updated); err != nil {
		m.mu.Unlock()
		return err
	}
	*o = updated

	// Completion can only widen readiness, and only for direct dependents
	// joined by a gating edge.
	var newlyReady []string
	if status == models.ObjectiveStatusCompleted {
		for _, e := range m.dependentEdgesLocked(objectiveID) {
			if !e.Type.Gating() {
				continue
			}
			if dep, ok := m.objectives[e.ObjectiveID]; ok && m.isReadyLocked(dep) {
				newlyReady = append(newlyReady, dep.ID)
			}
		}
		sort.Strings(newlyReady)
	}
	onReady := m.onReady
	m.mu.Unlock()

	m.debugLog("[graph.SetStatus] %s: %s -> %s (newly ready: %v)", objectiveID, prev, status, newlyReady)
	if len(newlyReady) > 0 && onReady != nil {
		onReady(newlyReady)
	}
	return nil
}

// checkTransition enforces the objective state machine.
func checkTransition(o *models.Objective, to models.ObjectiveStatus) error {
	from := o.Status
	reject := func() error {
		return fmt.Errorf("objective %s: invalid transition %s -> %s", o.ID, from, to)
	}
	if from.Terminal() {
		return reject()
	}

	switch from {
	case models.ObjectiveStatusPending:
		switch to {
		case models.ObjectiveStatusInProgress, models.ObjectiveStatusCancelled,
			models.ObjectiveStatusBlocked, models.ObjectiveStatusOnHold:
			return nil
		}
	case models.ObjectiveStatusInProgress:
		switch to {
		case models.ObjectiveStatusCompleted, models.ObjectiveStatusFailed,
			models.ObjectiveStatusPending, models.ObjectiveStatusBlocked,
			models.ObjectiveStatusOnHold:
			return nil
		}
	case models.ObjectiveStatusBlocked, models.ObjectiveStatusOnHold:
		// Resume to the remembered status, or cancel outright.
		if to == o.PrevStatus || to == models.ObjectiveStatusCancelled {
			return nil
		}
	}
	return reject()
}

// Block marks an objective blocked and records the reason.
func (m *Manager) Block(objectiveID, reason string) error {
	return m.setStatus(objectiveID, models.ObjectiveStatusBlocked, nil, reason)
}

// Hold pauses an objective; Unblock resumes it to its remembered status.
func (m *Manager) Hold(objectiveID string) error {
	return m.setStatus(objectiveID, models.ObjectiveStatusOnHold, nil, "")
}

// Unblock returns a blocked or held objective to its remembered status.
func (m *Manager) Unblock(objectiveID string) error {
	m.mu.RLock()
	o, ok := m.objectives[objectiveID]
	if !ok {
		m.mu.RUnlock()
		return &state.NotFoundError{Kind: "objective", ID: objectiveID}
	}
	if o.Status != models.ObjectiveStatusBlocked && o.Status != models.ObjectiveStatusOnHold {
		m.mu.RUnlock()
		return fmt.Errorf("unblock objective %s: status is %s", objectiveID, o.Status)
	}
	target := o.PrevStatus
	m.mu.RUnlock()

	if target == "" {
		target = models.ObjectiveStatusPending
	}
	return m.SetStatus(objectiveID, target, nil)
}

// Get returns a copy of the objective.
func (m *Manager) Get(objectiveID string) (*models.Objective, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.objectives[objectiveID]
	if !ok {
		return nil, &state.NotFoundError{Kind: "objective", ID: objectiveID}
	}
	cp := *o
	return &cp, nil
}

// Subobjectives returns copies of the direct children of an objective,
// ordered by priority descending then creation time ascending.
func (m *Manager) Subobjectives(objectiveID string) ([]models.Objective, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.objectives[objectiveID]; !ok {
		return nil, &state.NotFoundError{Kind: "objective", ID: objectiveID}
	}

	var children []models.Objective
	for _, o := range m.objectives {
		if o.ParentObjectiveID == objectiveID {
			children = append(children, *o)
		}
	}
	sortObjectives(children)
	return children, nil
}

// Dependencies returns the edges from an objective to its prerequisites.
func (m *Manager) Dependencies(objectiveID string) ([]models.ObjectiveDependency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.objectives[objectiveID]; !ok {
		return nil, &state.NotFoundError{Kind: "objective", ID: objectiveID}
	}
	return append([]models.ObjectiveDependency(nil), m.edges[objectiveID]...), nil
}

// Dependents returns the edges pointing at an objective.
func (m *Manager) Dependents(objectiveID string) ([]models.ObjectiveDependency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.objectives[objectiveID]; !ok {
		return nil, &state.NotFoundError{Kind: "objective", ID: objectiveID}
	}
	return m.dependentEdgesLocked(objectiveID), nil
}

func (m *Manager) dependentEdgesLocked(objectiveID string) []models.ObjectiveDependency {
	var dependents []models.ObjectiveDependency
	for _, edges := range m.edges {
		for _, e := range edges {
			if e.DependsOnID == objectiveID {
				dependents = append(dependents, e)
			}
		}
	}
	sort.Slice(dependents, func(i, j int) bool {
		return dependents[i].ObjectiveID < dependents[j].ObjectiveID
	})
	return dependents
}

// Hierarchy returns the objective and every transitive subobjective,
// parents before children.
func (m *Manager) Hierarchy(objectiveID string) ([]models.Objective, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root, ok := m.objectives[objectiveID]
	if !ok {
		return nil, &state.NotFoundError{Kind: "objective", ID: objectiveID}
	}

	// children index for breadth-first descent
	children := make(map[string][]*models.Objective)
	for _, o := range m.objectives {
		if o.ParentObjectiveID != "" {
			children[o.ParentObjectiveID] = append(children[o.ParentObjectiveID], o)
		}
	}
	for _, kids := range children {
		sort.Slice(kids, func(i, j int) bool {
			if kids[i].Priority != kids[j].Priority {
				return kids[i].Priority > kids[j].Priority
			}
			return kids[i].CreatedAt.Before(kids[j].CreatedAt)
		})
	}

	result := []models.Objective{*root}
	queue := []*models.Objective{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur.ID] {
			result = append(result, *child)
			queue = append(queue, child)
		}
	}
	return result, nil
}

// List returns copies of objectives matching the store filter options.
func (m *Manager) List(opts state.ListObjectivesOptions) ([]models.Objective, error) {
	return m.store.ListObjectives(opts)
}

// Size returns the number of objectives in the graph.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objectives)
}

func sortObjectives(objectives []models.Objective) {
	sort.SliceStable(objectives, func(i, j int) bool {
		if objectives[i].Priority != objectives[j].Priority {
			return objectives[i].Priority > objectives[j].Priority
		}
		return objectives[i].CreatedAt.Before(objectives[j].CreatedAt)
	})
}
