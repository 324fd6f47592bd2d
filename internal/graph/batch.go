package graph

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"go.yaml.in/yaml/v3"

	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

// Batch describes a set of objectives created in one atomic operation.
// Entries may reference each other by list index (for edges among the new
// objectives) or by id (for edges to objectives that already exist).
// Sequential batches additionally chain every entry onto its predecessor.
type Batch struct {
	RepositoryPath string       `yaml:"repository"`
	Sequential     bool         `yaml:"sequential,omitempty"`
	Objectives     []BatchEntry `yaml:"objectives"`
}

// BatchEntry is one objective inside a batch.
type BatchEntry struct {
	Type             string            `yaml:"type"`
	Title            string            `yaml:"title"`
	Description      string            `yaml:"description,omitempty"`
	Priority         int               `yaml:"priority,omitempty"`
	Requirements     map[string]string `yaml:"requirements,omitempty"`
	DependsOnIndices []int             `yaml:"depends_on_indices,omitempty"`
	DependsOnIDs     []string          `yaml:"depends_on_ids,omitempty"`
}

// LoadBatchFile reads a batch definition from a YAML file.
func LoadBatchFile(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}

	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	return &b, nil
}

// CreateBatch creates all objectives of a batch and their edges in two
// passes inside one store transaction: first every objective, then every
// dependency. Index references resolve through the position -> id map from
// the first pass. The whole batch is validated, including cycle checks
// against the existing graph, before anything is persisted; on any error
// nothing is created.
func (m *Manager) CreateBatch(b *Batch) ([]string, error) {
	if b.RepositoryPath == "" {
		return nil, fmt.Errorf("create batch: repository path is required")
	}
	if len(b.Objectives) == 0 {
		return nil, fmt.Errorf("create batch: no objectives")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	created := make([]*models.Objective, len(b.Objectives))
	ids := make([]string, len(b.Objectives))
	for i, entry := range b.Objectives {
		if entry.Title == "" {
			return nil, fmt.Errorf("create batch: objective %d: title is required", i)
		}
		typ := entry.Type
		if typ == "" {
			typ = "task"
		}
		o := &models.Objective{
			ID:             uuid.New().String(),
			RepositoryPath: b.RepositoryPath,
			Type:           typ,
			Title:          entry.Title,
			Description:    entry.Description,
			Status:         models.ObjectiveStatusPending,
			Priority:       entry.Priority,
			Requirements:   entry.Requirements,
			// stagger creation times so priority ties resolve in list order
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			UpdatedAt: now,
		}
		created[i] = o
		ids[i] = o.ID
	}

	// Resolve every edge up front.
	var edges []models.ObjectiveDependency
	addEdge := func(objectiveID, dependsOnID string) {
		edges = append(edges, models.ObjectiveDependency{
			ObjectiveID: objectiveID,
			DependsOnID: dependsOnID,
			Type:        models.DependencyCompletion,
			CreatedAt:   now,
		})
	}
	for i, entry := range b.Objectives {
		for _, idx := range entry.DependsOnIndices {
			if idx < 0 || idx >= len(b.Objectives) {
				return nil, fmt.Errorf("create batch: objective %d: index %d out of range", i, idx)
			}
			if idx == i {
				return nil, &CircularDependencyError{ObjectiveID: ids[i], DependsOnID: ids[i]}
			}
			addEdge(ids[i], ids[idx])
		}
		for _, depID := range entry.DependsOnIDs {
			if _, ok := m.objectives[depID]; !ok {
				return nil, fmt.Errorf("create batch: objective %d: unknown dependency id %s", i, depID)
			}
			addEdge(ids[i], depID)
		}
		if b.Sequential && i > 0 {
			addEdge(ids[i], ids[i-1])
		}
	}

	// Cycle check over the union of the existing graph and the new edges.
	union := make(map[string][]string, len(m.edges)+len(created))
	for id, es := range m.edges {
		for _, e := range es {
			union[id] = append(union[id], e.DependsOnID)
		}
	}
	for _, e := range edges {
		union[e.ObjectiveID] = append(union[e.ObjectiveID], e.DependsOnID)
	}
	for _, e := range edges {
		if reachable(union, e.DependsOnID, e.ObjectiveID) {
			return nil, &CircularDependencyError{ObjectiveID: e.ObjectiveID, DependsOnID: e.DependsOnID}
		}
	}

	err := m.store.Transaction(func(tx *sql.Tx) error {
		for _, o := range created {
			if err := m.store.CreateObjectiveTx(tx, o); err != nil {
				return err
			}
		}
		for i := range edges {
			if err := m.store.AddDependencyTx(tx, &edges[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	for _, o := range created {
		indexed := *o
		m.objectives[o.ID] = &indexed
	}
	for _, e := range edges {
		m.edges[e.ObjectiveID] = append(m.edges[e.ObjectiveID], e)
	}

	m.debugLog("[graph.CreateBatch] created %d objectives, %d edges in %s",
		len(created), len(edges), b.RepositoryPath)
	return ids, nil
}

// reachable walks prerequisite edges in a plain adjacency map.
func reachable(adj map[string][]string, start, target string) bool {
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
		for _, next := range adj[cur] {
			if !visited[next] {
				stack = append(stack, next)
			}
		}
	}
	return false
}
