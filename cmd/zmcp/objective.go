package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/graph"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

var (
	objCreateRepository  string
	objCreateType        string
	objCreateDescription string
	objCreatePriority    int
	objCreateDependsOn   []string
	objCreateRequire     map[string]string

	objListRepository       string
	objListAllRepos         bool
	objListStatus           string
	objListIncludeCompleted bool

	objAddDepType string
)

var objectiveCmd = &cobra.Command{
	Use:     "objective",
	Aliases: []string{"obj"},
	Short:   "Create and inspect objectives",
	Long: `Manage the objective graph the orchestrator dispatches from.

Objectives are scoped to a repository path and gate on their completion
dependencies: an objective becomes ready only when everything it depends
on has completed.`,
}

var objectiveCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a single objective",
	Args:  cobra.ExactArgs(1),
	RunE:  runObjectiveCreate,
}

var objectiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List objectives",
	RunE:  runObjectiveList,
}

var objectiveAddDepCmd = &cobra.Command{
	Use:   "add-dep <objective-id> <depends-on-id>",
	Short: "Add a dependency edge between two objectives",
	Long: `Record that the first objective depends on the second. Completion
dependencies gate dispatch; an edge that would close a cycle is rejected
and the graph is left unchanged.`,
	Args: cobra.ExactArgs(2),
	RunE: runObjectiveAddDep,
}

var objectiveBatchCmd = &cobra.Command{
	Use:   "batch <file.yaml>",
	Short: "Create a batch of objectives from a YAML file",
	Long: `Create several objectives and their dependency edges in one atomic
operation. Entries reference each other by list index, or by id for
objectives that already exist; sequential batches chain every entry onto
its predecessor.

Example file:

  repository: /work/payments
  sequential: false
  objectives:
    - type: feature
      title: add webhook endpoint
    - type: testing
      title: cover the webhook with integration tests
      depends_on_indices: [0]`,
	Args: cobra.ExactArgs(1),
	RunE: runObjectiveBatch,
}

func init() {
	objectiveCreateCmd.Flags().StringVar(&objCreateRepository, "repository", "", "Repository the objective belongs to (default: current directory)")
	objectiveCreateCmd.Flags().StringVar(&objCreateType, "type", "task", "Objective type (e.g. feature, testing, docs)")
	objectiveCreateCmd.Flags().StringVar(&objCreateDescription, "description", "", "Full statement of the work")
	objectiveCreateCmd.Flags().IntVar(&objCreatePriority, "priority", 0, "Priority; higher dispatches first among ready objectives")
	objectiveCreateCmd.Flags().StringSliceVar(&objCreateDependsOn, "depends-on", nil, "Objective IDs this one depends on (repeatable)")
	objectiveCreateCmd.Flags().StringToStringVar(&objCreateRequire, "requirement", nil, "Structured requirement as key=value (repeatable)")

	objectiveListCmd.Flags().StringVar(&objListRepository, "repository", "", "Filter to one repository (default: current directory)")
	objectiveListCmd.Flags().BoolVar(&objListAllRepos, "all-repositories", false, "List objectives from every repository")
	objectiveListCmd.Flags().StringVar(&objListStatus, "status", "", "Filter by status (pending, in_progress, completed, failed, cancelled, blocked, on_hold)")
	objectiveListCmd.Flags().BoolVar(&objListIncludeCompleted, "include-completed", false, "Include completed objectives")

	objectiveAddDepCmd.Flags().StringVar(&objAddDepType, "type", string(models.DependencyCompletion), "Edge type (completion, parallel, resource, data)")

	objectiveCmd.AddCommand(objectiveCreateCmd)
	objectiveCmd.AddCommand(objectiveListCmd)
	objectiveCmd.AddCommand(objectiveAddDepCmd)
	objectiveCmd.AddCommand(objectiveBatchCmd)
}

// openGraph opens the runtime database and loads the objective graph.
// The caller must close the returned DB.
func openGraph() (*state.DB, *graph.Manager, error) {
	db, err := state.OpenDefault()
	if err != nil {
		return nil, nil, fmt.Errorf("open runtime database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	gm := graph.NewManager(db)
	if err := gm.Load(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load objective graph: %w", err)
	}
	return db, gm, nil
}

// resolveRepository turns a --repository flag value into an absolute path,
// defaulting to the current directory.
func resolveRepository(flagValue string) (string, error) {
	path := flagValue
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		path = cwd
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve repository path: %w", err)
	}
	return abs, nil
}

func runObjectiveCreate(cmd *cobra.Command, args []string) error {
	repoPath, err := resolveRepository(objCreateRepository)
	if err != nil {
		return err
	}

	db, gm, err := openGraph()
	if err != nil {
		return err
	}
	defer db.Close()

	obj := &models.Objective{
		RepositoryPath: repoPath,
		Type:           objCreateType,
		Title:          args[0],
		Description:    objCreateDescription,
		Priority:       objCreatePriority,
		Requirements:   objCreateRequire,
	}
	if err := gm.CreateObjective(obj); err != nil {
		return err
	}

	for _, depID := range objCreateDependsOn {
		if err := gm.AddDependency(obj.ID, depID, models.DependencyCompletion); err != nil {
			return fmt.Errorf("created %s, but adding dependency on %s failed: %w", obj.ID, depID, err)
		}
	}

	fmt.Printf("%s created objective %s\n", color.GreenString("✓"), obj.ID)
	fmt.Printf("  %s [%s] %s\n", statusLabel(obj.Status), obj.Type, obj.Title)
	if len(objCreateDependsOn) > 0 {
		fmt.Printf("  depends on %d objective(s)\n", len(objCreateDependsOn))
	}
	return nil
}

func runObjectiveList(cmd *cobra.Command, args []string) error {
	opts := state.ListObjectivesOptions{IncludeCompleted: objListIncludeCompleted}

	if !objListAllRepos {
		repoPath, err := resolveRepository(objListRepository)
		if err != nil {
			return err
		}
		opts.RepositoryPath = repoPath
	}
	if objListStatus != "" {
		status := models.ObjectiveStatus(objListStatus)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", objListStatus)
		}
		opts.Status = &status
		opts.IncludeCompleted = true
	}

	db, gm, err := openGraph()
	if err != nil {
		return err
	}
	defer db.Close()

	objectives, err := gm.List(opts)
	if err != nil {
		return fmt.Errorf("list objectives: %w", err)
	}

	if len(objectives) == 0 {
		fmt.Println("No objectives. Create one with 'zmcp objective create <title>'.")
		return nil
	}

	for i := range objectives {
		o := &objectives[i]
		fmt.Printf("%s  %s  [%s] %s\n", o.ID, statusLabel(o.Status), o.Type, o.Title)
		if o.AssignedAgentID != "" {
			fmt.Printf("%41s agent %s\n", "", o.AssignedAgentID)
		}
		if o.BlockedReason != "" {
			fmt.Printf("%41s blocked: %s\n", "", o.BlockedReason)
		}
	}
	fmt.Printf("\n%d objective(s)\n", len(objectives))
	return nil
}

func runObjectiveAddDep(cmd *cobra.Command, args []string) error {
	typ := models.DependencyType(objAddDepType)
	if !typ.Valid() {
		return fmt.Errorf("unknown dependency type %q", objAddDepType)
	}

	db, gm, err := openGraph()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := gm.AddDependency(args[0], args[1], typ); err != nil {
		return err
	}

	fmt.Printf("%s %s now depends on %s (%s)\n", color.GreenString("✓"), args[0], args[1], typ)
	return nil
}

func runObjectiveBatch(cmd *cobra.Command, args []string) error {
	batch, err := graph.LoadBatchFile(args[0])
	if err != nil {
		return err
	}
	if batch.RepositoryPath == "" {
		repoPath, rerr := resolveRepository("")
		if rerr != nil {
			return rerr
		}
		batch.RepositoryPath = repoPath
	}

	db, gm, err := openGraph()
	if err != nil {
		return err
	}
	defer db.Close()

	ids, err := gm.CreateBatch(batch)
	if err != nil {
		return err
	}

	fmt.Printf("%s created %d objectives in %s\n", color.GreenString("✓"), len(ids), batch.RepositoryPath)
	for i, id := range ids {
		fmt.Printf("  %d. %s  %s\n", i+1, id, batch.Objectives[i].Title)
	}
	return nil
}

// statusLabel renders an objective status as a fixed-width colored tag.
func statusLabel(status models.ObjectiveStatus) string {
	c := statusColor(status)
	return c.Sprintf("%-11s", status)
}

func statusColor(status models.ObjectiveStatus) *color.Color {
	switch status {
	case models.ObjectiveStatusCompleted:
		return color.New(color.FgGreen)
	case models.ObjectiveStatusInProgress:
		return color.New(color.FgCyan)
	case models.ObjectiveStatusFailed:
		return color.New(color.FgRed)
	case models.ObjectiveStatusBlocked, models.ObjectiveStatusOnHold:
		return color.New(color.FgMagenta)
	case models.ObjectiveStatusCancelled:
		return color.New(color.Faint)
	default:
		return color.New(color.FgYellow)
	}
}
