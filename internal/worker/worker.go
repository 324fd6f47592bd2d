package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/supervisor"
	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

// defaultHeartbeatInterval is how often the worker touches its heartbeat file.
const defaultHeartbeatInterval = 30 * time.Second

// RunConfig configures a single worker run.
type RunConfig struct {
	// ObjectiveID is the objective this worker was spawned for.
	ObjectiveID string
	// Store is the runtime database. Opened at the default path when nil.
	Store *state.DB
	// Client is the API client. Built from ClientConfig when nil.
	Client *Client
	// ClientConfig is used to build a client when Client is nil.
	ClientConfig ClientConfig
	// HeartbeatDir overrides the heartbeat directory.
	HeartbeatDir string
	// HeartbeatInterval overrides the heartbeat cadence.
	HeartbeatInterval time.Duration
	// ResultsDir overrides where the result file is written.
	ResultsDir string
	// MaxIterations bounds the agent loop.
	MaxIterations int
	// MaxTokens bounds each API response.
	MaxTokens int64
	// Logf receives progress lines. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// Run executes one objective end to end: verify the assignment, keep the
// heartbeat fresh, drive the agent loop, and write the result file the
// orchestrator consumes. A cancelled context aborts the run without writing
// a result, which the orchestrator treats as an interrupted worker.
func Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	agentID := os.Getenv(supervisor.EnvAgentID)
	if agentID == "" {
		return nil, fmt.Errorf("%s is not set; workers are spawned by the orchestrator", supervisor.EnvAgentID)
	}
	if cfg.ObjectiveID == "" {
		return nil, fmt.Errorf("objective ID is required")
	}

	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	heartbeatDir := cfg.HeartbeatDir
	if heartbeatDir == "" {
		heartbeatDir = supervisor.HeartbeatDir()
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	resultsDir := cfg.ResultsDir
	if resultsDir == "" {
		resultsDir = ResultsDir()
	}

	store := cfg.Store
	if store == nil {
		db, err := state.OpenDefault()
		if err != nil {
			return nil, fmt.Errorf("open runtime database: %w", err)
		}
		defer db.Close()
		store = db
	}

	obj, err := store.GetObjective(cfg.ObjectiveID)
	if err != nil {
		return nil, fmt.Errorf("load objective: %w", err)
	}
	if obj.Status != models.ObjectiveStatusInProgress || obj.AssignedAgentID != agentID {
		return nil, fmt.Errorf("objective %s is not assigned to agent %s (status %s, assigned to %q)",
			obj.ID, agentID, obj.Status, obj.AssignedAgentID)
	}

	logf("worker %s starting objective %s: %s", agentID, obj.ID, obj.Title)

	if err := supervisor.TouchHeartbeat(heartbeatDir, agentID); err != nil {
		logf("heartbeat write failed: %v", err)
	}
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go heartbeatLoop(hbCtx, heartbeatDir, agentID, heartbeatInterval, logf)

	client := cfg.Client
	if client == nil {
		client, err = NewClient(cfg.ClientConfig)
		if err != nil {
			return nil, fmt.Errorf("create API client: %w", err)
		}
	}

	loop := NewLoop(LoopConfig{
		Client:        client,
		WorkDir:       obj.RepositoryPath,
		MaxIterations: cfg.MaxIterations,
		MaxTokens:     cfg.MaxTokens,
	})
	loop.SetEventHandler(func(event LoopEvent) {
		switch event.Type {
		case "tool_use":
			logf("tool: %s", describeAction(event.Tool, event.Input))
		case "error":
			logf("API error: %s", event.Content)
		}
	})

	res, loopErr := loop.Run(ctx, systemPrompt(obj), userPrompt(obj))
	if loopErr != nil && ctx.Err() != nil {
		// Interrupted. Leave no result behind so the objective is requeued.
		logf("worker %s interrupted: %v", agentID, ctx.Err())
		return nil, ctx.Err()
	}

	result := &Result{
		ObjectiveID: obj.ID,
		AgentID:     agentID,
		FinishedAt:  time.Now().UTC(),
		Results:     loopStats(res),
	}
	if loopErr != nil {
		result.Status = ResultFailed
		result.Error = loopErr.Error()
	} else {
		result.Status = ResultCompleted
		result.Summary = res.Output
	}

	if err := WriteResult(resultsDir, result); err != nil {
		return nil, fmt.Errorf("write result: %w", err)
	}

	in, out := client.Tracker().Total()
	logf("worker %s finished objective %s: %s (%d calls, %d in / %d out tokens, ~$%.4f)",
		agentID, obj.ID, result.Status, client.Tracker().Calls(), in, out, client.Tracker().Cost())

	return result, nil
}

func heartbeatLoop(ctx context.Context, dir, agentID string, interval time.Duration, logf func(string, ...any)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := supervisor.TouchHeartbeat(dir, agentID); err != nil {
				logf("heartbeat write failed: %v", err)
			}
		}
	}
}

// loopStats flattens loop counters into the objective results map.
func loopStats(res *LoopResult) map[string]string {
	return map[string]string{
		"tokens_in":  strconv.FormatInt(res.TokensIn, 10),
		"tokens_out": strconv.FormatInt(res.TokensOut, 10),
		"tool_calls": strconv.Itoa(res.ToolCalls),
		"iterations": strconv.Itoa(res.Iterations),
	}
}

func systemPrompt(obj *models.Objective) string {
	var b strings.Builder
	b.WriteString("You are an autonomous worker agent operating on a single objective in a repository.\n\n")
	fmt.Fprintf(&b, "Repository root: %s\n", obj.RepositoryPath)
	fmt.Fprintf(&b, "Objective type: %s\n\n", obj.Type)
	b.WriteString("Use the provided tools to inspect and modify the repository and to run commands. ")
	b.WriteString("All file paths are relative to the repository root. ")
	b.WriteString("Verify your work before finishing (run the relevant build or tests when they exist). ")
	b.WriteString("When the objective is done, stop calling tools and reply with a short summary of what you changed and how you verified it.")
	return b.String()
}

func userPrompt(obj *models.Objective) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", obj.Title)
	if obj.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", obj.Description)
	}
	if len(obj.Requirements) > 0 {
		b.WriteString("\nRequirements:\n")
		keys := make([]string, 0, len(obj.Requirements))
		for k := range obj.Requirements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, obj.Requirements[k])
		}
	}
	return b.String()
}
