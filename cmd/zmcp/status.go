package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
	"github.com/ZachHandley/ZMCPTools-sub001/pkg/models"
)

var (
	statusRepository string
	statusAllRepos   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent sessions and objective progress",
	Long: `Display a snapshot of the runtime: live agent sessions with their
heartbeat ages, and objectives grouped by status.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRepository, "repository", "", "Scope to one repository (default: current directory)")
	statusCmd.Flags().BoolVar(&statusAllRepos, "all-repositories", false, "Show every repository")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(state.DefaultDBPath()); os.IsNotExist(err) {
		fmt.Println("No runtime state yet. Run 'zmcp serve' to start.")
		return nil
	}

	repoPath := ""
	if !statusAllRepos {
		var err error
		repoPath, err = resolveRepository(statusRepository)
		if err != nil {
			return err
		}
	}

	db, gm, err := openGraph()
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := db.ListSessions(nil, repoPath)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	displayAgentSessions(sessions)

	objectives, err := gm.List(state.ListObjectivesOptions{
		RepositoryPath:   repoPath,
		IncludeCompleted: true,
	})
	if err != nil {
		return fmt.Errorf("list objectives: %w", err)
	}
	displayObjectiveSummary(objectives)

	return nil
}

func displayAgentSessions(sessions []models.AgentSession) {
	var live, recent []models.AgentSession
	for _, s := range sessions {
		if s.Status.Terminal() {
			recent = append(recent, s)
		} else {
			live = append(live, s)
		}
	}

	if len(live) == 0 {
		fmt.Println("Agents: none running")
	} else {
		fmt.Printf("Agents: %d running\n", len(live))
		for _, s := range live {
			heartbeat := "never"
			if !s.LastHeartbeat.IsZero() {
				heartbeat = formatDuration(time.Since(s.LastHeartbeat)) + " ago"
			}
			fmt.Printf("  %s  %s  pid %d  heartbeat %s\n",
				sessionLabel(s.Status), s.DisplayName(), s.PID, heartbeat)
		}
	}

	if len(recent) > 5 {
		recent = recent[:5]
	}
	if len(recent) > 0 {
		fmt.Println("\nRecent agents:")
		for _, s := range recent {
			fmt.Printf("  %s  %s  (%s ago)\n",
				sessionLabel(s.Status), s.DisplayName(), formatDuration(time.Since(s.UpdatedAt)))
		}
	}
}

func displayObjectiveSummary(objectives []models.Objective) {
	if len(objectives) == 0 {
		fmt.Println("\nObjectives: none")
		return
	}

	counts := make(map[models.ObjectiveStatus]int)
	for i := range objectives {
		counts[objectives[i].Status]++
	}

	fmt.Printf("\nObjectives: %d total", len(objectives))
	order := []models.ObjectiveStatus{
		models.ObjectiveStatusInProgress,
		models.ObjectiveStatusPending,
		models.ObjectiveStatusBlocked,
		models.ObjectiveStatusOnHold,
		models.ObjectiveStatusCompleted,
		models.ObjectiveStatusFailed,
		models.ObjectiveStatusCancelled,
	}
	for _, status := range order {
		if n := counts[status]; n > 0 {
			fmt.Printf("  %s %d", statusColor(status).Sprint(status), n)
		}
	}
	fmt.Println()

	shown := 0
	for i := range objectives {
		o := &objectives[i]
		if o.Status.Terminal() {
			continue
		}
		if shown == 0 {
			fmt.Println()
		}
		fmt.Printf("  %s  [%s] %s\n", statusLabel(o.Status), o.Type, o.Title)
		shown++
		if shown >= 10 {
			remaining := 0
			for j := i + 1; j < len(objectives); j++ {
				if !objectives[j].Status.Terminal() {
					remaining++
				}
			}
			if remaining > 0 {
				fmt.Printf("  ... and %d more\n", remaining)
			}
			break
		}
	}
}

// sessionLabel renders a session status as a fixed-width colored tag.
func sessionLabel(status models.SessionStatus) string {
	var c *color.Color
	switch status {
	case models.SessionStatusActive:
		c = color.New(color.FgGreen)
	case models.SessionStatusInitializing, models.SessionStatusIdle:
		c = color.New(color.FgYellow)
	case models.SessionStatusCompleted:
		c = color.New(color.FgCyan)
	case models.SessionStatusFailed:
		c = color.New(color.FgRed)
	default:
		c = color.New(color.Faint)
	}
	return c.Sprintf("%-12s", status)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
