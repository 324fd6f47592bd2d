package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/config"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/crash"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/graph"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/orchestrator"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/orchestrator/policy"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/relay"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/supervisor"
)

var (
	serveMaxWorkers int
	serveSocket     string
	serveAddr       string
	serveRepository string
	serveAllRepos   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and event relay until interrupted",
	Long: `Start the runtime: reconcile state left by previous runs, dispatch ready
objectives to worker processes, and relay lifecycle events to observers.

Dispatch is scoped to the current directory's objectives unless --repository
or --all-repositories says otherwise. Stop with Ctrl-C; in-flight workers
receive SIGTERM and their objectives are recovered on the next start.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&serveMaxWorkers, "max-workers", 0, "Maximum concurrent workers (overrides config)")
	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "Relay unix socket path (overrides config)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Relay TCP listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveRepository, "repository", "", "Dispatch objectives for this repository (default: current directory)")
	serveCmd.Flags().BoolVar(&serveAllRepos, "all-repositories", false, "Dispatch objectives from every repository")
}

// relayEndpoint resolves the configured relay listen endpoint, falling back
// to the runtime-dir socket.
func relayEndpoint(cfg *config.Config) (socketPath, addr string) {
	if cfg.Relay.Addr != "" {
		return "", cfg.Relay.Addr
	}
	if cfg.Relay.Socket != "" {
		return cfg.Relay.Socket, ""
	}
	return filepath.Join(state.RuntimeDir(), "run", "relay.sock"), ""
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveMaxWorkers > 0 {
		cfg.Runtime.MaxWorkers = serveMaxWorkers
	}
	if serveSocket != "" {
		cfg.Relay.Socket = serveSocket
		cfg.Relay.Addr = ""
	}
	if serveAddr != "" {
		cfg.Relay.Addr = serveAddr
		cfg.Relay.Socket = ""
	}

	// Workers inherit this process's environment, so credentials must be
	// usable before anything is dispatched.
	if err := config.RequireCredentials(cfg); err != nil {
		return fmt.Errorf("workers cannot authenticate: %w", err)
	}

	repoPath := serveRepository
	if repoPath == "" && !serveAllRepos {
		repoPath, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
	}
	if repoPath != "" {
		repoPath, err = filepath.Abs(repoPath)
		if err != nil {
			return fmt.Errorf("resolve repository path: %w", err)
		}
	}

	db, err := state.OpenDefault()
	if err != nil {
		return fmt.Errorf("open runtime database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	debug := orchestrator.NewDebugLoggerForRuntime()
	defer debug.Close()

	handler := crash.NewHandler(db)
	handler.SetDebugLog(debug.Log)
	handler.Install()

	socketPath, addr := relayEndpoint(cfg)
	relaySrv, err := relay.NewServer(relay.Config{
		SocketPath:    socketPath,
		Addr:          addr,
		SweepInterval: cfg.Relay.SweepInterval,
		IdleTimeout:   cfg.Relay.IdleTimeout,
		SendBuffer:    cfg.Relay.SendBuffer,
	})
	if err != nil {
		return fmt.Errorf("configure relay: %w", err)
	}
	relaySrv.SetDebugLog(debug.Log)
	if err := relaySrv.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	gm := graph.NewManager(db)
	gm.SetDebugLog(debug.Log)

	sup := supervisor.New(supervisor.Config{
		Store:        db,
		Namespace:    cfg.Runtime.Namespace,
		ReapInterval: cfg.Supervisor.ReapInterval,
		StaleAfter:   cfg.Supervisor.StaleAfter,
		KillGrace:    cfg.Supervisor.KillGrace,
	})
	sup.SetDebugLog(debug.Log)

	pol := &policy.Config{
		Workers: policy.WorkerPolicy{Max: cfg.Runtime.MaxWorkers},
		Loop: policy.LoopPolicy{
			PollInterval: cfg.Runtime.PollInterval,
			SpawnStagger: cfg.Runtime.SpawnStagger,
		},
		Cleanup: policy.CleanupPolicy{
			Enabled:   cfg.Cleanup.Enabled,
			Interval:  cfg.Cleanup.Interval,
			Retention: cfg.Cleanup.Retention,
		},
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:          db,
		Graph:          gm,
		Supervisor:     sup,
		Publisher:      relaySrv,
		Policy:         pol,
		RepositoryPath: repoPath,
		Logger:         debug,
	})
	if err != nil {
		relaySrv.Stop()
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	handler.OnShutdown(func(sig os.Signal) {
		fmt.Printf("\n%s received, shutting down\n", sig)
		cancel()
	})

	if err := handler.Boundary("serve-start", func() error { return orch.Start(ctx) }); err != nil {
		relaySrv.Stop()
		return fmt.Errorf("start orchestrator: %w", err)
	}

	green := color.New(color.FgGreen)
	fmt.Printf("%s zmcp serving\n", green.Sprint("✓"))
	if socketPath != "" {
		fmt.Printf("  relay:      %s\n", socketPath)
	} else {
		fmt.Printf("  relay:      %s\n", addr)
	}
	if repoPath != "" {
		fmt.Printf("  repository: %s\n", repoPath)
	} else {
		fmt.Printf("  repository: all\n")
	}
	fmt.Printf("  workers:    up to %d concurrent\n", pol.Workers.Max)
	fmt.Println("\nPress Ctrl-C to stop.")

	<-ctx.Done()

	orch.Stop()
	relaySrv.Stop()
	fmt.Println("stopped")
	return nil
}
