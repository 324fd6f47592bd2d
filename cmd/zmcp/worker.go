package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/config"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/worker"
)

var workerObjective string

// workerCmd is the entry point for spawned worker processes. The
// orchestrator invokes it as "zmcp worker --objective <id>"; it is
// hidden because running it by hand bypasses the claim protocol.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single objective worker (spawned by the orchestrator)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerObjective, "objective", "", "Objective ID to execute")
	workerCmd.MarkFlagRequired("objective")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	clientCfg := worker.ClientConfig{
		Model:      anthropic.Model(cfg.Anthropic.Model),
		UseBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:  cfg.Anthropic.AWSRegion,
		AWSProfile: cfg.Anthropic.AWSProfile,
	}
	if key, keyErr := config.GetAPIKey(cfg); keyErr == nil {
		clientCfg.APIKey = key
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	res, err := worker.Run(ctx, worker.RunConfig{
		ObjectiveID:       workerObjective,
		ClientConfig:      clientCfg,
		HeartbeatInterval: cfg.Runtime.HeartbeatInterval,
		MaxTokens:         int64(cfg.Anthropic.MaxTokens),
		Logf:              log.Printf,
	})
	if err != nil {
		return err
	}
	if res.Status == worker.ResultFailed {
		log.Printf("objective %s failed: %s", res.ObjectiveID, res.Error)
		os.Exit(1)
	}
	return nil
}
