package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/config"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/orchestrator"
	"github.com/ZachHandley/ZMCPTools-sub001/internal/relay"
)

var (
	watchSocket     string
	watchAddr       string
	watchEvents     []string
	watchRepository string
	watchAgent      string
	watchStats      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail orchestrator events from the relay",
	Long: `Connect to the relay as an observer and print events as they arrive.

Subscribes to every event by default; narrow the stream with --event,
--repository, or --agent. Reconnects automatically if the relay restarts.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchSocket, "socket", "", "Relay unix socket path (overrides config)")
	watchCmd.Flags().StringVar(&watchAddr, "addr", "", "Relay TCP address (overrides config)")
	watchCmd.Flags().StringSliceVar(&watchEvents, "event", nil, "Subscribe to specific event types (repeatable)")
	watchCmd.Flags().StringVar(&watchRepository, "repository", "", "Also subscribe to one repository's topic")
	watchCmd.Flags().StringVar(&watchAgent, "agent", "", "Also subscribe to one agent's topic")
	watchCmd.Flags().BoolVar(&watchStats, "stats", false, "Show connection stats updates")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if watchSocket != "" {
		cfg.Relay.Socket = watchSocket
		cfg.Relay.Addr = ""
	}
	if watchAddr != "" {
		cfg.Relay.Addr = watchAddr
		cfg.Relay.Socket = ""
	}
	socketPath, addr := relayEndpoint(cfg)

	topics := watchEvents
	if len(topics) == 0 {
		topics = []string{relay.TopicAll}
	}
	if watchRepository != "" {
		topics = append(topics, relay.RepositoryTopic(watchRepository))
	}
	if watchAgent != "" {
		topics = append(topics, relay.AgentTopic(watchAgent))
	}

	faint := color.New(color.Faint)
	client, err := relay.NewClient(relay.ClientConfig{
		SocketPath: socketPath,
		Addr:       addr,
		Topics:     topics,
		OnStatus: func(status relay.ClientStatus) {
			if status != relay.StatusConnected {
				fmt.Println(faint.Sprintf("-- %s --", status))
			}
		},
	})
	if err != nil {
		return err
	}
	if err := client.Start(); err != nil {
		return fmt.Errorf("connect to relay: %w (is 'zmcp serve' running?)", err)
	}
	defer client.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			return nil
		case msg, ok := <-client.Events():
			if !ok {
				return nil
			}
			printRelayMessage(&msg)
		}
	}
}

func printRelayMessage(msg *relay.Message) {
	ts := color.New(color.Faint).Sprint(time.Now().Format("15:04:05"))

	switch msg.Type {
	case relay.MsgWelcome:
		fmt.Printf("%s %s connected as %s", ts, color.GreenString("✓"), msg.ClientID)
		if msg.ConnectionStats != nil {
			fmt.Printf(" (%d connections)", msg.ConnectionStats.TotalConnections)
		}
		fmt.Println()

	case relay.MsgEvent:
		fmt.Printf("%s %s%s\n", ts, eventTag(msg.EventType), payloadSummary(msg.Payload))

	case relay.MsgConnectionStatsUpdate:
		if watchStats {
			fmt.Printf("%s %s %s\n", ts, color.New(color.Faint).Sprint("stats"), string(msg.Payload))
		}

	case relay.MsgProducerConnected:
		fmt.Printf("%s %s producer connected\n", ts, color.CyanString("●"))

	case relay.MsgProducerDisconnected:
		fmt.Printf("%s %s producer disconnected\n", ts, color.New(color.Faint).Sprint("○"))

	case relay.MsgError:
		fmt.Printf("%s %s %s\n", ts, color.RedString("error"), msg.Message)
	}
}

// eventTag colors an event type by its outcome.
func eventTag(eventType string) string {
	var c *color.Color
	switch eventType {
	case orchestrator.EventObjectiveCompleted:
		c = color.New(color.FgGreen)
	case orchestrator.EventObjectiveFailed, orchestrator.EventSpawnFailed:
		c = color.New(color.FgRed)
	case orchestrator.EventAgentSpawned, orchestrator.EventObjectiveClaimed:
		c = color.New(color.FgCyan)
	case orchestrator.EventObjectiveReady, orchestrator.EventObjectiveRequeued:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgWhite)
	}
	return c.Sprintf("%-20s", eventType)
}

// payloadSummary renders an event payload as "key=value" pairs, falling
// back to raw JSON for anything that is not a flat object.
func payloadSummary(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return " " + string(payload)
	}

	// Stable field order: identifiers first, then the rest.
	order := []string{"objectiveId", "agentId", "displayName", "title", "pid", "attempt", "objectiveIds", "summary", "error", "lastStatus"}
	var parts []string
	seen := make(map[string]bool)
	appendField := func(key string, value any) {
		switch v := value.(type) {
		case string:
			if v == "" {
				return
			}
			parts = append(parts, fmt.Sprintf("%s=%s", key, v))
		case float64:
			parts = append(parts, fmt.Sprintf("%s=%d", key, int64(v)))
		default:
			b, _ := json.Marshal(v)
			parts = append(parts, fmt.Sprintf("%s=%s", key, b))
		}
	}
	for _, key := range order {
		if value, ok := fields[key]; ok {
			appendField(key, value)
			seen[key] = true
		}
	}
	for key, value := range fields {
		if !seen[key] {
			appendField(key, value)
		}
	}

	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}
