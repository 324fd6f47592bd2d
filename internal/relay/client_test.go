package relay

import (
	"encoding/json"
	"math/rand"
	"path/filepath"
	"testing"
	"time"
)

func recvClientType(t *testing.T, c *Client, typ MessageType) Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-c.Events():
			if !ok {
				t.Fatalf("events channel closed waiting for %s", typ)
			}
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestClient_ObserverReceivesEvents(t *testing.T) {
	srv := startServer(t, Config{})

	client, err := NewClient(ClientConfig{
		SocketPath: srv.cfg.SocketPath,
		Topics:     []string{"objective-ready"},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(client.Stop)

	welcome := recvClientType(t, client, MsgWelcome)
	if welcome.ClientID == "" {
		t.Fatal("welcome carries no clientId")
	}
	if got := client.ClientID(); got != welcome.ClientID {
		t.Fatalf("ClientID = %q, want %q", got, welcome.ClientID)
	}
	if got := client.Status(); got != StatusConnected {
		t.Fatalf("Status = %v, want connected", got)
	}

	// The subscription from the config must land before publishing.
	waitSubscribed(t, srv, welcome.ClientID, "objective-ready")

	if err := srv.Publish("objective-ready", nil, map[string]string{"objectiveId": "o1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ev := recvClientType(t, client, MsgEvent)
	if ev.EventType != "objective-ready" {
		t.Fatalf("event type = %s", ev.EventType)
	}
	var payload map[string]string
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["objectiveId"] != "o1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestClient_ProducerEmit(t *testing.T) {
	srv := startServer(t, Config{})

	obs := dialServer(t, srv)
	obs.recvType(t, MsgWelcome)
	obs.send(t, Message{Type: MsgSubscribe, Events: []string{TopicAll}})
	obs.send(t, Message{Type: MsgPing})
	obs.recvType(t, MsgPong)

	prod, err := NewClient(ClientConfig{
		SocketPath: srv.cfg.SocketPath,
		ProjectID:  "proj-1",
		ServerInfo: json.RawMessage(`{"name":"zmcp"}`),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := prod.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(prod.Stop)

	notice := obs.recvType(t, MsgProducerConnected)
	var info ProducerInfo
	if err := json.Unmarshal(notice.Payload, &info); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if info.ProjectID != "proj-1" {
		t.Fatalf("notice = %+v", info)
	}

	if err := prod.EmitEvent("agent-status", map[string]string{"state": "busy"}); err != nil {
		t.Fatalf("EmitEvent: %v", err)
	}
	ev := obs.recvType(t, MsgEvent)
	if ev.EventType != "agent-status" {
		t.Fatalf("event type = %s", ev.EventType)
	}
}

func TestClient_ResubscribesAfterReconnect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.sock")
	srv1, err := NewServer(Config{SocketPath: path})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	statuses := make(chan ClientStatus, 16)
	client, err := NewClient(ClientConfig{
		SocketPath:  path,
		Topics:      []string{"alpha"},
		MaxAttempts: 8,
		OnStatus:    func(s ClientStatus) { statuses <- s },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start client: %v", err)
	}
	t.Cleanup(client.Stop)
	recvClientType(t, client, MsgWelcome)

	// Take the server down and bring a fresh one up on the same socket.
	srv1.Stop()
	srv2, err := NewServer(Config{SocketPath: path})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv2.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(srv2.Stop)

	waitStatus(t, statuses, StatusReconnecting)
	waitStatus(t, statuses, StatusConnected)

	// The interest set was replayed on the new connection.
	welcome := recvClientType(t, client, MsgWelcome)
	waitSubscribed(t, srv2, welcome.ClientID, "alpha")
	if err := srv2.Publish("alpha", nil, map[string]string{"n": "1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ev := recvClientType(t, client, MsgEvent)
	if ev.EventType != "alpha" {
		t.Fatalf("event type = %s", ev.EventType)
	}
}

func TestClient_DisconnectedAfterAttemptBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.sock")
	srv, err := NewServer(Config{SocketPath: path})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	statuses := make(chan ClientStatus, 16)
	client, err := NewClient(ClientConfig{
		SocketPath:  path,
		MaxAttempts: 1,
		OnStatus:    func(s ClientStatus) { statuses <- s },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start client: %v", err)
	}
	t.Cleanup(client.Stop)
	recvClientType(t, client, MsgWelcome)

	// No server comes back, so the single reconnect attempt fails and
	// the client settles into the disconnected state.
	srv.Stop()

	waitStatus(t, statuses, StatusReconnecting)
	waitStatus(t, statuses, StatusDisconnected)
	if got := client.Status(); got != StatusDisconnected {
		t.Fatalf("Status = %v, want disconnected", got)
	}
}

func waitSubscribed(t *testing.T, srv *Server, connID, topic string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sub, ok := srv.registry.Get(connID); ok {
			if _, ok := sub.Topics[topic]; ok {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connection %s never subscribed to %s", connID, topic)
}

func waitStatus(t *testing.T, statuses <-chan ClientStatus, want ClientStatus) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case got := <-statuses:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %v", want)
		}
	}
}

func TestClient_BackoffDelayBounds(t *testing.T) {
	c := &Client{rng: rand.New(rand.NewSource(1))}
	for attempt := 0; attempt <= 12; attempt++ {
		for trial := 0; trial < 50; trial++ {
			d := c.backoffDelay(attempt)
			if d > ReconnectCap {
				t.Fatalf("attempt %d: delay %v exceeds cap", attempt, d)
			}
			floor := ReconnectBase << uint(min(attempt, 5))
			if floor > ReconnectCap {
				floor = ReconnectCap
			}
			if d < floor {
				t.Fatalf("attempt %d: delay %v under floor %v", attempt, d, floor)
			}
		}
	}
	// From the fifth attempt on the doubled base exceeds the cap, so
	// the delay pins there exactly.
	if d := c.backoffDelay(9); d != ReconnectCap {
		t.Fatalf("late attempt delay = %v, want %v", d, ReconnectCap)
	}
}

func TestClientConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr bool
	}{
		{"socket only", ClientConfig{SocketPath: "/tmp/x.sock"}, false},
		{"addr only", ClientConfig{Addr: "127.0.0.1:9"}, false},
		{"neither", ClientConfig{}, true},
		{"both", ClientConfig{SocketPath: "/tmp/x.sock", Addr: ":9"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClient error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
