package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// Reconnect and keepalive tuning.
const (
	ReconnectBase       = time.Second
	ReconnectCap        = 30 * time.Second
	DefaultMaxAttempts  = 10
	DefaultPingInterval = time.Minute
	DefaultEventBuffer  = 256
	dialTimeout         = 5 * time.Second
)

// ClientStatus reports the connection lifecycle to the client's owner.
type ClientStatus int

const (
	// StatusDisconnected means the client is not connected and has no
	// reconnect pending. Terminal after the attempt budget runs out.
	StatusDisconnected ClientStatus = iota
	// StatusConnected means frames are flowing.
	StatusConnected
	// StatusReconnecting means the connection broke and the backoff
	// loop is dialing.
	StatusReconnecting
)

func (s ClientStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ClientConfig controls a Client.
type ClientConfig struct {
	// SocketPath is a unix socket to dial. Mutually exclusive with Addr.
	SocketPath string
	// Addr is a TCP address to dial.
	Addr string
	// ProjectID switches the client into producer mode; the client
	// registers on every connect instead of subscribing.
	ProjectID string
	// ServerInfo is attached to producer registration.
	ServerInfo json.RawMessage
	// Topics are subscribed after every connect in observer mode.
	Topics []string
	// MaxAttempts bounds consecutive failed reconnects before the
	// client settles into StatusDisconnected.
	MaxAttempts int
	// PingInterval spaces keepalive pings. Must stay under the server's
	// idle timeout.
	PingInterval time.Duration
	// EventBuffer sizes the Events channel.
	EventBuffer int
	// OnStatus, if set, observes every lifecycle change.
	OnStatus func(ClientStatus)
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

func (c ClientConfig) validate() error {
	if c.SocketPath == "" && c.Addr == "" {
		return errors.New("config requires SocketPath or Addr")
	}
	if c.SocketPath != "" && c.Addr != "" {
		return errors.New("SocketPath and Addr are mutually exclusive")
	}
	return nil
}

// Client maintains one relay connection, transparently reconnecting with
// backoff when it breaks.
type Client struct {
	cfg ClientConfig

	mu       sync.Mutex
	conn     net.Conn
	status   ClientStatus
	clientID string
	topics   map[string]struct{}
	started  bool
	stopped  bool

	writeMu sync.Mutex

	events chan Message
	stopCh chan struct{}
	doneCh chan struct{}

	rng *rand.Rand
}

// NewClient builds a relay client. Set ProjectID for producer mode;
// otherwise the client observes and Topics are subscribed on connect.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("relay client config: %w", err)
	}
	c := &Client{
		cfg:    cfg,
		topics: make(map[string]struct{}),
		events: make(chan Message, cfg.EventBuffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, t := range cfg.Topics {
		if t != "" {
			c.topics[t] = struct{}{}
		}
	}
	return c, nil
}

// Start dials the relay. The initial dial fails fast so configuration
// problems surface to the caller; the reconnect contract applies only to
// later abnormal disconnects.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("relay client already started")
	}
	c.started = true
	c.mu.Unlock()

	conn, err := c.dial()
	if err != nil {
		c.reset()
		return fmt.Errorf("dial relay: %w", err)
	}
	c.setConn(conn)
	if err := c.handshake(); err != nil {
		_ = conn.Close()
		c.reset()
		return err
	}
	c.setStatus(StatusConnected)
	go c.run()
	return nil
}

func (c *Client) reset() {
	c.mu.Lock()
	c.started = false
	c.conn = nil
	c.mu.Unlock()
}

// Stop closes the connection and ends the run loop.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		_ = conn.Close()
	}
	<-c.doneCh
}

// Events streams server frames to the owner, welcome and stats notices
// included. Closed once the client stops for good.
func (c *Client) Events() <-chan Message { return c.events }

// Status reports the current lifecycle state.
func (c *Client) Status() ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ClientID reports the server-assigned connection id from the last
// welcome, empty before one arrives.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Subscribe adds event types to the interest set and pushes them to the
// server. The set survives reconnects. Use TopicAll for everything.
func (c *Client) Subscribe(events ...string) error {
	c.addTopics(events...)
	return c.writeMessage(&Message{Type: MsgSubscribe, Events: events})
}

// Unsubscribe removes event types from the interest set.
func (c *Client) Unsubscribe(events ...string) error {
	c.removeTopics(events...)
	return c.writeMessage(&Message{Type: MsgUnsubscribe, Events: events})
}

// SubscribeRepository narrows interest to events scoped to a repository.
func (c *Client) SubscribeRepository(repository string) error {
	c.addTopics(RepositoryTopic(repository))
	return c.writeMessage(&Message{Type: MsgSubscribeRepository, Repository: repository})
}

// SubscribeAgent narrows interest to events scoped to one agent.
func (c *Client) SubscribeAgent(agentID string) error {
	c.addTopics(AgentTopic(agentID))
	return c.writeMessage(&Message{Type: MsgSubscribeAgent, AgentID: agentID})
}

// SubscribeRoom narrows interest to events scoped to a chat room.
func (c *Client) SubscribeRoom(roomName string) error {
	c.addTopics(RoomTopic(roomName))
	return c.writeMessage(&Message{Type: MsgSubscribeRoom, RoomName: roomName})
}

// EmitEvent sends one producer event for fan-out to observers.
func (c *Client) EmitEvent(eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s data: %w", eventType, err)
	}
	return c.writeMessage(&Message{Type: MsgEvent, EventType: eventType, Data: raw})
}

// Ping sends one keepalive outside the automatic cadence.
func (c *Client) Ping() error {
	return c.writeMessage(&Message{Type: MsgPing})
}

func (c *Client) dial() (net.Conn, error) {
	if c.cfg.SocketPath != "" {
		return net.DialTimeout("unix", c.cfg.SocketPath, dialTimeout)
	}
	return net.DialTimeout("tcp", c.cfg.Addr, dialTimeout)
}

// handshake announces the client's role on a fresh connection.
func (c *Client) handshake() error {
	if c.cfg.ProjectID != "" {
		return c.writeMessage(&Message{
			Type:       MsgRegister,
			ProjectID:  c.cfg.ProjectID,
			ServerInfo: c.cfg.ServerInfo,
		})
	}
	return c.resubscribe()
}

// resubscribe replays the interest set, batching plain event types into
// one subscribe frame.
func (c *Client) resubscribe() error {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()
	sort.Strings(topics)

	var plain []string
	for _, t := range topics {
		var msg *Message
		switch {
		case strings.HasPrefix(t, repositoryTopicPrefix):
			msg = &Message{Type: MsgSubscribeRepository, Repository: strings.TrimPrefix(t, repositoryTopicPrefix)}
		case strings.HasPrefix(t, agentTopicPrefix):
			msg = &Message{Type: MsgSubscribeAgent, AgentID: strings.TrimPrefix(t, agentTopicPrefix)}
		case strings.HasPrefix(t, roomTopicPrefix):
			msg = &Message{Type: MsgSubscribeRoom, RoomName: strings.TrimPrefix(t, roomTopicPrefix)}
		default:
			plain = append(plain, t)
			continue
		}
		if err := c.writeMessage(msg); err != nil {
			return err
		}
	}
	if len(plain) > 0 {
		return c.writeMessage(&Message{Type: MsgSubscribe, Events: plain})
	}
	return nil
}

func (c *Client) run() {
	defer close(c.doneCh)
	defer close(c.events)
	for {
		c.readLoop()
		if c.stopping() {
			c.setStatus(StatusDisconnected)
			return
		}
		c.setStatus(StatusReconnecting)
		if !c.reconnect() {
			c.setStatus(StatusDisconnected)
			return
		}
	}
}

// readLoop consumes frames until the connection breaks.
func (c *Client) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	connDone := make(chan struct{})
	defer close(connDone)
	go c.pingLoop(connDone)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MsgPong:
		return
	case MsgWelcome:
		c.mu.Lock()
		c.clientID = msg.ClientID
		c.mu.Unlock()
	}
	select {
	case c.events <- *msg:
	case <-c.stopCh:
	}
}

func (c *Client) pingLoop(connDone <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				return
			}
		case <-connDone:
			return
		case <-c.stopCh:
			return
		}
	}
}

// reconnect retries the dial until it succeeds or the attempt budget is
// spent.
func (c *Client) reconnect() bool {
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		select {
		case <-time.After(c.backoffDelay(attempt)):
		case <-c.stopCh:
			return false
		}
		conn, err := c.dial()
		if err != nil {
			continue
		}
		c.setConn(conn)
		if err := c.handshake(); err != nil {
			_ = conn.Close()
			continue
		}
		c.setStatus(StatusConnected)
		return true
	}
	return false
}

// backoffDelay doubles from 1s per attempt with random jitter up to half
// the base delay, capped at 30s.
func (c *Client) backoffDelay(attempt int) time.Duration {
	d := ReconnectBase << uint(min(attempt, 5))
	d += time.Duration(c.rng.Int63n(int64(d)/2 + 1))
	if d > ReconnectCap {
		d = ReconnectCap
	}
	return d
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) setStatus(status ClientStatus) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	fn := c.cfg.OnStatus
	c.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

func (c *Client) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) addTopics(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		if t != "" {
			c.topics[t] = struct{}{}
		}
	}
}

func (c *Client) removeTopics(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, t)
	}
}

func (c *Client) writeMessage(msg *Message) error {
	frame, err := appendFrame(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}
