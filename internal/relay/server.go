package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default server tuning. The sweep runs on the same cadence family as
// process reaping.
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultSendBuffer    = 64
	DefaultMaxConns      = 100
)

// Config controls a Server.
type Config struct {
	// SocketPath is a unix socket to listen on. Mutually exclusive with
	// Addr.
	SocketPath string
	// Addr is a TCP listen address, e.g. "127.0.0.1:4573".
	Addr string
	// SweepInterval is how often idle connections are collected.
	SweepInterval time.Duration
	// IdleTimeout is how long a connection may stay silent before the
	// sweep closes it.
	IdleTimeout time.Duration
	// SendBuffer is the per-connection outbound queue length. A
	// connection whose queue fills is dropped.
	SendBuffer int
	// MaxConns caps concurrently handled connections.
	MaxConns int
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	return c
}

func (c Config) validate() error {
	if c.SocketPath == "" && c.Addr == "" {
		return errors.New("config requires SocketPath or Addr")
	}
	if c.SocketPath != "" && c.Addr != "" {
		return errors.New("SocketPath and Addr are mutually exclusive")
	}
	return nil
}

// serverConn is the server half of one client connection. All outbound
// frames go through sendCh so a slow reader stalls only itself.
type serverConn struct {
	id     string
	conn   net.Conn
	sendCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// trySend queues a frame without blocking. False means the connection is
// closed or its buffer is full.
func (c *serverConn) trySend(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.sendCh <- frame:
		return true
	default:
		return false
	}
}

func (c *serverConn) writeLoop() {
	for {
		select {
		case frame := <-c.sendCh:
			if _, err := c.conn.Write(frame); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Server accepts relay connections and routes frames between producers
// and observers.
type Server struct {
	cfg      Config
	registry *Registry

	mu       sync.RWMutex
	listener net.Listener
	conns    map[string]*serverConn
	started  bool

	acceptSem chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	nowFunc  func() time.Time
	debugLog func(format string, args ...any)
}

// NewServer builds a server from cfg. Defaults fill unset tuning fields.
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	return &Server{
		cfg:       cfg,
		registry:  NewRegistry(),
		conns:     make(map[string]*serverConn),
		acceptSem: make(chan struct{}, cfg.MaxConns),
		stopCh:    make(chan struct{}),
		nowFunc:   time.Now,
		debugLog:  func(string, ...any) {},
	}, nil
}

// SetDebugLog installs a sink for verbose per-connection logging.
func (s *Server) SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		s.debugLog = fn
	}
}

// Start binds the listener and launches the accept and sweep loops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("relay server already started")
	}

	var ln net.Listener
	var err error
	if s.cfg.SocketPath != "" {
		if err := cleanStaleSocket(s.cfg.SocketPath); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("stale socket check %s: %w", s.cfg.SocketPath, err)
		}
		ln, err = net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("listen unix %s: %w", s.cfg.SocketPath, err)
		}
		// Owner-only access keeps other local users from impersonating
		// producers.
		if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
			_ = ln.Close()
			s.mu.Unlock()
			return fmt.Errorf("chmod socket %s: %w", s.cfg.SocketPath, err)
		}
	} else {
		ln, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("listen tcp %s: %w", s.cfg.Addr, err)
		}
	}
	s.listener = ln
	s.started = true
	s.mu.Unlock()

	s.safeGo(func() { s.acceptLoop(ln) })
	s.safeGo(s.sweepLoop)
	log.Printf("[relay] listening on %s", ln.Addr())
	return nil
}

// Stop closes the listener and every connection, then waits for handler
// goroutines to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	ln := s.listener
	s.mu.Unlock()

	close(s.stopCh)
	if ln != nil {
		_ = ln.Close()
	}

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	for _, sc := range conns {
		sc.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	if s.cfg.SocketPath != "" {
		_ = os.Remove(s.cfg.SocketPath)
	}
}

// Addr reports the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats reports a live snapshot of connection counts.
func (s *Server) Stats() ConnectionStats {
	return s.registry.Stats()
}

// Publish marshals payload and fans it out under eventType plus any
// scope topics (repo:..., agent:...). This is the entry point for
// in-process event sources.
func (s *Server) Publish(eventType string, scopes []string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	topics := make([]string, 0, len(scopes)+1)
	topics = append(topics, eventType)
	topics = append(topics, scopes...)
	s.PublishEvent(eventType, topics, data)
	return nil
}

// PublishEvent fans one event out to every observer whose subscription
// matches any of topics, or holds the wildcard. Delivery per connection
// is non-blocking; a connection that cannot take the frame is dropped.
func (s *Server) PublishEvent(eventType string, topics []string, payload json.RawMessage) {
	frame, err := appendFrame(&Message{Type: MsgEvent, EventType: eventType, Payload: payload})
	if err != nil {
		s.debugLog("relay: marshal event %s: %v", eventType, err)
		return
	}
	for _, sc := range s.connsByID(s.registry.Matching(topics)) {
		s.deliver(sc, frame)
	}
}

// safeGo runs fn on a tracked goroutine, converting panics into log
// lines so one connection handler cannot take down the relay.
func (s *Server) safeGo(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[relay] panic: %v\n%s", r, debug.Stack())
			}
		}()
		fn()
	}()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		select {
		case s.acceptSem <- struct{}{}:
			s.safeGo(func() {
				defer func() { <-s.acceptSem }()
				s.handleConn(conn)
			})
		case <-s.stopCh:
			_ = conn.Close()
			return
		}
	}
}

// handleConn owns one connection's read side for its whole life. Every
// new connection gets a welcome carrying a fresh stats snapshot before
// any other traffic.
func (s *Server) handleConn(conn net.Conn) {
	sc := &serverConn{
		id:     uuid.New().String(),
		conn:   conn,
		sendCh: make(chan []byte, s.cfg.SendBuffer),
		closed: make(chan struct{}),
	}
	if err := s.registry.Add(sc.id); err != nil {
		_ = conn.Close()
		return
	}
	s.mu.Lock()
	s.conns[sc.id] = sc
	s.mu.Unlock()

	s.safeGo(sc.writeLoop)
	defer s.dropConn(sc)

	s.debugLog("relay: connection %s opened from %v", sc.id, conn.RemoteAddr())
	s.sendWelcome(sc)
	s.broadcastStats()

	scanner := bufio.NewScanner(conn)
	// Frames can exceed the 64KB scanner default.
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	for scanner.Scan() {
		select {
		case <-s.stopCh:
			return
		case <-sc.closed:
			return
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.registry.Touch(sc.id)

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.sendError(sc, "malformed message: invalid JSON")
			continue
		}
		if err := validateInbound(&msg); err != nil {
			s.sendError(sc, err.Error())
			continue
		}
		s.dispatch(sc, &msg)
	}
}

func (s *Server) dispatch(sc *serverConn, msg *Message) {
	switch msg.Type {
	case MsgPing:
		s.send(sc, &Message{Type: MsgPong})
	case MsgSubscribe:
		if err := s.registry.Subscribe(sc.id, msg.Events...); err != nil {
			s.sendError(sc, err.Error())
		}
	case MsgUnsubscribe:
		if err := s.registry.Unsubscribe(sc.id, msg.Events...); err != nil {
			s.sendError(sc, err.Error())
		}
	case MsgSubscribeRepository:
		if err := s.registry.Subscribe(sc.id, RepositoryTopic(msg.Repository)); err != nil {
			s.sendError(sc, err.Error())
		}
	case MsgSubscribeAgent:
		if err := s.registry.Subscribe(sc.id, AgentTopic(msg.AgentID)); err != nil {
			s.sendError(sc, err.Error())
		}
	case MsgSubscribeRoom:
		if err := s.registry.Subscribe(sc.id, RoomTopic(msg.RoomName)); err != nil {
			s.sendError(sc, err.Error())
		}
	case MsgRegister:
		s.handleRegister(sc, msg)
	case MsgEvent:
		s.handleProducerEvent(sc, msg)
	}
}

func (s *Server) handleRegister(sc *serverConn, msg *Message) {
	if err := s.registry.SetProducer(sc.id, msg.ProjectID, msg.ServerInfo); err != nil {
		s.sendError(sc, err.Error())
		return
	}
	s.debugLog("relay: connection %s registered as producer for %s", sc.id, msg.ProjectID)
	s.broadcastProducer(MsgProducerConnected, ProducerInfo{
		ConnectionID: sc.id,
		ProjectID:    msg.ProjectID,
		ServerInfo:   msg.ServerInfo,
	})
	s.broadcastStats()
}

func (s *Server) handleProducerEvent(sc *serverConn, msg *Message) {
	sub, ok := s.registry.Get(sc.id)
	if !ok {
		return
	}
	if sub.Class != ClassProducer {
		s.sendError(sc, "event requires a registered producer connection")
		return
	}
	topics := []string{msg.EventType}
	if sub.ProjectID != "" {
		topics = append(topics, RepositoryTopic(sub.ProjectID))
	}
	s.PublishEvent(msg.EventType, topics, msg.Data)
}

// dropConn closes a connection and removes it from both tables. It is
// safe to call repeatedly; only the first tracked call does the
// bookkeeping and notifies observers.
func (s *Server) dropConn(sc *serverConn) {
	s.mu.Lock()
	_, tracked := s.conns[sc.id]
	delete(s.conns, sc.id)
	s.mu.Unlock()
	sc.close()
	if !tracked {
		return
	}

	sub, ok := s.registry.Remove(sc.id)
	s.debugLog("relay: connection %s closed", sc.id)

	// During shutdown every connection goes away at once; skip the
	// notifications nobody is left to read.
	select {
	case <-s.stopCh:
		return
	default:
	}
	if ok && sub.Class == ClassProducer {
		s.broadcastProducer(MsgProducerDisconnected, ProducerInfo{
			ConnectionID: sub.ConnectionID,
			ProjectID:    sub.ProjectID,
			ServerInfo:   sub.ServerInfo,
		})
	}
	s.broadcastStats()
}

// deliver queues one frame. A full buffer means the client stopped
// draining, so the connection is dropped rather than awaited.
func (s *Server) deliver(sc *serverConn, frame []byte) {
	if sc.trySend(frame) {
		return
	}
	s.debugLog("relay: dropping connection: %v",
		&TransportError{ConnectionID: sc.id, Err: errSendBufferFull})
	s.dropConn(sc)
}

func (s *Server) send(sc *serverConn, msg *Message) {
	frame, err := appendFrame(msg)
	if err != nil {
		s.debugLog("relay: marshal %s: %v", msg.Type, err)
		return
	}
	s.deliver(sc, frame)
}

func (s *Server) sendError(sc *serverConn, text string) {
	s.send(sc, &Message{Type: MsgError, Message: text})
}

func (s *Server) sendWelcome(sc *serverConn) {
	stats := s.registry.Stats()
	s.send(sc, &Message{
		Type:            MsgWelcome,
		ClientID:        sc.id,
		ServerTime:      s.nowFunc().UTC().Format(time.RFC3339),
		ConnectionStats: &stats,
	})
}

// broadcastStats pushes a fresh registry snapshot to every observer.
func (s *Server) broadcastStats() {
	stats := s.registry.Stats()
	payload, err := json.Marshal(stats)
	if err != nil {
		return
	}
	frame, err := appendFrame(&Message{Type: MsgConnectionStatsUpdate, Payload: payload})
	if err != nil {
		return
	}
	for _, sc := range s.connsByID(s.registry.ObserverIDs()) {
		s.deliver(sc, frame)
	}
}

func (s *Server) broadcastProducer(typ MessageType, info ProducerInfo) {
	payload, err := json.Marshal(info)
	if err != nil {
		return
	}
	frame, err := appendFrame(&Message{Type: typ, Payload: payload})
	if err != nil {
		return
	}
	for _, sc := range s.connsByID(s.registry.ObserverIDs()) {
		s.deliver(sc, frame)
	}
}

func (s *Server) connsByID(ids []string) []*serverConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*serverConn, 0, len(ids))
	for _, id := range ids {
		if sc, ok := s.conns[id]; ok {
			out = append(out, sc)
		}
	}
	return out
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepIdle()
		case <-s.stopCh:
			return
		}
	}
}

// sweepIdle drops connections that have sent nothing for IdleTimeout.
func (s *Server) sweepIdle() {
	cutoff := s.nowFunc().Add(-s.cfg.IdleTimeout)
	for _, id := range s.registry.IdleBefore(cutoff) {
		s.mu.RLock()
		sc := s.conns[id]
		s.mu.RUnlock()
		if sc == nil {
			continue
		}
		s.debugLog("relay: closing connection %s: %v", id, errIdleTimeout)
		s.dropConn(sc)
	}
}

// cleanStaleSocket removes a socket file left behind by a crashed
// process. If another server is actively listening on it, an error comes
// back so the live socket is not clobbered.
func cleanStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s is in use", path)
	}
	return os.Remove(path)
}
