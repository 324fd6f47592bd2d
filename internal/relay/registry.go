package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ConnectionClass is the role a connection holds. The class is pinned by
// the first class-determining message and never changes afterward.
type ConnectionClass int

const (
	// ClassObserver subscribes to topics and receives broadcasts. New
	// connections start here.
	ClassObserver ConnectionClass = iota
	// ClassProducer registers against a project and emits events.
	ClassProducer
)

func (c ConnectionClass) String() string {
	if c == ClassProducer {
		return "producer"
	}
	return "observer"
}

// Subscription is the registry's record of one live connection.
type Subscription struct {
	ConnectionID string
	Class        ConnectionClass
	Topics       map[string]struct{}
	ProjectID    string
	ServerInfo   []byte
	ConnectedAt  time.Time
	LastActivity time.Time
}

func (s *Subscription) clone() Subscription {
	out := *s
	out.Topics = make(map[string]struct{}, len(s.Topics))
	for t := range s.Topics {
		out.Topics[t] = struct{}{}
	}
	return out
}

// matches reports whether this subscription wants topic delivery.
func (s *Subscription) matches(topics []string) bool {
	if s.Class != ClassObserver {
		return false
	}
	if _, ok := s.Topics[TopicAll]; ok {
		return true
	}
	for _, t := range topics {
		if _, ok := s.Topics[t]; ok {
			return true
		}
	}
	return false
}

// Registry owns the subscription table. All access goes through its
// methods; entries are copied on the way out, never handed back by
// reference.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Subscription
	nowFunc func() time.Time
}

// NewRegistry returns an empty subscription table.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Subscription),
		nowFunc: time.Now,
	}
}

// Add records a new connection as an unsubscribed observer.
func (r *Registry) Add(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[connectionID]; ok {
		return fmt.Errorf("connection %s already registered", connectionID)
	}
	now := r.nowFunc()
	r.entries[connectionID] = &Subscription{
		ConnectionID: connectionID,
		Class:        ClassObserver,
		Topics:       make(map[string]struct{}),
		ConnectedAt:  now,
		LastActivity: now,
	}
	return nil
}

// Remove deletes a connection and returns its final record.
func (r *Registry) Remove(connectionID string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.entries[connectionID]
	if !ok {
		return Subscription{}, false
	}
	delete(r.entries, connectionID)
	return sub.clone(), true
}

// Subscribe unions topics into an observer's set. Subscribing twice to
// the same topic is a no-op. Producer connections cannot subscribe.
func (r *Registry) Subscribe(connectionID string, topics ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.entries[connectionID]
	if !ok {
		return fmt.Errorf("unknown connection %s", connectionID)
	}
	if sub.Class == ClassProducer {
		return fmt.Errorf("producer connection %s cannot subscribe", connectionID)
	}
	for _, t := range topics {
		if t == "" {
			continue
		}
		sub.Topics[t] = struct{}{}
	}
	return nil
}

// Unsubscribe removes topics from an observer's set. Topics not present
// are ignored.
func (r *Registry) Unsubscribe(connectionID string, topics ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.entries[connectionID]
	if !ok {
		return fmt.Errorf("unknown connection %s", connectionID)
	}
	for _, t := range topics {
		delete(sub.Topics, t)
	}
	return nil
}

// SetProducer pins a connection to the producer class. A connection that
// has already subscribed as an observer keeps its class and the call
// fails; re-registering an existing producer only refreshes its project.
func (r *Registry) SetProducer(connectionID, projectID string, serverInfo []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.entries[connectionID]
	if !ok {
		return fmt.Errorf("unknown connection %s", connectionID)
	}
	if sub.Class == ClassObserver && len(sub.Topics) > 0 {
		return fmt.Errorf("connection %s already subscribed as observer", connectionID)
	}
	sub.Class = ClassProducer
	sub.ProjectID = projectID
	sub.ServerInfo = serverInfo
	return nil
}

// Touch refreshes a connection's last-activity time. Every inbound frame
// counts as activity.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.entries[connectionID]; ok {
		sub.LastActivity = r.nowFunc()
	}
}

// Get returns a copy of one connection's record.
func (r *Registry) Get(connectionID string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.entries[connectionID]
	if !ok {
		return Subscription{}, false
	}
	return sub.clone(), true
}

// Stats counts the table as it stands right now.
func (r *Registry) Stats() ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := ConnectionStats{TotalConnections: len(r.entries)}
	for _, sub := range r.entries {
		if sub.Class == ClassProducer {
			stats.Producers++
		} else {
			stats.Observers++
		}
	}
	return stats
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ObserverIDs lists every observer connection, sorted for determinism.
func (r *Registry) ObserverIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id, sub := range r.entries {
		if sub.Class == ClassObserver {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Matching lists observers subscribed to any of topics, or to the
// wildcard. Each observer appears once no matter how many topics match.
func (r *Registry) Matching(topics []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, sub := range r.entries {
		if sub.matches(topics) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IdleBefore lists connections whose last activity predates cutoff.
func (r *Registry) IdleBefore(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, sub := range r.entries {
		if sub.LastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
