// Package relay fans typed events out to subscribed observer connections
// over a newline-delimited JSON protocol. Producers register against a
// project and emit events; observers subscribe to topics and receive the
// matching fan-out. Delivery to each connection is independent and never
// blocks delivery to any other.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageSize caps one NDJSON frame. Larger frames break the read loop
// and drop the connection.
const MaxMessageSize = 1 << 20

// MessageType tags a wire frame. The tag decides which Message fields are
// meaningful; every other field stays empty on the wire.
type MessageType string

// Client-to-server message types.
const (
	MsgSubscribe           MessageType = "subscribe"
	MsgUnsubscribe         MessageType = "unsubscribe"
	MsgSubscribeRepository MessageType = "subscribe_repository"
	MsgSubscribeAgent      MessageType = "subscribe_agent"
	MsgSubscribeRoom       MessageType = "subscribe_room"
	MsgRegister            MessageType = "register"
	MsgPing                MessageType = "ping"
)

// Server-to-client message types. MsgEvent travels both ways: producers
// emit it with Data set, the server rebroadcasts it with Payload set.
const (
	MsgEvent                 MessageType = "event"
	MsgWelcome               MessageType = "welcome"
	MsgConnectionStatsUpdate MessageType = "connection-stats-update"
	MsgProducerConnected     MessageType = "producer-connected"
	MsgProducerDisconnected  MessageType = "producer-disconnected"
	MsgPong                  MessageType = "pong"
	MsgError                 MessageType = "error"
)

// Message is the wire frame for both directions.
type Message struct {
	Type MessageType `json:"type"`

	// subscribe / unsubscribe
	Events []string `json:"events,omitempty"`

	// subscribe_repository
	Repository string `json:"repository,omitempty"`

	// subscribe_agent
	AgentID string `json:"agentId,omitempty"`

	// subscribe_room
	RoomName string `json:"roomName,omitempty"`

	// register
	ProjectID  string          `json:"projectId,omitempty"`
	ServerInfo json.RawMessage `json:"serverInfo,omitempty"`

	// event: Data inbound from producers, Payload outbound to observers.
	// Payload also carries the body of the stats and producer notices.
	EventType string          `json:"eventType,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// welcome
	ClientID        string           `json:"clientId,omitempty"`
	ServerTime      string           `json:"serverTime,omitempty"`
	ConnectionStats *ConnectionStats `json:"connectionStats,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// ConnectionStats is a snapshot of registry counts, computed from the
// registry at the moment it is sent rather than tracked incrementally.
type ConnectionStats struct {
	TotalConnections int `json:"totalConnections"`
	Observers        int `json:"observers"`
	Producers        int `json:"producers"`
}

// ProducerInfo is the payload of producer-connected and
// producer-disconnected notices.
type ProducerInfo struct {
	ConnectionID string          `json:"connectionId"`
	ProjectID    string          `json:"projectId"`
	ServerInfo   json.RawMessage `json:"serverInfo,omitempty"`
}

// TopicAll matches every event type.
const TopicAll = "*"

// Scoped subscriptions are stored as prefixed topics so one set holds
// event-type, repository, agent, and room interests together.
const (
	repositoryTopicPrefix = "repo:"
	agentTopicPrefix      = "agent:"
	roomTopicPrefix       = "room:"
)

// RepositoryTopic names the topic carrying events scoped to a repository.
func RepositoryTopic(repository string) string { return repositoryTopicPrefix + repository }

// AgentTopic names the topic carrying events scoped to one agent.
func AgentTopic(agentID string) string { return agentTopicPrefix + agentID }

// RoomTopic names the topic carrying events scoped to a chat room.
func RoomTopic(roomName string) string { return roomTopicPrefix + roomName }

// validateInbound checks a client frame for the fields its type requires.
// Unknown types are an error, not something to ignore.
func validateInbound(m *Message) error {
	switch m.Type {
	case MsgSubscribe, MsgUnsubscribe:
		if len(m.Events) == 0 {
			return fmt.Errorf("%s requires events", m.Type)
		}
	case MsgSubscribeRepository:
		if m.Repository == "" {
			return errors.New("subscribe_repository requires repository")
		}
	case MsgSubscribeAgent:
		if m.AgentID == "" {
			return errors.New("subscribe_agent requires agentId")
		}
	case MsgSubscribeRoom:
		if m.RoomName == "" {
			return errors.New("subscribe_room requires roomName")
		}
	case MsgRegister:
		if m.ProjectID == "" {
			return errors.New("register requires projectId")
		}
	case MsgEvent:
		if m.EventType == "" {
			return errors.New("event requires eventType")
		}
	case MsgPing:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// appendFrame marshals a message and terminates it with the NDJSON newline.
func appendFrame(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
