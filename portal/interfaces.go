// Package portal connects actor runtimes in different processes. It runs as
// an ordinary actor program: local actors hand it messages for ids that live
// elsewhere, and it injects what peers send back into the local supervisor.
package portal

import (
	"fmt"
	"time"

	"github.com/najoast/actorportal/core"
)

// NodeID identifies one runtime among its peers.
type NodeID string

// ProgramRef is the catalog reference the portal program is registered under.
const ProgramRef = "portal"

// FrameType is the kind of a frame exchanged between peers.
type FrameType string

const (
	// FrameHello opens a connection and later announces topic changes.
	FrameHello FrameType = "hello"

	// FrameContacts gossips actor ids reachable through the sender.
	FrameContacts FrameType = "contacts"

	// FrameDeliver carries one actor message.
	FrameDeliver FrameType = "deliver"

	// FrameDoc announces a shared document id.
	FrameDoc FrameType = "doc"
)

// Frame is the unit written on a peer connection, one JSON document each.
type Frame struct {
	Type FrameType `json:"type"`
	From NodeID    `json:"from"`

	// Hello
	Version string   `json:"version,omitempty"`
	Topics  []string `json:"topics,omitempty"`
	Error   string   `json:"error,omitempty"`

	Contacts []core.ActorID `json:"contacts,omitempty"`
	Message  *core.Message  `json:"message,omitempty"`
	Doc      string         `json:"doc,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// FrameHandler receives what the transport reads from peers. Calls come
// from connection goroutines.
type FrameHandler interface {
	// HandleFrame processes one inbound frame
	HandleFrame(from NodeID, frame *Frame)

	// HandleConnectionEstablished is called once the handshake succeeded
	HandleConnectionEstablished(nodeID NodeID, hello *Frame)

	// HandleConnectionLost is called when a peer connection closes
	HandleConnectionLost(nodeID NodeID, err error)
}

// Runtime is the part of the local supervisor the portal talks to from
// outside any actor.
type Runtime interface {
	// Inject queues a message as if a local actor had sent it
	Inject(msg *core.Message) error

	// Lookup finds a locally registered actor
	Lookup(id core.ActorID) (*core.Unit, bool)
}

// Config contains portal configuration
type Config struct {
	// Node configuration
	NodeID   NodeID `yaml:"node_id" json:"node_id"`
	BindAddr string `yaml:"bind_addr" json:"bind_addr"`
	BindPort int    `yaml:"bind_port" json:"bind_port"`

	// Seed peers dialed on start, host:port
	Peers []string `yaml:"peers" json:"peers"`

	// Discovery group joined on start
	Topic string `yaml:"topic" json:"topic"`

	// Write deadline for one frame
	MessageTimeout time.Duration `yaml:"message_timeout" json:"message_timeout"`

	// Dial and handshake timeout
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// Version announced in the handshake and the constraint peers must meet
	ProtocolVersion   string `yaml:"protocol_version" json:"protocol_version"`
	VersionConstraint string `yaml:"version_constraint" json:"version_constraint"`
}

// DefaultConfig returns a default portal configuration
func DefaultConfig() Config {
	return Config{
		BindAddr:          "0.0.0.0",
		BindPort:          7946,
		MessageTimeout:    5 * time.Second,
		DialTimeout:       3 * time.Second,
		ProtocolVersion:   "1.0.0",
		VersionConstraint: "^1.0.0",
	}
}

// TransportStatistics contains transport layer statistics
type TransportStatistics struct {
	FramesSent      uint64 `json:"frames_sent"`
	FramesReceived  uint64 `json:"frames_received"`
	ConnectionsOpen int    `json:"connections_open"`
	Rejected        uint64 `json:"rejected"`
	ErrorCount      uint64 `json:"error_count"`
}

// PortalError represents an error that occurred talking to a peer
type PortalError struct {
	Operation string
	NodeID    NodeID
	Err       error
}

func (e *PortalError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("portal %s failed for node %s: %v", e.Operation, e.NodeID, e.Err)
	}
	return fmt.Sprintf("portal %s failed: %v", e.Operation, e.Err)
}

func (e *PortalError) Unwrap() error {
	return e.Err
}
