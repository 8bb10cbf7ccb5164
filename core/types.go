package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActorID uniquely identifies one actor for its lifetime.
// The format is <logicalName>@<token>.
type ActorID string

// System addresses the Supervisor. It can never collide with an ActorID
// because it carries no token separator.
const System ActorID = "$system"

const idSeparator = "@"

// NewActorID returns a fresh id for an actor with the given logical name.
func NewActorID(name string) ActorID {
	return ActorID(name + idSeparator + uuid.NewString())
}

// Name returns the logical name part of the id.
func (id ActorID) Name() string {
	name, _, _ := strings.Cut(string(id), idSeparator)
	return name
}

// Valid reports whether id has the <logicalName>@<token> shape.
func (id ActorID) Valid() bool {
	name, token, ok := strings.Cut(string(id), idSeparator)
	return ok && validName(name) && token != ""
}

// String returns the id as a plain string.
func (id ActorID) String() string {
	return string(id)
}

func validName(name string) bool {
	return name != "" && !strings.HasPrefix(name, "$") && !strings.Contains(name, idSeparator)
}

// Address carries the sender and the destination(s) of a message.
// To is empty only for INIT; more than one entry requests a fan-out.
type Address struct {
	From ActorID   `json:"from"`
	To   []ActorID `json:"to,omitempty"`
}

// NewAddress builds an address from one sender to any number of receivers.
func NewAddress(from ActorID, to ...ActorID) Address {
	return Address{From: from, To: to}
}

// Target returns the single destination, or "" when there is none or the
// address is a fan-out.
func (a Address) Target() ActorID {
	if len(a.To) != 1 {
		return ""
	}
	return a.To[0]
}

// IsFanout reports whether the address names more than one destination.
func (a Address) IsFanout() bool {
	return len(a.To) > 1
}

// Message is the unit of communication between actors.
type Message struct {
	Address Address `json:"address"`
	Type    string  `json:"type"`
	Payload any     `json:"payload,omitempty"`

	// Correlation is set when the sender waits for a reply. The reply
	// travels back as CB:<Correlation>.
	Correlation string `json:"correlation,omitempty"`

	// Error carries a handler failure back to the caller on CB messages.
	Error string `json:"error,omitempty"`

	origin *Unit
	reply  *Signal
}

// UnmarshalJSON keeps the payload as raw JSON so the receiving handler can
// decode it into its own type with DecodePayload.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := &struct {
		Payload json.RawMessage `json:"payload,omitempty"`
		*alias
	}{
		alias: (*alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	m.Payload = nil
	if len(aux.Payload) > 0 && string(aux.Payload) != "null" {
		m.Payload = aux.Payload
	}
	return nil
}

// Reserved message types.
const (
	// Supervisor protocol.
	TypeInit      = "INIT"
	TypeLoaded    = "LOADED"
	TypeCreate    = "CREATE"
	TypeRegister  = "REGISTER"
	TypeDelete    = "DELETE"
	TypeMurder    = "MURDER"
	TypeAddRemote = "ADDREMOTE"
	TypeGetPortal = "GETPORTAL"
	TypeSetPortal = "SETPORTAL"
	TypePortal    = "PORTAL"

	// Unit protocol.
	TypeCustomInit = "CUSTOMINIT"
	TypeCallback   = "CB"
	TypeShut       = "SHUT"
	TypeAddContact = "ADDCONTACT"

	// Portal protocol.
	TypeSetTopic  = "SET_TOPIC"
	TypeSend      = "SEND"
	TypeCreateDoc = "CREATEDOC"
)

// internal supervisor message, never routed to a unit
const typeCreationExpired = "$EXPIRED"

// IsCallback reports whether t is a reply type (CB or any CB-prefixed type).
func IsCallback(t string) bool {
	return strings.HasPrefix(t, TypeCallback)
}

// CallbackType returns the reply type for a correlation id.
func CallbackType(correlation string) string {
	if correlation == "" {
		return TypeCallback
	}
	return TypeCallback + ":" + correlation
}

// callbackKey strips the CB prefix and returns the correlation suffix.
func callbackKey(t string) string {
	key := strings.TrimPrefix(t, TypeCallback)
	return strings.TrimPrefix(key, ":")
}

// UnitState is the lifecycle state of a Unit.
type UnitState int32

const (
	// UnitSpawned means the unit is running but has not processed INIT.
	UnitSpawned UnitState = iota

	// UnitActive means the unit has an id and dispatches messages.
	UnitActive

	// UnitTerminated means the dispatch loop has exited.
	UnitTerminated
)

// String returns the string representation of UnitState.
func (s UnitState) String() string {
	switch s {
	case UnitSpawned:
		return "spawned"
	case UnitActive:
		return "active"
	case UnitTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// UnitStats contains runtime statistics for a Unit.
type UnitStats struct {
	ID      ActorID
	Program string
	State   UnitState

	// Messages handed to a handler
	Processed uint64

	// Messages dropped because no handler was registered
	Dropped uint64

	// Calls waiting for a reply
	Pending int

	MailboxSize   int
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// SupervisorStats contains runtime statistics for a Supervisor.
type SupervisorStats struct {
	Registered       int
	PendingCreations int64
	Remote           int
	Routed           uint64
	Dropped          uint64
	Portal           ActorID
}
