package core

// HandlerFunc handles one message type for an actor.
//
// The returned value is sent back to the caller when the message was a
// call; it is ignored for fire-and-forget messages.
type HandlerFunc func(c *Client, payload any, addr Address) (any, error)

// Behavior is an actor's function table: message type to handler.
//
// A behavior may declare CUSTOMINIT, which runs once right after the actor
// receives its id. INIT and CB are reserved and cannot be overridden.
type Behavior map[string]HandlerFunc

// Spawner is the host primitive that turns a program reference into a
// runnable behavior.
type Spawner interface {
	// Spawn returns the logical name and a fresh function table for ref.
	Spawn(ref string) (name string, behavior Behavior, err error)
}

// Directory answers routing questions about destinations.
type Directory interface {
	// IsLocal reports whether id is registered in this process.
	IsLocal(id ActorID) bool

	// IsRemote reports whether id is known to live behind the portal.
	IsRemote(id ActorID) bool
}

// outlet receives every message a unit emits.
type outlet interface {
	submit(from *Unit, msg *Message)
}
