package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Protocol violations. Any of these stops the dispatch loop of the unit
// that observed it.
var (
	ErrMisaddressed      = errors.New("message delivered to the wrong unit")
	ErrNoPendingCallback = errors.New("callback received with no outstanding call")
	ErrUnmatchedCallback = errors.New("callback matches none of the outstanding calls")
)

// Runtime errors
var (
	ErrUnitTerminated       = errors.New("unit terminated")
	ErrMailboxClosed        = errors.New("mailbox closed")
	ErrNoDestination        = errors.New("message has no destination")
	ErrNoPortal             = errors.New("no portal configured")
	ErrUnknownProgram       = errors.New("unknown program")
	ErrRegistrationConflict = errors.New("actor id already registered")
	ErrSupervisorStopped    = errors.New("supervisor stopped")
	ErrInvalidActorID       = errors.New("invalid actor id")
	ErrCreationTimeout      = errors.New("actor did not report LOADED in time")
)

// ReplyError is returned by a call whose callee handler failed.
type ReplyError struct {
	From   ActorID
	Type   string
	Reason string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s failed handling %s: %s", e.From, e.Type, e.Reason)
}
