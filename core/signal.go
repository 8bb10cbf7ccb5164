package core

import (
	"context"
	"sync"
)

// Signal is a single-use rendezvous: it is created empty, resolved once,
// and hands the resolved value to whoever waits on it.
//
// Resolving is idempotent and safe from any goroutine; only the first
// Trigger or Fail has an effect.
type Signal struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewSignal returns an unresolved Signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Trigger resolves the signal with v. It reports whether this call
// resolved it.
func (s *Signal) Trigger(v any) bool {
	return s.resolve(v, nil)
}

// Fail resolves the signal with an error.
func (s *Signal) Fail(err error) bool {
	return s.resolve(nil, err)
}

func (s *Signal) resolve(v any, err error) (resolved bool) {
	s.once.Do(func() {
		s.value, s.err = v, err
		close(s.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the signal is resolved.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Triggered reports whether the signal has been resolved, without blocking.
func (s *Signal) Triggered() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Result returns the resolved value. Call it only after Done is closed.
func (s *Signal) Result() (any, error) {
	return s.value, s.err
}

// Wait blocks until the signal is resolved or ctx ends. A context without
// a deadline waits forever.
func (s *Signal) Wait(ctx context.Context) (any, error) {
	select {
	case <-s.done:
		return s.value, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
