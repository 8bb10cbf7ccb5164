package core

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

// recordingOutlet stands in for the supervisor in unit tests.
type recordingOutlet struct {
	mu   sync.Mutex
	msgs []*Message
}

func (o *recordingOutlet) submit(_ *Unit, msg *Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
}

func (o *recordingOutlet) find(msgType string) *Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, msg := range o.msgs {
		if msg.Type == msgType {
			return msg
		}
	}
	return nil
}

func (o *recordingOutlet) all(msgType string) []*Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var found []*Message
	for _, msg := range o.msgs {
		if msg.Type == msgType {
			found = append(found, msg)
		}
	}
	return found
}

func (o *recordingOutlet) await(t *testing.T, msgType string) *Message {
	t.Helper()
	var msg *Message
	require.Eventually(t, func() bool {
		msg = o.find(msgType)
		return msg != nil
	}, waitFor, tick, "no %s message emitted", msgType)
	return msg
}

// startUnit runs a unit against a recording outlet and initializes it.
func startUnit(t *testing.T, behavior Behavior) (*Unit, *recordingOutlet) {
	t.Helper()

	out := &recordingOutlet{}
	u := newUnit("test", "test", behavior, out, NewRegistry(), quietLogger(), 0)
	u.start()
	t.Cleanup(func() {
		u.Terminate()
		<-u.Done()
	})

	require.NoError(t, u.Deliver(&Message{Address: Address{From: System}, Type: TypeInit}))
	require.Eventually(t, func() bool { return u.State() == UnitActive }, waitFor, tick)
	return u, out
}

// startSupervisor runs a supervisor for the duration of the test.
func startSupervisor(t *testing.T, catalog *Catalog, opts ...Option) *Supervisor {
	t.Helper()

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s := NewSupervisor(catalog, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}
