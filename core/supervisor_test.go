package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parentProgram creates a child on SPAWN and returns the child's id.
func parentProgram() Behavior {
	return Behavior{
		"SPAWN": func(c *Client, payload any, _ Address) (any, error) {
			var ref string
			if err := DecodePayload(payload, &ref); err != nil {
				return nil, err
			}
			return c.Create(context.Background(), ref)
		},
		"CONTACTS": func(c *Client, _ any, _ Address) (any, error) {
			return c.Contacts(), nil
		},
	}
}

func adderProgram() Behavior {
	return Behavior{
		"ADD": func(_ *Client, payload any, _ Address) (any, error) {
			var n int
			if err := DecodePayload(payload, &n); err != nil {
				return nil, err
			}
			return n + 1, nil
		},
		"FAIL": func(*Client, any, Address) (any, error) {
			return nil, errors.New("boom")
		},
		"STOP": func(c *Client, _ any, _ Address) (any, error) {
			c.Shut()
			return nil, nil
		},
	}
}

func newTestCatalog() *Catalog {
	c := NewCatalog()
	c.MustRegister("parent", "parent", parentProgram)
	c.MustRegister("adder", "adder", adderProgram)
	return c
}

func TestSupervisorCreateScenario(t *testing.T) {
	s := startSupervisor(t, newTestCatalog())
	ctx := testContext(t)

	parent, err := s.Spawn(ctx, "parent")
	require.NoError(t, err)

	result, err := s.Ask(ctx, parent, "SPAWN", "adder")
	require.NoError(t, err)

	var child ActorID
	require.NoError(t, DecodePayload(result, &child))
	assert.True(t, child.Valid())
	assert.Equal(t, "adder", child.Name())

	_, registered := s.Lookup(child)
	assert.True(t, registered)
	assert.ElementsMatch(t, []ActorID{parent, child}, s.Registered())

	contacts, err := s.Ask(ctx, parent, "CONTACTS", nil)
	require.NoError(t, err)
	assert.Contains(t, contacts, child)

	assert.Equal(t, int64(0), s.Stats().PendingCreations)
}

func TestSupervisorRegistersUniqueIDs(t *testing.T) {
	s := startSupervisor(t, newTestCatalog())
	ctx := testContext(t)

	const n = 20
	ids := make(chan ActorID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.Spawn(ctx, "adder")
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[ActorID]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, s.Stats().Registered)
}

func TestSupervisorUnknownProgram(t *testing.T) {
	s := startSupervisor(t, newTestCatalog())
	ctx := testContext(t)

	_, err := s.Spawn(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownProgram)

	parent, err := s.Spawn(ctx, "parent")
	require.NoError(t, err)

	_, err = s.Ask(ctx, parent, "SPAWN", "missing")
	var replyErr *ReplyError
	require.True(t, errors.As(err, &replyErr))
	assert.Contains(t, replyErr.Reason, "unknown program")
}

func TestSupervisorRoundTrip(t *testing.T) {
	catalog := newTestCatalog()
	catalog.MustRegister("caller", "caller", func() Behavior {
		return Behavior{
			"RUN": func(c *Client, payload any, _ Address) (any, error) {
				var target ActorID
				if err := DecodePayload(payload, &target); err != nil {
					return nil, err
				}
				return c.Call(context.Background(), target, "ADD", 2)
			},
		}
	})
	s := startSupervisor(t, catalog)
	ctx := testContext(t)

	adder, err := s.Spawn(ctx, "adder")
	require.NoError(t, err)
	caller, err := s.Spawn(ctx, "caller")
	require.NoError(t, err)

	result, err := s.Ask(ctx, caller, "RUN", adder)
	require.NoError(t, err)
	assert.Equal(t, 3, result)

	_, err = s.Ask(ctx, adder, "FAIL", nil)
	var replyErr *ReplyError
	require.True(t, errors.As(err, &replyErr))
	assert.Equal(t, "boom", replyErr.Reason)
	assert.Equal(t, "FAIL", replyErr.Type)
}

func TestSupervisorFIFOPerSender(t *testing.T) {
	var mu sync.Mutex
	var received []int

	catalog := NewCatalog()
	catalog.MustRegister("sink", "sink", func() Behavior {
		return Behavior{
			"N": func(_ *Client, payload any, _ Address) (any, error) {
				mu.Lock()
				defer mu.Unlock()
				received = append(received, payload.(int))
				return nil, nil
			},
		}
	})
	catalog.MustRegister("burst", "burst", func() Behavior {
		return Behavior{
			"BURST": func(c *Client, payload any, _ Address) (any, error) {
				var sink ActorID
				if err := DecodePayload(payload, &sink); err != nil {
					return nil, err
				}
				for i := 0; i < 200; i++ {
					c.Send(sink, "N", i)
				}
				return nil, nil
			},
		}
	})
	s := startSupervisor(t, catalog)
	ctx := testContext(t)

	sink, err := s.Spawn(ctx, "sink")
	require.NoError(t, err)
	burst, err := s.Spawn(ctx, "burst")
	require.NoError(t, err)

	require.NoError(t, s.Tell(burst, "BURST", sink))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 200
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range received {
		require.Equal(t, i, n)
	}
}

func TestSupervisorMurderIsIdempotent(t *testing.T) {
	s := startSupervisor(t, newTestCatalog())
	ctx := testContext(t)

	id, err := s.Spawn(ctx, "adder")
	require.NoError(t, err)
	u, ok := s.Lookup(id)
	require.True(t, ok)

	require.NoError(t, s.Tell(System, TypeMurder, id))
	require.NoError(t, s.Tell(System, TypeMurder, id))

	require.NoError(t, u.Wait(ctx))
	require.Eventually(t, func() bool { return len(s.Registered()) == 0 }, waitFor, tick)

	// The murdered id no longer resolves; messages to it are dropped.
	dropped := s.Stats().Dropped
	require.NoError(t, s.Tell(id, "ADD", 1))
	require.Eventually(t, func() bool { return s.Stats().Dropped == dropped+1 }, waitFor, tick)
}

func TestSupervisorDeleteDoesNotTerminate(t *testing.T) {
	s := startSupervisor(t, newTestCatalog())
	ctx := testContext(t)

	id, err := s.Spawn(ctx, "adder")
	require.NoError(t, err)
	u, _ := s.Lookup(id)

	require.NoError(t, s.Tell(System, TypeDelete, id))
	require.Eventually(t, func() bool { _, ok := s.Lookup(id); return !ok }, waitFor, tick)
	assert.Equal(t, UnitActive, u.State())
}

func TestSupervisorShut(t *testing.T) {
	s := startSupervisor(t, newTestCatalog())
	ctx := testContext(t)

	id, err := s.Spawn(ctx, "adder")
	require.NoError(t, err)
	u, _ := s.Lookup(id)

	require.NoError(t, s.Tell(id, "STOP", nil))
	require.NoError(t, u.Wait(ctx))
	require.Eventually(t, func() bool { _, ok := s.Lookup(id); return !ok }, waitFor, tick)
	assert.NoError(t, u.Err())
}

func TestSupervisorMissingHandlerDropsToSelf(t *testing.T) {
	s := startSupervisor(t, newTestCatalog())
	ctx := testContext(t)

	id, err := s.Spawn(ctx, "adder")
	require.NoError(t, err)
	u, _ := s.Lookup(id)

	require.NoError(t, s.Tell(id, "NOPE", nil))
	require.Eventually(t, func() bool { return u.Stats().Dropped == 1 }, waitFor, tick)

	result, err := s.Ask(ctx, id, "ADD", 41)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestSupervisorUnknownSystemType(t *testing.T) {
	s := startSupervisor(t, newTestCatalog())

	require.NoError(t, s.Tell(System, "BOGUS", nil))
	require.Eventually(t, func() bool { return s.Stats().Dropped == 1 }, waitFor, tick)
}

// fakePortal accepts SEND only when accept is true.
type fakePortal struct {
	accept bool

	mu       sync.Mutex
	sent     []*Message
	contacts []ActorID
}

func (p *fakePortal) behavior() Behavior {
	return Behavior{
		TypeSend: func(_ *Client, payload any, _ Address) (any, error) {
			var msg Message
			if err := DecodePayload(payload, &msg); err != nil {
				return false, err
			}
			p.mu.Lock()
			p.sent = append(p.sent, &msg)
			p.mu.Unlock()
			return p.accept, nil
		},
		TypeAddContact: func(_ *Client, payload any, _ Address) (any, error) {
			var id ActorID
			if err := DecodePayload(payload, &id); err != nil {
				return nil, err
			}
			p.mu.Lock()
			p.contacts = append(p.contacts, id)
			p.mu.Unlock()
			return nil, nil
		},
	}
}

func (p *fakePortal) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

const ghost ActorID = "ghost@elsewhere"

func portalScenario(t *testing.T, accept bool) (*Supervisor, *fakePortal, ActorID) {
	t.Helper()

	portal := &fakePortal{accept: accept}
	catalog := NewCatalog()
	catalog.MustRegister("portal", "portal", portal.behavior)
	catalog.MustRegister("client", "client", func() Behavior {
		return Behavior{
			"CALL": func(c *Client, _ any, _ Address) (any, error) {
				c.AddContact(ghost)
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer cancel()
				return c.Call(ctx, ghost, "PING", nil)
			},
			"TELL": func(c *Client, _ any, _ Address) (any, error) {
				c.AddContact(ghost)
				c.Send(ghost, "PING", "hello")
				return nil, nil
			},
			"PORTAL?": func(c *Client, _ any, _ Address) (any, error) {
				return c.LookupPortal(context.Background())
			},
		}
	})

	s := startSupervisor(t, catalog)
	ctx := testContext(t)

	portalID, err := s.Spawn(ctx, "portal")
	require.NoError(t, err)
	client, err := s.Spawn(ctx, "client")
	require.NoError(t, err)

	require.NoError(t, s.Tell(System, TypeSetPortal, portalID))
	u, _ := s.Lookup(client)
	require.Eventually(t, func() bool { return u.Portal() == portalID }, waitFor, tick)

	return s, portal, client
}

func TestPortalFallbackDropsAndCallerHangs(t *testing.T) {
	s, portal, client := portalScenario(t, false)
	ctx := testContext(t)

	_, err := s.Ask(ctx, client, "CALL", nil)
	var replyErr *ReplyError
	require.True(t, errors.As(err, &replyErr))
	assert.Contains(t, replyErr.Reason, context.DeadlineExceeded.Error())

	assert.Equal(t, 1, portal.sentCount())
	assert.GreaterOrEqual(t, s.Stats().Dropped, uint64(1))

	portal.mu.Lock()
	assert.Equal(t, []ActorID{ghost}, portal.contacts)
	assert.Equal(t, ghost, portal.sent[0].Address.Target())
	portal.mu.Unlock()
}

func TestPortalAcceptsRemoteSend(t *testing.T) {
	s, portal, client := portalScenario(t, true)
	ctx := testContext(t)

	_, err := s.Ask(ctx, client, "TELL", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, portal.sentCount())
	portal.mu.Lock()
	assert.Equal(t, "hello", portal.sent[0].Payload)
	assert.Equal(t, client, portal.sent[0].Address.From)
	portal.mu.Unlock()
	assert.Equal(t, uint64(0), s.Stats().Dropped)
}

func TestPortalLookup(t *testing.T) {
	s, _, client := portalScenario(t, true)
	ctx := testContext(t)

	result, err := s.Ask(ctx, client, "PORTAL?", nil)
	require.NoError(t, err)
	assert.Equal(t, s.Portal(), result)
}

func TestSupervisorRelaysToRemoteViaPortal(t *testing.T) {
	s, portal, _ := portalScenario(t, true)

	require.NoError(t, s.Tell(System, TypeAddRemote, ghost))
	require.Eventually(t, func() bool { return s.IsRemote(ghost) }, waitFor, tick)

	require.NoError(t, s.Tell(ghost, "PING", nil))
	require.Eventually(t, func() bool { return portal.sentCount() == 1 }, waitFor, tick)
	assert.Equal(t, 1, s.Stats().Remote)
}

func TestSupervisorShutdown(t *testing.T) {
	s := NewSupervisor(newTestCatalog(), WithLogger(quietLogger()))
	require.NoError(t, s.Start(context.Background()))
	ctx := testContext(t)

	var units []*Unit
	for i := 0; i < 5; i++ {
		id, err := s.Spawn(ctx, "adder")
		require.NoError(t, err)
		u, _ := s.Lookup(id)
		units = append(units, u)
	}

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))

	for _, u := range units {
		assert.Equal(t, UnitTerminated, u.State())
	}
	assert.Empty(t, s.Registered())

	_, err := s.Spawn(ctx, "adder")
	assert.ErrorIs(t, err, ErrSupervisorStopped)
	assert.ErrorIs(t, s.Tell(System, TypeGetPortal, nil), ErrSupervisorStopped)
}
