package core

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Client is the API an actor's handlers use to talk to the runtime.
//
// A Client belongs to one unit and must only be used from that unit's
// handlers.
type Client struct {
	u *Unit
}

// Self returns the actor's own id.
func (c *Client) Self() ActorID {
	return c.u.ID()
}

// Portal returns the portal id the actor routes through, or "".
func (c *Client) Portal() ActorID {
	return c.u.Portal()
}

// Logger returns a logger tagged with the actor id.
func (c *Client) Logger() logrus.FieldLogger {
	return c.u.log()
}

// PostMessage sends msg to every destination in msg.Address.To.
//
// Without expectReply the call returns as soon as the message is routed.
// With expectReply it waits for the reply and returns its payload; for a
// fan-out the replies come back as a []any in destination order. The wait
// only ends early when ctx does, so pass a context with a deadline to bound
// it.
func (c *Client) PostMessage(ctx context.Context, msg Message, expectReply bool) (any, error) {
	u := c.u
	if u.State() != UnitActive {
		return nil, errors.Wrapf(ErrUnitTerminated, "post %s from %s unit", msg.Type, u.State())
	}
	if len(msg.Address.To) == 0 {
		return nil, errors.Wrapf(ErrNoDestination, "post %s", msg.Type)
	}
	if msg.Address.From == "" {
		msg.Address.From = u.ID()
	}

	targets := msg.Address.To
	copies := make([]*Message, len(targets))
	for i, to := range targets {
		m := msg
		m.Address = NewAddress(msg.Address.From, to)
		copies[i] = &m
	}

	if !expectReply {
		for _, m := range copies {
			u.route(ctx, m)
		}
		return nil, nil
	}

	calls := make([]*pendingCall, len(copies))
	for i, m := range copies {
		calls[i] = u.request(ctx, m)
	}

	if len(calls) == 1 {
		return u.await(ctx, calls[0])
	}

	results := make([]any, len(calls))
	for i, call := range calls {
		v, err := u.await(ctx, call)
		if err != nil {
			for _, rest := range calls[i+1:] {
				u.abandon(rest)
			}
			return results, errors.Wrapf(err, "fan-out reply from %s", call.target)
		}
		results[i] = v
	}
	return results, nil
}

// Send posts a fire-and-forget message.
func (c *Client) Send(to ActorID, msgType string, payload any) {
	msg := Message{Address: NewAddress(c.Self(), to), Type: msgType, Payload: payload}
	if _, err := c.PostMessage(context.Background(), msg, false); err != nil {
		c.u.log().WithError(err).WithField("to", to).Warn("send failed")
	}
}

// Broadcast posts one fire-and-forget copy of a message to each destination.
func (c *Client) Broadcast(msgType string, payload any, to ...ActorID) {
	if len(to) == 0 {
		return
	}
	msg := Message{Address: NewAddress(c.Self(), to...), Type: msgType, Payload: payload}
	if _, err := c.PostMessage(context.Background(), msg, false); err != nil {
		c.u.log().WithError(err).Warn("broadcast failed")
	}
}

// Call sends a message and waits for the reply payload.
func (c *Client) Call(ctx context.Context, to ActorID, msgType string, payload any) (any, error) {
	msg := Message{Address: NewAddress(c.Self(), to), Type: msgType, Payload: payload}
	return c.PostMessage(ctx, msg, true)
}

// Create asks the supervisor to spawn program ref and returns the new
// actor's id once it has registered. The id is added to the address book.
func (c *Client) Create(ctx context.Context, ref string) (ActorID, error) {
	result, err := c.Call(ctx, System, TypeCreate, ref)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", ref)
	}

	var id ActorID
	if err := DecodePayload(result, &id); err != nil {
		return "", errors.Wrapf(err, "create %s", ref)
	}
	c.u.book.Add(id)
	return id, nil
}

// LookupPortal asks the supervisor for the current portal and caches it.
func (c *Client) LookupPortal(ctx context.Context) (ActorID, error) {
	result, err := c.Call(ctx, System, TypeGetPortal, nil)
	if err != nil {
		return "", errors.Wrap(err, "lookup portal")
	}

	var id ActorID
	if err := DecodePayload(result, &id); err != nil {
		return "", errors.Wrap(err, "lookup portal")
	}
	c.u.portal.Store(string(id))
	return id, nil
}

// AddContact records id in the address book and, when a portal exists,
// announces it there.
func (c *Client) AddContact(id ActorID) {
	c.u.book.Add(id)
	if portal := c.Portal(); portal != "" && portal != c.Self() {
		c.Send(portal, TypeAddContact, id)
	}
}

// Announce publishes the actor's own id through the portal.
func (c *Client) Announce() error {
	portal := c.Portal()
	if portal == "" {
		return ErrNoPortal
	}
	c.Send(portal, TypeAddContact, c.Self())
	return nil
}

// RemoveContact forgets id.
func (c *Client) RemoveContact(id ActorID) {
	c.u.book.Remove(id)
}

// Knows reports whether id is in the address book.
func (c *Client) Knows(id ActorID) bool {
	return c.u.book.Has(id)
}

// Contacts returns the address book.
func (c *Client) Contacts() []ActorID {
	return c.u.book.List()
}

// JoinTopic asks the portal to join a discovery group.
func (c *Client) JoinTopic(topic string) error {
	portal := c.Portal()
	if portal == "" {
		return ErrNoPortal
	}
	c.Send(portal, TypeSetTopic, topic)
	return nil
}

// Shut terminates the actor once the running handler returns.
func (c *Client) Shut() {
	c.u.shutting.Store(true)
}

// request registers a pending call for msg and routes it.
func (u *Unit) request(ctx context.Context, msg *Message) *pendingCall {
	call := &pendingCall{
		signal:      NewSignal(),
		correlation: uuid.NewString(),
		target:      msg.Address.Target(),
		msgType:     msg.Type,
	}
	msg.Correlation = call.correlation

	u.pendingMu.Lock()
	u.pending[call.correlation] = call
	u.pendingMu.Unlock()

	u.route(ctx, msg)
	return call
}

// await blocks until call is answered, ctx ends or the unit terminates.
func (u *Unit) await(ctx context.Context, call *pendingCall) (any, error) {
	select {
	case <-call.signal.Done():
		return call.signal.Result()
	case <-ctx.Done():
		if call.signal.Triggered() {
			return call.signal.Result()
		}
		u.abandon(call)
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s reply from %s", call.msgType, call.target)
	case <-u.ctx.Done():
		u.abandon(call)
		return nil, errors.Wrapf(ErrUnitTerminated, "waiting for %s reply from %s", call.msgType, call.target)
	}
}

// abandon stops waiting for call; a late reply is dropped instead of being
// treated as a protocol violation.
func (u *Unit) abandon(call *pendingCall) {
	u.pendingMu.Lock()
	defer u.pendingMu.Unlock()

	if _, waiting := u.pending[call.correlation]; waiting {
		delete(u.pending, call.correlation)
		u.abandoned[call.correlation] = struct{}{}
	}
}
