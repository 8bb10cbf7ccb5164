package core

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Unit is one isolated execution context running one actor: its function
// table, address book and pending calls, driven by a single goroutine.
type Unit struct {
	program string
	name    string
	table   Behavior

	id     atomic.String
	portal atomic.String

	mailbox *Mailbox
	out     outlet
	dir     Directory
	book    *AddressBook
	client  *Client
	logger  logrus.FieldLogger

	// Calls waiting for a CB, keyed by correlation id
	pendingMu sync.Mutex
	pending   map[string]*pendingCall
	abandoned map[string]struct{}

	// Atomic counters for statistics
	state         atomic.Int32
	shutting      atomic.Bool
	processed     atomic.Uint64
	dropped       atomic.Uint64
	createdAt     time.Time
	lastMessageAt atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

type pendingCall struct {
	signal      *Signal
	correlation string
	target      ActorID
	msgType     string
}

func newUnit(program, name string, behavior Behavior, out outlet, dir Directory, logger logrus.FieldLogger, mailboxHint int) *Unit {
	ctx, cancel := context.WithCancel(context.Background())

	u := &Unit{
		program:   program,
		name:      name,
		mailbox:   NewMailbox(mailboxHint),
		out:       out,
		dir:       dir,
		book:      NewAddressBook(),
		logger:    logger,
		pending:   make(map[string]*pendingCall),
		abandoned: make(map[string]struct{}),
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	u.client = &Client{u: u}
	u.table = u.mergeTable(behavior)
	u.state.Store(int32(UnitSpawned))

	return u
}

// mergeTable layers the actor's handlers over the system set.
func (u *Unit) mergeTable(behavior Behavior) Behavior {
	table := systemBehavior()
	for msgType, handler := range behavior {
		if msgType == TypeInit || IsCallback(msgType) {
			u.logger.WithFields(logrus.Fields{"program": u.program, "type": msgType}).
				Warn("reserved message type cannot be overridden, handler ignored")
			continue
		}
		if handler == nil {
			continue
		}
		table[msgType] = handler
	}
	return table
}

func systemBehavior() Behavior {
	learn := func(c *Client, payload any, _ Address) (any, error) {
		var id ActorID
		if err := DecodePayload(payload, &id); err != nil {
			return nil, err
		}
		c.u.book.Add(id)
		return nil, nil
	}

	return Behavior{
		TypeRegister:   learn,
		TypeAddContact: learn,
		TypePortal: func(c *Client, payload any, _ Address) (any, error) {
			var id ActorID
			if err := DecodePayload(payload, &id); err != nil {
				return nil, err
			}
			c.u.portal.Store(string(id))
			return nil, nil
		},
		TypeShut: func(c *Client, _ any, _ Address) (any, error) {
			c.Shut()
			return nil, nil
		},
	}
}

// ID returns the actor id, or "" before INIT.
func (u *Unit) ID() ActorID {
	return ActorID(u.id.Load())
}

// Program returns the program reference the unit was spawned from.
func (u *Unit) Program() string {
	return u.program
}

// State returns the current lifecycle state.
func (u *Unit) State() UnitState {
	return UnitState(u.state.Load())
}

// Err returns the protocol violation that stopped the unit, if any.
func (u *Unit) Err() error {
	u.errMu.Lock()
	defer u.errMu.Unlock()
	return u.err
}

// Done is closed when the dispatch loop has exited.
func (u *Unit) Done() <-chan struct{} {
	return u.done
}

// Contacts returns the unit's address book.
func (u *Unit) Contacts() []ActorID {
	return u.book.List()
}

// Portal returns the portal id this unit routes through, or "".
func (u *Unit) Portal() ActorID {
	return ActorID(u.portal.Load())
}

// Stats returns current runtime statistics for this unit.
func (u *Unit) Stats() UnitStats {
	var lastMessageAt time.Time
	if last := u.lastMessageAt.Load(); last > 0 {
		lastMessageAt = time.Unix(0, last)
	}

	u.pendingMu.Lock()
	pending := len(u.pending)
	u.pendingMu.Unlock()

	return UnitStats{
		ID:            u.ID(),
		Program:       u.program,
		State:         u.State(),
		Processed:     u.processed.Load(),
		Dropped:       u.dropped.Load(),
		Pending:       pending,
		MailboxSize:   u.mailbox.Len(),
		CreatedAt:     u.createdAt,
		LastMessageAt: lastMessageAt,
	}
}

// Deliver hands msg to the unit. Replies resolve the matching pending call
// immediately, so a handler blocked in a call can be woken; everything else
// is queued for the dispatch loop.
func (u *Unit) Deliver(msg *Message) error {
	if u.State() == UnitTerminated {
		return ErrUnitTerminated
	}

	if IsCallback(msg.Type) {
		if target := msg.Address.Target(); target != u.ID() {
			err := errors.Wrapf(ErrMisaddressed, "%s for %q delivered to %s", msg.Type, target, u.ID())
			u.fail(err)
			return err
		}
		if err := u.resolveCallback(msg); err != nil {
			u.fail(err)
			return err
		}
		return nil
	}

	return u.mailbox.Enqueue(msg)
}

// Terminate stops the unit after the running handler, if any, returns.
func (u *Unit) Terminate() {
	u.cancel()
}

// Wait blocks until the dispatch loop has exited or ctx ends.
func (u *Unit) Wait(ctx context.Context) error {
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Unit) start() {
	go u.run()
}

// run is the dispatch loop.
func (u *Unit) run() {
	defer u.finish()

	for {
		for msg := u.mailbox.Dequeue(); msg != nil; msg = u.mailbox.Dequeue() {
			if err := u.dispatch(msg); err != nil {
				u.fail(err)
				return
			}
			if u.shutting.Load() || u.ctx.Err() != nil {
				return
			}
		}

		select {
		case <-u.mailbox.Ready():
		case <-u.ctx.Done():
			return
		}
	}
}

// dispatch runs the handler for one message. A non-nil error is a protocol
// violation and ends the loop.
func (u *Unit) dispatch(msg *Message) error {
	if msg.Type == TypeInit {
		return u.activate(msg)
	}
	if u.State() != UnitActive {
		return errors.Wrapf(ErrMisaddressed, "%s received before INIT", msg.Type)
	}
	if target := msg.Address.Target(); target != u.ID() {
		return errors.Wrapf(ErrMisaddressed, "%s for %q delivered to %s", msg.Type, target, u.ID())
	}

	u.lastMessageAt.Store(time.Now().UnixNano())

	handler, ok := u.table[msg.Type]
	if !ok {
		u.dropped.Inc()
		u.log().WithFields(logrus.Fields{"from": msg.Address.From, "type": msg.Type}).
			Debug("no handler registered, message dropped")
		return nil
	}
	u.processed.Inc()

	result, err := u.invoke(handler, msg)
	if msg.Correlation != "" {
		u.reply(msg, result, err)
		return nil
	}
	if err != nil {
		u.log().WithError(err).WithFields(logrus.Fields{"from": msg.Address.From, "type": msg.Type}).
			Warn("handler failed")
	}
	return nil
}

// activate moves the unit from Spawned to Active.
func (u *Unit) activate(msg *Message) error {
	if len(msg.Address.To) != 0 {
		return errors.Wrap(ErrMisaddressed, "INIT must not carry a destination")
	}
	if u.State() != UnitSpawned {
		return errors.Wrapf(ErrMisaddressed, "INIT received by %s unit %s", u.State(), u.ID())
	}

	id := NewActorID(u.name)
	u.id.Store(string(id))

	var portal ActorID
	if err := DecodePayload(msg.Payload, &portal); err == nil && portal != "" {
		u.portal.Store(string(portal))
	}

	u.state.Store(int32(UnitActive))
	u.out.submit(u, &Message{Address: NewAddress(id, System), Type: TypeLoaded, Payload: id})
	u.log().Debug("actor loaded")

	if handler, ok := u.table[TypeCustomInit]; ok {
		custom := &Message{Address: NewAddress(System, id), Type: TypeCustomInit}
		if _, err := u.invoke(handler, custom); err != nil {
			u.log().WithError(err).Warn("custom init failed")
		}
	}
	return nil
}

func (u *Unit) invoke(handler HandlerFunc, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler for %s panicked: %v", msg.Type, r)
		}
	}()
	return handler(u.client, msg.Payload, msg.Address)
}

// reply answers a call with the handler's result.
func (u *Unit) reply(msg *Message, result any, err error) {
	resp := &Message{
		Address:     NewAddress(u.ID(), msg.Address.From),
		Type:        CallbackType(msg.Correlation),
		Payload:     result,
		Correlation: msg.Correlation,
	}
	if err != nil {
		resp.Payload = nil
		resp.Error = err.Error()
	}
	u.route(context.Background(), resp)
}

// resolveCallback wakes the call a CB message answers. The CB suffix picks
// the call; a lone outstanding call takes any CB.
func (u *Unit) resolveCallback(msg *Message) error {
	key := callbackKey(msg.Type)
	if key == "" {
		key = msg.Correlation
	}

	u.pendingMu.Lock()
	call, ok := u.pending[key]
	if !ok {
		if _, late := u.abandoned[key]; late && key != "" {
			delete(u.abandoned, key)
			u.pendingMu.Unlock()
			u.log().WithField("from", msg.Address.From).Debug("reply arrived after the caller gave up, dropped")
			return nil
		}
		switch len(u.pending) {
		case 0:
			u.pendingMu.Unlock()
			return errors.Wrapf(ErrNoPendingCallback, "%s from %s", msg.Type, msg.Address.From)
		case 1:
			for k, c := range u.pending {
				key, call = k, c
			}
		default:
			u.pendingMu.Unlock()
			return errors.Wrapf(ErrUnmatchedCallback, "%s from %s", msg.Type, msg.Address.From)
		}
	}
	delete(u.pending, key)
	u.pendingMu.Unlock()

	if msg.Error != "" {
		call.signal.Fail(&ReplyError{From: msg.Address.From, Type: call.msgType, Reason: msg.Error})
		return nil
	}
	call.signal.Trigger(msg.Payload)
	return nil
}

// fail records a protocol violation and stops the loop.
func (u *Unit) fail(err error) {
	u.errMu.Lock()
	if u.err == nil {
		u.err = err
	}
	u.errMu.Unlock()

	u.log().WithError(err).Error("protocol violation, stopping actor")
	u.cancel()
}

// finish runs once when the loop exits.
func (u *Unit) finish() {
	u.state.Store(int32(UnitTerminated))
	u.cancel()

	if n := u.mailbox.Close(); n > 0 {
		u.log().WithField("discarded", n).Debug("mailbox closed with queued messages")
	}

	u.pendingMu.Lock()
	for key, call := range u.pending {
		call.signal.Fail(ErrUnitTerminated)
		delete(u.pending, key)
	}
	u.pendingMu.Unlock()

	id := u.ID()
	u.out.submit(u, &Message{Address: NewAddress(id, System), Type: TypeDelete, Payload: id})
	close(u.done)
}

func (u *Unit) log() *logrus.Entry {
	return u.logger.WithFields(logrus.Fields{"actor": u.ID(), "program": u.program})
}
