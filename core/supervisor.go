package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Options configures a Supervisor.
type Options struct {
	Logger logrus.FieldLogger

	// CreationTimeout bounds how long a spawned unit may take to report
	// LOADED. Zero waits forever.
	CreationTimeout time.Duration

	// MailboxHint pre-sizes every mailbox.
	MailboxHint int
}

// Option modifies Options.
type Option func(*Options)

// WithLogger sets the logger used by the supervisor and its units.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithCreationTimeout sets Options.CreationTimeout.
func WithCreationTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.CreationTimeout = d
	}
}

// WithMailboxHint sets Options.MailboxHint.
func WithMailboxHint(n int) Option {
	return func(o *Options) {
		o.MailboxHint = n
	}
}

// creation tracks one spawned unit until it reports LOADED.
type creation struct {
	ref     string
	request *Message
	timer   *time.Timer
}

// Supervisor is the process-wide registry and router. All messages emitted
// by its units pass through its single loop, which handles system messages
// and forwards everything else to the destination mailbox.
type Supervisor struct {
	spawner  Spawner
	registry *Registry
	inbox    *Mailbox
	opts     Options
	logger   logrus.FieldLogger

	portal atomic.String

	// Owned by the loop goroutine
	creations map[*Unit]*creation

	// Every unit spawned and not yet exited
	liveMu sync.Mutex
	live   map[*Unit]struct{}

	// Calls made through Ask, keyed by correlation id
	asksMu sync.Mutex
	asks   map[string]*Signal

	pendingCreations atomic.Int64
	routed           atomic.Uint64
	dropped          atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSupervisor creates a supervisor that spawns programs through spawner.
func NewSupervisor(spawner Spawner, opts ...Option) *Supervisor {
	o := Options{Logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		spawner:   spawner,
		registry:  NewRegistry(),
		inbox:     NewMailbox(o.MailboxHint),
		opts:      o,
		logger:    o.Logger.WithField("actor", System),
		creations: make(map[*Unit]*creation),
		live:      make(map[*Unit]struct{}),
		asks:      make(map[string]*Signal),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start runs the supervisor loop until Shutdown is called or ctx ends.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrSupervisorStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor already started")
	}

	go s.loop(ctx)
	s.logger.Debug("supervisor started")
	return nil
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)

	for {
		for msg := s.inbox.Dequeue(); msg != nil; msg = s.inbox.Dequeue() {
			s.handle(msg)
		}

		select {
		case <-s.inbox.Ready():
		case <-s.ctx.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// submit implements outlet.
func (s *Supervisor) submit(from *Unit, msg *Message) {
	msg.origin = from
	if err := s.inbox.Enqueue(msg); err != nil {
		s.logger.WithFields(logrus.Fields{"from": msg.Address.From, "type": msg.Type}).
			Debug("supervisor stopped, message discarded")
	}
}

func (s *Supervisor) handle(msg *Message) {
	if msg.Type == typeCreationExpired {
		s.expire(msg.origin)
		return
	}

	if msg.Address.IsFanout() {
		for _, to := range msg.Address.To {
			m := *msg
			m.Address = NewAddress(msg.Address.From, to)
			s.handle(&m)
		}
		return
	}

	if msg.Address.Target() == System {
		s.handleSystem(msg)
		return
	}
	s.forward(msg)
}

// forward delivers msg to its local destination. Destinations known to be
// remote are relayed to the portal; anything else is dropped.
func (s *Supervisor) forward(msg *Message) {
	to := msg.Address.Target()

	if u, ok := s.registry.Lookup(to); ok {
		if err := u.Deliver(msg); err != nil {
			s.drop(msg, err)
			return
		}
		s.routed.Inc()
		return
	}

	if portal := s.Portal(); portal != "" && s.registry.IsRemote(to) {
		if u, ok := s.registry.Lookup(portal); ok {
			relay := &Message{Address: NewAddress(System, portal), Type: TypeSend, Payload: msg}
			if err := u.Deliver(relay); err == nil {
				s.routed.Inc()
				return
			}
		}
	}

	s.drop(msg, nil)
}

func (s *Supervisor) drop(msg *Message, err error) {
	s.dropped.Inc()
	entry := s.logger.WithFields(logrus.Fields{
		"from": msg.Address.From,
		"to":   msg.Address.Target(),
		"type": msg.Type,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("no target worker found, message dropped")
}

func (s *Supervisor) handleSystem(msg *Message) {
	if IsCallback(msg.Type) {
		s.resolveAsk(msg)
		return
	}

	switch msg.Type {
	case TypeCreate:
		var ref string
		if err := DecodePayload(msg.Payload, &ref); err != nil || ref == "" {
			s.respond(msg, nil, errors.Errorf("CREATE needs a program reference, got %v", msg.Payload))
			return
		}
		s.spawn(ref, msg)
		return

	case TypeLoaded:
		s.loaded(msg)
		return

	case TypeDelete:
		s.delete(msg)

	case TypeMurder:
		var id ActorID
		if err := DecodePayload(msg.Payload, &id); err == nil {
			s.murder(id)
		}

	case TypeAddRemote:
		var id ActorID
		if err := DecodePayload(msg.Payload, &id); err == nil && id != "" {
			if s.registry.AddRemote(id) {
				s.logger.WithField("to", id).Debug("remote actor recorded")
			}
		}

	case TypeGetPortal:
		s.respond(msg, s.Portal(), nil)
		return

	case TypeSetPortal:
		var id ActorID
		if err := DecodePayload(msg.Payload, &id); err == nil {
			s.setPortal(id)
		}

	default:
		s.dropped.Inc()
		s.logger.WithFields(logrus.Fields{"from": msg.Address.From, "type": msg.Type}).
			Warn("unknown system message type, dropped")
		return
	}

	if msg.Correlation != "" || msg.reply != nil {
		s.respond(msg, nil, nil)
	}
}

// respond answers a system call.
func (s *Supervisor) respond(req *Message, payload any, err error) {
	if req.reply != nil {
		if err != nil {
			req.reply.Fail(err)
		} else {
			req.reply.Trigger(payload)
		}
		return
	}

	to := req.Address.From
	if to == "" || to == System {
		if err != nil {
			s.logger.WithError(err).WithField("type", req.Type).Warn("system request failed")
		}
		return
	}

	if req.Correlation == "" {
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"to": to, "type": req.Type}).
				Warn("system request failed")
		}
		return
	}

	resp := &Message{
		Address:     NewAddress(System, to),
		Type:        CallbackType(req.Correlation),
		Payload:     payload,
		Correlation: req.Correlation,
	}
	if err != nil {
		resp.Payload = nil
		resp.Error = err.Error()
	}
	s.forward(resp)
}

func (s *Supervisor) spawn(ref string, req *Message) {
	name, behavior, err := s.spawner.Spawn(ref)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"from": req.Address.From, "program": ref}).
			Warn("spawn failed")
		s.respond(req, nil, err)
		return
	}

	u := newUnit(ref, name, behavior, s, s.registry, s.opts.Logger, s.opts.MailboxHint)

	c := &creation{ref: ref, request: req}
	s.creations[u] = c
	s.pendingCreations.Inc()

	s.liveMu.Lock()
	s.live[u] = struct{}{}
	s.liveMu.Unlock()

	if d := s.opts.CreationTimeout; d > 0 {
		c.timer = time.AfterFunc(d, func() {
			s.submit(u, &Message{Address: NewAddress("", System), Type: typeCreationExpired})
		})
	}

	u.start()
	if err := u.Deliver(&Message{Address: Address{From: System}, Type: TypeInit, Payload: s.Portal()}); err != nil {
		s.logger.WithError(err).WithField("program", ref).Error("failed to initialize actor")
	}
}

// loaded completes the creation of the unit that sent msg.
func (s *Supervisor) loaded(msg *Message) {
	u := msg.origin
	c, ok := s.creations[u]
	if !ok {
		s.logger.WithField("from", msg.Address.From).Warn("LOADED from an actor with no pending creation, ignored")
		return
	}
	s.settle(u, c)

	var id ActorID
	if err := DecodePayload(msg.Payload, &id); err != nil || id != u.ID() {
		s.logger.WithFields(logrus.Fields{"from": msg.Address.From, "program": c.ref}).
			Error("LOADED carries a foreign id, actor terminated")
		u.Terminate()
		return
	}

	if err := s.registry.Register(id, u); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"actor": id, "program": c.ref}).
			Error("actor registration failed, actor terminated")
		u.Terminate()
		return
	}

	s.logger.WithFields(logrus.Fields{"to": id, "program": c.ref}).Debug("actor registered")

	req := c.request
	if req.reply != nil || req.Correlation != "" {
		s.respond(req, id, nil)
		return
	}
	if from := req.Address.From; from != "" && from != System {
		s.forward(&Message{Address: NewAddress(System, from), Type: TypeRegister, Payload: id})
	}
}

// expire abandons a creation that took longer than the creation timeout.
func (s *Supervisor) expire(u *Unit) {
	c, ok := s.creations[u]
	if !ok {
		return
	}
	s.settle(u, c)
	u.Terminate()

	s.logger.WithFields(logrus.Fields{"program": c.ref, "from": c.request.Address.From}).
		Warn("actor creation timed out")
	s.respond(c.request, nil, errors.Wrapf(ErrCreationTimeout, "create %s", c.ref))
}

func (s *Supervisor) settle(u *Unit, c *creation) {
	delete(s.creations, u)
	s.pendingCreations.Dec()
	if c.timer != nil {
		c.timer.Stop()
	}
}

// delete handles DELETE. A terminated unit announcing its own exit is
// removed only if it still owns the id.
func (s *Supervisor) delete(msg *Message) {
	var id ActorID
	_ = DecodePayload(msg.Payload, &id)

	u := msg.origin
	if u == nil || u.State() != UnitTerminated {
		if id != "" {
			s.registry.Unregister(id)
		}
		return
	}

	if id != "" {
		s.registry.unregisterUnit(id, u)
	}

	s.liveMu.Lock()
	delete(s.live, u)
	s.liveMu.Unlock()

	if c, ok := s.creations[u]; ok {
		s.settle(u, c)
		err := u.Err()
		if err == nil {
			err = ErrUnitTerminated
		}
		s.respond(c.request, nil, errors.Wrapf(err, "create %s", c.ref))
	}
}

// murder terminates and unregisters id. Unknown ids are ignored.
func (s *Supervisor) murder(id ActorID) {
	u, ok := s.registry.Unregister(id)
	if !ok {
		return
	}
	u.Terminate()
	s.logger.WithField("to", id).Debug("actor murdered")
}

// setPortal designates the portal and pushes its id to every actor.
func (s *Supervisor) setPortal(id ActorID) {
	s.portal.Store(string(id))
	s.logger.WithField("to", id).Info("portal set")

	for _, target := range s.registry.List() {
		if target == id {
			continue
		}
		s.forward(&Message{Address: NewAddress(System, target), Type: TypePortal, Payload: id})
	}
}

func (s *Supervisor) resolveAsk(msg *Message) {
	key := callbackKey(msg.Type)
	if key == "" {
		key = msg.Correlation
	}

	s.asksMu.Lock()
	sig, ok := s.asks[key]
	delete(s.asks, key)
	s.asksMu.Unlock()

	if !ok {
		s.logger.WithFields(logrus.Fields{"from": msg.Address.From, "type": msg.Type}).
			Debug("reply with no waiting caller, dropped")
		return
	}
	if msg.Error != "" {
		sig.Fail(&ReplyError{From: msg.Address.From, Reason: msg.Error})
		return
	}
	sig.Trigger(msg.Payload)
}

// Spawn creates an actor from outside the runtime and returns its id once
// it has registered. It follows the same path as a CREATE message.
func (s *Supervisor) Spawn(ctx context.Context, ref string) (ActorID, error) {
	if s.stopped.Load() {
		return "", ErrSupervisorStopped
	}

	sig := NewSignal()
	req := &Message{Address: NewAddress(System, System), Type: TypeCreate, Payload: ref, reply: sig}
	if err := s.inbox.Enqueue(req); err != nil {
		return "", errors.Wrap(ErrSupervisorStopped, err.Error())
	}

	result, err := sig.Wait(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "spawn %s", ref)
	}

	var id ActorID
	if err := DecodePayload(result, &id); err != nil {
		return "", errors.Wrapf(err, "spawn %s", ref)
	}
	return id, nil
}

// Ask sends a message to an actor from outside the runtime and waits for
// the handler's result.
func (s *Supervisor) Ask(ctx context.Context, to ActorID, msgType string, payload any) (any, error) {
	corr := uuid.NewString()
	sig := NewSignal()

	s.asksMu.Lock()
	s.asks[corr] = sig
	s.asksMu.Unlock()

	msg := &Message{Address: NewAddress(System, to), Type: msgType, Payload: payload, Correlation: corr}
	if err := s.Inject(msg); err != nil {
		s.forgetAsk(corr)
		return nil, err
	}

	result, err := sig.Wait(ctx)
	if err != nil {
		s.forgetAsk(corr)
		var replyErr *ReplyError
		if errors.As(err, &replyErr) {
			replyErr.Type = msgType
			return nil, replyErr
		}
		return nil, errors.Wrapf(err, "ask %s %s", to, msgType)
	}
	return result, nil
}

func (s *Supervisor) forgetAsk(corr string) {
	s.asksMu.Lock()
	delete(s.asks, corr)
	s.asksMu.Unlock()
}

// Tell sends a fire-and-forget message from outside the runtime.
func (s *Supervisor) Tell(to ActorID, msgType string, payload any) error {
	return s.Inject(&Message{Address: NewAddress(System, to), Type: msgType, Payload: payload})
}

// Inject queues a message that did not originate from a local unit, such
// as one received by the portal transport.
func (s *Supervisor) Inject(msg *Message) error {
	if msg == nil {
		return errors.New("cannot inject nil message")
	}
	if s.stopped.Load() {
		return ErrSupervisorStopped
	}
	msg.origin = nil
	msg.reply = nil
	if err := s.inbox.Enqueue(msg); err != nil {
		return errors.Wrap(ErrSupervisorStopped, err.Error())
	}
	return nil
}

// Lookup returns the unit registered under id.
func (s *Supervisor) Lookup(id ActorID) (*Unit, bool) {
	return s.registry.Lookup(id)
}

// IsRemote reports whether id was announced as living behind the portal.
func (s *Supervisor) IsRemote(id ActorID) bool {
	return s.registry.IsRemote(id)
}

// Registered returns the registered ids, sorted.
func (s *Supervisor) Registered() []ActorID {
	return s.registry.List()
}

// Portal returns the current portal id, or "".
func (s *Supervisor) Portal() ActorID {
	return ActorID(s.portal.Load())
}

// Registry exposes the registry for read-only inspection.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Stats returns current runtime statistics.
func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		Registered:       s.registry.Len(),
		PendingCreations: s.pendingCreations.Load(),
		Remote:           len(s.registry.Remote()),
		Routed:           s.routed.Load(),
		Dropped:          s.dropped.Load(),
		Portal:           s.Portal(),
	}
}

// Shutdown terminates every unit, waits for their loops to exit and stops
// the supervisor. It is safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	s.liveMu.Lock()
	units := make([]*Unit, 0, len(s.live))
	for u := range s.live {
		units = append(units, u)
	}
	s.liveMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		u.Terminate()
		g.Go(func() error {
			return u.Wait(gctx)
		})
	}
	err := g.Wait()

	s.cancel()
	if s.started.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}

	if n := s.inbox.Close(); n > 0 {
		s.logger.WithField("discarded", n).Debug("supervisor inbox closed with queued messages")
	}
	s.registry.clear()

	s.asksMu.Lock()
	for corr, sig := range s.asks {
		sig.Fail(ErrSupervisorStopped)
		delete(s.asks, corr)
	}
	s.asksMu.Unlock()

	s.logger.WithField("units", len(units)).Info("supervisor stopped")
	return errors.Wrap(err, "shutdown")
}
