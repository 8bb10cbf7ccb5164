package portal

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"github.com/najoast/actorportal/core"
)

// Portal is the actor program that moves messages between runtimes.
//
// Its handlers run on the portal actor's goroutine; frames from peers
// arrive on transport goroutines and reach the local runtime through
// Runtime.Inject.
type Portal struct {
	cfg       Config
	runtime   Runtime
	logger    logrus.FieldLogger
	transport *Transport
	peers     *Peers

	self    atomic.String
	running atomic.Bool
}

// New creates a portal for runtime. A missing node id is generated.
func New(cfg Config, runtime Runtime, logger logrus.FieldLogger) (*Portal, error) {
	if runtime == nil {
		return nil, errors.New("portal needs a runtime")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = NodeID(uuid.NewString())
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	p := &Portal{
		cfg:     cfg,
		runtime: runtime,
		logger:  logger.WithFields(logrus.Fields{"program": ProgramRef, "node": cfg.NodeID}),
		peers:   NewPeers(),
	}

	transport, err := NewTransport(cfg, p, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create portal transport")
	}
	p.transport = transport
	return p, nil
}

// Register adds the portal program to catalog under ProgramRef.
func (p *Portal) Register(catalog *core.Catalog) error {
	return catalog.Register(ProgramRef, ProgramRef, p.Behavior)
}

// Behavior returns the portal's function table.
func (p *Portal) Behavior() core.Behavior {
	return core.Behavior{
		core.TypeCustomInit: p.handleInit,
		core.TypeAddContact: p.handleAddContact,
		core.TypeSetTopic:   p.handleSetTopic,
		core.TypeSend:       p.handleSend,
		core.TypeCreateDoc:  p.handleCreateDoc,
		core.TypeShut:       p.handleShut,
	}
}

// NodeID returns this node's id.
func (p *Portal) NodeID() NodeID {
	return p.cfg.NodeID
}

// ActorID returns the portal actor's id once it is running.
func (p *Portal) ActorID() core.ActorID {
	return core.ActorID(p.self.Load())
}

// Addr returns the transport's listening address.
func (p *Portal) Addr() string {
	return p.transport.Addr()
}

// Peers returns the connected nodes.
func (p *Portal) Peers() []NodeID {
	return p.transport.Peers()
}

// Table exposes the routing table.
func (p *Portal) Table() *Peers {
	return p.peers
}

// Statistics returns transport statistics.
func (p *Portal) Statistics() TransportStatistics {
	return p.transport.Statistics()
}

// Running reports whether the portal actor has started the transport.
func (p *Portal) Running() bool {
	return p.running.Load()
}

// Stop shuts the transport down.
func (p *Portal) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	return p.transport.Stop(ctx)
}

// Connect dials a peer.
func (p *Portal) Connect(ctx context.Context, address string) (NodeID, error) {
	if p.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()
	}
	return p.transport.Dial(ctx, address)
}

func (p *Portal) handleInit(c *core.Client, _ any, _ core.Address) (any, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, errors.New("portal is already running")
	}
	p.self.Store(string(c.Self()))

	if p.cfg.Topic != "" {
		p.peers.JoinTopic(p.cfg.Topic)
		p.transport.SetTopics(p.peers.Topics())
	}

	if err := p.transport.Start(context.Background()); err != nil {
		p.running.Store(false)
		return nil, err
	}

	for _, address := range p.cfg.Peers {
		nodeID, err := p.Connect(context.Background(), address)
		if err != nil {
			p.logger.WithError(err).WithField("peer", address).Warn("seed peer unreachable")
			continue
		}
		p.logger.WithField("peer", nodeID).Debug("seed peer connected")
	}

	c.Send(core.System, core.TypeSetPortal, c.Self())
	return nil, nil
}

// handleAddContact publishes a local actor to peers sharing a topic. Ids
// that are not local are someone else's to publish.
func (p *Portal) handleAddContact(_ *core.Client, payload any, _ core.Address) (any, error) {
	var id core.ActorID
	if err := core.DecodePayload(payload, &id); err != nil {
		return nil, err
	}
	if _, local := p.runtime.Lookup(id); !local {
		p.logger.WithField("to", id).Debug("contact is not local, not published")
		return nil, nil
	}
	if !p.peers.AddContact(id) {
		return nil, nil
	}

	frame := &Frame{Type: FrameContacts, Contacts: []core.ActorID{id}}
	if err := p.transport.Broadcast(frame, p.peers.SharesTopic); err != nil {
		p.logger.WithError(err).Warn("contact gossip incomplete")
	}
	return nil, nil
}

func (p *Portal) handleSetTopic(_ *core.Client, payload any, _ core.Address) (any, error) {
	var topic string
	if err := core.DecodePayload(payload, &topic); err != nil {
		return nil, err
	}
	if !p.peers.JoinTopic(topic) {
		return nil, nil
	}
	p.transport.SetTopics(p.peers.Topics())

	if err := p.transport.Broadcast(p.transport.hello(), nil); err != nil {
		p.logger.WithError(err).Warn("topic announcement incomplete")
	}
	for _, nodeID := range p.transport.Peers() {
		p.publish(nodeID)
	}
	p.logger.WithField("topic", topic).Info("joined topic")
	return nil, nil
}

// handleSend forwards a message to the node owning its target. The reply
// tells the sender whether the frame was written.
func (p *Portal) handleSend(_ *core.Client, payload any, _ core.Address) (any, error) {
	var msg core.Message
	if err := core.DecodePayload(payload, &msg); err != nil {
		return false, err
	}

	target := msg.Address.Target()
	owner, known := p.peers.Owner(target)
	if !known {
		return false, nil
	}

	if err := p.transport.Send(owner, &Frame{Type: FrameDeliver, Message: &msg}); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{"to": target, "peer": owner}).
			Debug("remote delivery failed")
		return false, nil
	}
	return true, nil
}

func (p *Portal) handleCreateDoc(_ *core.Client, _ any, _ core.Address) (any, error) {
	doc := uuid.NewString()
	p.peers.AddDoc(doc, p.cfg.NodeID)

	if err := p.transport.Broadcast(&Frame{Type: FrameDoc, Doc: doc}, p.peers.SharesTopic); err != nil {
		p.logger.WithError(err).Warn("document announcement incomplete")
	}
	return doc, nil
}

func (p *Portal) handleShut(c *core.Client, _ any, _ core.Address) (any, error) {
	err := p.Stop(context.Background())
	c.Shut()
	return nil, err
}

// publish sends every published contact to a peer sharing a topic.
func (p *Portal) publish(nodeID NodeID) {
	if !p.peers.SharesTopic(nodeID) {
		return
	}
	contacts := p.peers.Contacts()
	if len(contacts) == 0 {
		return
	}
	if err := p.transport.Send(nodeID, &Frame{Type: FrameContacts, Contacts: contacts}); err != nil {
		p.logger.WithError(err).WithField("peer", nodeID).Warn("contact sync failed")
	}
}

// learn records a remote actor and tells the supervisor about it.
func (p *Portal) learn(id core.ActorID, nodeID NodeID) {
	if !id.Valid() {
		return
	}
	if _, local := p.runtime.Lookup(id); local {
		return
	}
	if !p.peers.AddRemote(id, nodeID) {
		return
	}

	msg := &core.Message{
		Address: core.NewAddress(p.ActorID(), core.System),
		Type:    core.TypeAddRemote,
		Payload: id,
	}
	if err := p.runtime.Inject(msg); err != nil {
		p.logger.WithError(err).WithField("to", id).Warn("could not record remote actor")
	}
}

// HandleConnectionEstablished implements FrameHandler.
func (p *Portal) HandleConnectionEstablished(nodeID NodeID, hello *Frame) {
	p.peers.SetPeerTopics(nodeID, hello.Topics)
	p.publish(nodeID)
}

// HandleConnectionLost implements FrameHandler.
func (p *Portal) HandleConnectionLost(nodeID NodeID, err error) {
	lost := p.peers.RemovePeer(nodeID)
	p.logger.WithError(err).WithFields(logrus.Fields{"peer": nodeID, "contacts": len(lost)}).
		Info("peer lost")
}

// HandleFrame implements FrameHandler.
func (p *Portal) HandleFrame(from NodeID, frame *Frame) {
	switch frame.Type {
	case FrameHello:
		p.peers.SetPeerTopics(from, frame.Topics)
		p.publish(from)

	case FrameContacts:
		for _, id := range frame.Contacts {
			p.learn(id, from)
		}

	case FrameDeliver:
		msg := frame.Message
		if msg == nil {
			return
		}
		target := msg.Address.Target()
		if _, local := p.runtime.Lookup(target); !local {
			p.logger.WithFields(logrus.Fields{"peer": from, "to": target, "type": msg.Type}).
				Debug("inbound message for unknown actor, dropped")
			return
		}
		p.learn(msg.Address.From, from)
		if err := p.runtime.Inject(msg); err != nil {
			p.logger.WithError(err).WithField("peer", from).Warn("inbound message rejected")
		}

	case FrameDoc:
		if frame.Doc != "" {
			p.peers.AddDoc(frame.Doc, from)
		}

	default:
		p.logger.WithFields(logrus.Fields{"peer": from, "type": frame.Type}).Warn("unknown frame type")
	}
}
