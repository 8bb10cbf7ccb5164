package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownPeer         = errors.New("unknown peer")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	ErrHandshake           = errors.New("handshake failed")
	ErrTransportStopped    = errors.New("transport stopped")
)

// Transport keeps one TCP connection per peer node and exchanges JSON
// frames over it.
type Transport struct {
	cfg        Config
	logger     logrus.FieldLogger
	version    *semver.Version
	constraint *semver.Constraints
	handler    FrameHandler

	listener net.Listener

	connections map[NodeID]*connection
	connMu      sync.RWMutex

	topicsMu sync.RWMutex
	topics   []string

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	rejected       atomic.Uint64
	errorCount     atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// connection represents a connection to a remote node
type connection struct {
	nodeID  NodeID
	conn    net.Conn
	decoder *json.Decoder

	encMu   sync.Mutex
	encoder *json.Encoder

	closeOnce sync.Once
}

func newConnection(netConn net.Conn) *connection {
	return &connection{
		conn:    netConn,
		encoder: json.NewEncoder(netConn),
		decoder: json.NewDecoder(netConn),
	}
}

// NewTransport creates a transport. handler receives inbound frames.
func NewTransport(cfg Config, handler FrameHandler, logger logrus.FieldLogger) (*Transport, error) {
	version, err := semver.NewVersion(cfg.ProtocolVersion)
	if err != nil {
		return nil, errors.Wrapf(err, "protocol version %q", cfg.ProtocolVersion)
	}

	var constraint *semver.Constraints
	if cfg.VersionConstraint != "" {
		constraint, err = semver.NewConstraint(cfg.VersionConstraint)
		if err != nil {
			return nil, errors.Wrapf(err, "version constraint %q", cfg.VersionConstraint)
		}
		if !constraint.Check(version) {
			return nil, errors.Wrapf(ErrIncompatibleVersion, "own version %s does not satisfy %s", version, constraint)
		}
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Transport{
		cfg:         cfg,
		logger:      logger.WithField("node", cfg.NodeID),
		version:     version,
		constraint:  constraint,
		handler:     handler,
		connections: make(map[NodeID]*connection),
	}, nil
}

// Start listens for peer connections.
func (t *Transport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("transport already started")
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", t.cfg.BindAddr, t.cfg.BindPort))
	if err != nil {
		t.started.Store(false)
		t.cancel()
		return errors.Wrap(err, "start listener")
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop()

	t.logger.WithField("addr", listener.Addr().String()).Info("portal transport listening")
	return nil
}

// Stop closes the listener and every connection and waits for the
// connection goroutines.
func (t *Transport) Stop(ctx context.Context) error {
	if !t.started.CompareAndSwap(true, false) {
		return nil
	}

	t.cancel()
	if t.listener != nil {
		t.listener.Close()
	}

	t.connMu.Lock()
	for _, c := range t.connections {
		c.close()
	}
	t.connections = make(map[NodeID]*connection)
	t.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "stop transport")
	}
}

// Addr returns the listening address, or "" before Start.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// SetTopics replaces the topics announced in hello frames.
func (t *Transport) SetTopics(topics []string) {
	t.topicsMu.Lock()
	t.topics = append([]string(nil), topics...)
	t.topicsMu.Unlock()
}

func (t *Transport) hello() *Frame {
	t.topicsMu.RLock()
	topics := append([]string(nil), t.topics...)
	t.topicsMu.RUnlock()

	return &Frame{
		Type:      FrameHello,
		From:      t.cfg.NodeID,
		Version:   t.version.String(),
		Topics:    topics,
		Timestamp: time.Now(),
	}
}

// Dial connects to a peer and performs the handshake.
func (t *Transport) Dial(ctx context.Context, address string) (NodeID, error) {
	if !t.started.Load() {
		return "", ErrTransportStopped
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", &PortalError{Operation: "dial " + address, Err: err}
	}

	c := newConnection(netConn)
	if t.cfg.DialTimeout > 0 {
		netConn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
	}

	if err := c.encoder.Encode(t.hello()); err != nil {
		netConn.Close()
		return "", &PortalError{Operation: "handshake " + address, Err: err}
	}

	var reply Frame
	if err := c.decoder.Decode(&reply); err != nil {
		netConn.Close()
		return "", &PortalError{Operation: "handshake " + address, Err: errors.Wrap(ErrHandshake, err.Error())}
	}
	if reply.Error != "" {
		netConn.Close()
		t.rejected.Inc()
		return "", &PortalError{Operation: "handshake", NodeID: reply.From, Err: errors.Wrap(ErrIncompatibleVersion, reply.Error)}
	}
	if err := t.accept(&reply); err != nil {
		netConn.Close()
		t.rejected.Inc()
		return "", &PortalError{Operation: "handshake", NodeID: reply.From, Err: err}
	}

	netConn.SetDeadline(time.Time{})
	c.nodeID = reply.From
	if !t.register(c, &reply) {
		return reply.From, nil
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(c)
	}()
	return reply.From, nil
}

// accept checks a peer's hello frame.
func (t *Transport) accept(hello *Frame) error {
	if hello.Type != FrameHello || hello.From == "" {
		return errors.Wrapf(ErrHandshake, "unexpected %q frame", hello.Type)
	}
	if hello.From == t.cfg.NodeID {
		return errors.Wrap(ErrHandshake, "connected to self")
	}

	v, err := semver.NewVersion(hello.Version)
	if err != nil {
		return errors.Wrapf(ErrIncompatibleVersion, "peer version %q: %v", hello.Version, err)
	}
	if t.constraint != nil && !t.constraint.Check(v) {
		return errors.Wrapf(ErrIncompatibleVersion, "peer version %s does not satisfy %s", v, t.constraint)
	}
	return nil
}

// register adds c unless the peer is already connected.
func (t *Transport) register(c *connection, hello *Frame) bool {
	t.connMu.Lock()
	if _, exists := t.connections[c.nodeID]; exists {
		t.connMu.Unlock()
		c.close()
		return false
	}
	t.connections[c.nodeID] = c
	t.connMu.Unlock()

	t.logger.WithField("peer", c.nodeID).Info("peer connected")
	if t.handler != nil {
		t.handler.HandleConnectionEstablished(c.nodeID, hello)
	}
	return true
}

func (t *Transport) removeConnection(c *connection) bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	current, exists := t.connections[c.nodeID]
	c.close()
	if !exists || current != c {
		return false
	}
	delete(t.connections, c.nodeID)
	return true
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		netConn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.errorCount.Inc()
				t.logger.WithError(err).Warn("accept failed")
				continue
			}
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleIncomingConnection(netConn)
		}()
	}
}

func (t *Transport) handleIncomingConnection(netConn net.Conn) {
	c := newConnection(netConn)
	if t.cfg.DialTimeout > 0 {
		netConn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
	}

	var hello Frame
	if err := c.decoder.Decode(&hello); err != nil {
		t.errorCount.Inc()
		netConn.Close()
		return
	}

	if err := t.accept(&hello); err != nil {
		t.rejected.Inc()
		t.logger.WithError(err).WithField("peer", hello.From).Warn("peer rejected")
		reject := t.hello()
		reject.Error = err.Error()
		c.encoder.Encode(reject)
		netConn.Close()
		return
	}

	if err := c.encoder.Encode(t.hello()); err != nil {
		t.errorCount.Inc()
		netConn.Close()
		return
	}

	netConn.SetDeadline(time.Time{})
	c.nodeID = hello.From
	if !t.register(c, &hello) {
		return
	}
	t.readLoop(c)
}

func (t *Transport) readLoop(c *connection) {
	for {
		var frame Frame
		if err := c.decoder.Decode(&frame); err != nil {
			if t.removeConnection(c) {
				t.logger.WithError(err).WithField("peer", c.nodeID).Info("peer disconnected")
				if t.handler != nil {
					t.handler.HandleConnectionLost(c.nodeID, err)
				}
			}
			return
		}

		t.framesReceived.Inc()
		frame.From = c.nodeID
		if t.handler != nil {
			t.handler.HandleFrame(c.nodeID, &frame)
		}
	}
}

// Send writes one frame to a peer. A nil error means the frame was written.
func (t *Transport) Send(nodeID NodeID, frame *Frame) error {
	t.connMu.RLock()
	c, exists := t.connections[nodeID]
	t.connMu.RUnlock()

	if !exists {
		return &PortalError{Operation: "send", NodeID: nodeID, Err: ErrUnknownPeer}
	}

	out := *frame
	out.From = t.cfg.NodeID
	out.Timestamp = time.Now()

	if err := c.write(&out, t.cfg.MessageTimeout); err != nil {
		t.errorCount.Inc()
		if t.removeConnection(c) && t.handler != nil {
			t.handler.HandleConnectionLost(nodeID, err)
		}
		return &PortalError{Operation: "send", NodeID: nodeID, Err: err}
	}

	t.framesSent.Inc()
	return nil
}

// Broadcast sends frame to every connected peer accepted by filter.
func (t *Transport) Broadcast(frame *Frame, filter func(NodeID) bool) error {
	var g errgroup.Group
	for _, nodeID := range t.Peers() {
		if filter != nil && !filter(nodeID) {
			continue
		}
		g.Go(func() error {
			return t.Send(nodeID, frame)
		})
	}
	return g.Wait()
}

// Peers returns the connected node ids, sorted.
func (t *Transport) Peers() []NodeID {
	t.connMu.RLock()
	defer t.connMu.RUnlock()

	peers := make([]NodeID, 0, len(t.connections))
	for nodeID := range t.connections {
		peers = append(peers, nodeID)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Statistics returns transport statistics.
func (t *Transport) Statistics() TransportStatistics {
	t.connMu.RLock()
	connCount := len(t.connections)
	t.connMu.RUnlock()

	return TransportStatistics{
		FramesSent:      t.framesSent.Load(),
		FramesReceived:  t.framesReceived.Load(),
		ConnectionsOpen: connCount,
		Rejected:        t.rejected.Load(),
		ErrorCount:      t.errorCount.Load(),
	}
}

func (c *connection) write(frame *Frame, timeout time.Duration) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.encoder.Encode(frame)
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
