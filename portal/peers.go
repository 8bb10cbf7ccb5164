package portal

import (
	"sort"
	"sync"

	"github.com/najoast/actorportal/core"
)

// defaultTopic is the group of nodes that joined no topic.
const defaultTopic = ""

// Peers tracks which node owns which remote actor, which topics every peer
// is in, and the local actors this node publishes.
type Peers struct {
	mu sync.RWMutex

	// Topics announced by each connected peer
	peerTopics map[NodeID]map[string]struct{}

	// Remote actor id to the node it lives on
	owners map[core.ActorID]NodeID

	// Topics this node joined
	topics map[string]struct{}

	// Local actors published to peers, in publication order
	contacts     map[core.ActorID]struct{}
	contactOrder []core.ActorID

	// Shared documents and the node that announced them
	docs map[string]NodeID
}

// NewPeers creates an empty table.
func NewPeers() *Peers {
	return &Peers{
		peerTopics: make(map[NodeID]map[string]struct{}),
		owners:     make(map[core.ActorID]NodeID),
		topics:     make(map[string]struct{}),
		contacts:   make(map[core.ActorID]struct{}),
		docs:       make(map[string]NodeID),
	}
}

func topicSet(topics []string) map[string]struct{} {
	set := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		set[topic] = struct{}{}
	}
	if len(set) == 0 {
		set[defaultTopic] = struct{}{}
	}
	return set
}

// SetPeerTopics records the topics a peer announced.
func (p *Peers) SetPeerTopics(nodeID NodeID, topics []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerTopics[nodeID] = topicSet(topics)
}

// RemovePeer forgets a peer and every actor it owned. It returns those
// actor ids.
func (p *Peers) RemovePeer(nodeID NodeID) []core.ActorID {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.peerTopics, nodeID)

	var lost []core.ActorID
	for id, owner := range p.owners {
		if owner == nodeID {
			lost = append(lost, id)
			delete(p.owners, id)
		}
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i] < lost[j] })
	return lost
}

// JoinTopic adds a topic. It reports whether the topic was new.
func (p *Peers) JoinTopic(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.topics[topic]; exists {
		return false
	}
	p.topics[topic] = struct{}{}
	return true
}

// Topics returns the joined topics, sorted.
func (p *Peers) Topics() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	topics := make([]string, 0, len(p.topics))
	for topic := range p.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// SharesTopic reports whether this node and the peer have a topic in
// common. Nodes without topics share the default group.
func (p *Peers) SharesTopic(nodeID NodeID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	theirs, known := p.peerTopics[nodeID]
	if !known {
		return false
	}

	ours := p.topics
	if len(ours) == 0 {
		ours = map[string]struct{}{defaultTopic: {}}
	}
	for topic := range ours {
		if _, ok := theirs[topic]; ok {
			return true
		}
	}
	return false
}

// AddRemote records that id lives on nodeID. It reports whether the
// ownership changed.
func (p *Peers) AddRemote(id core.ActorID, nodeID NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if owner, exists := p.owners[id]; exists && owner == nodeID {
		return false
	}
	p.owners[id] = nodeID
	return true
}

// Owner returns the node a remote actor lives on.
func (p *Peers) Owner(id core.ActorID) (NodeID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	owner, exists := p.owners[id]
	return owner, exists
}

// AddContact publishes a local actor. It reports whether id was new.
func (p *Peers) AddContact(id core.ActorID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.contacts[id]; exists {
		return false
	}
	p.contacts[id] = struct{}{}
	p.contactOrder = append(p.contactOrder, id)
	return true
}

// Contacts returns the published local actors in publication order.
func (p *Peers) Contacts() []core.ActorID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]core.ActorID, len(p.contactOrder))
	copy(ids, p.contactOrder)
	return ids
}

// AddDoc records a shared document.
func (p *Peers) AddDoc(doc string, nodeID NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[doc] = nodeID
}

// Docs returns the known document ids, sorted.
func (p *Peers) Docs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	docs := make([]string, 0, len(p.docs))
	for doc := range p.docs {
		docs = append(docs, doc)
	}
	sort.Strings(docs)
	return docs
}
