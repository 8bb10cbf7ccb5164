package portal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/najoast/actorportal/core"
)

func TestPeersSharesTopic(t *testing.T) {
	p := NewPeers()

	assert.False(t, p.SharesTopic("unknown"))

	p.SetPeerTopics("plain", nil)
	p.SetPeerTopics("grouped", []string{"lobby"})
	assert.True(t, p.SharesTopic("plain"), "nodes without topics share the default group")
	assert.False(t, p.SharesTopic("grouped"))

	assert.True(t, p.JoinTopic("lobby"))
	assert.False(t, p.JoinTopic("lobby"))
	assert.False(t, p.SharesTopic("plain"))
	assert.True(t, p.SharesTopic("grouped"))
	assert.Equal(t, []string{"lobby"}, p.Topics())
}

func TestPeersOwnership(t *testing.T) {
	p := NewPeers()
	a := core.ActorID("a@1")
	b := core.ActorID("b@1")

	assert.True(t, p.AddRemote(a, "n1"))
	assert.False(t, p.AddRemote(a, "n1"))
	assert.True(t, p.AddRemote(a, "n2"), "an actor can move")
	assert.True(t, p.AddRemote(b, "n2"))

	owner, ok := p.Owner(a)
	assert.True(t, ok)
	assert.Equal(t, NodeID("n2"), owner)

	p.SetPeerTopics("n2", nil)
	assert.Equal(t, []core.ActorID{a, b}, p.RemovePeer("n2"))
	_, ok = p.Owner(a)
	assert.False(t, ok)
	assert.False(t, p.SharesTopic("n2"))
	assert.Empty(t, p.RemovePeer("n2"))
}

func TestPeersContactsAndDocs(t *testing.T) {
	p := NewPeers()

	assert.True(t, p.AddContact("z@1"))
	assert.True(t, p.AddContact("a@1"))
	assert.False(t, p.AddContact("z@1"))
	assert.Equal(t, []core.ActorID{"z@1", "a@1"}, p.Contacts(), "publication order")

	p.AddDoc("doc-b", "n1")
	p.AddDoc("doc-a", "n2")
	assert.Equal(t, []string{"doc-a", "doc-b"}, p.Docs())
}
