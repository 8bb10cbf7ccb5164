package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorID(t *testing.T) {
	id := NewActorID("worker")
	assert.True(t, id.Valid())
	assert.Equal(t, "worker", id.Name())
	assert.NotEqual(t, id, NewActorID("worker"))

	assert.False(t, System.Valid())
	assert.False(t, ActorID("").Valid())
	assert.False(t, ActorID("worker").Valid())
	assert.False(t, ActorID("worker@").Valid())
	assert.False(t, ActorID("@token").Valid())
}

func TestAddress(t *testing.T) {
	single := NewAddress("a@1", "b@1")
	assert.Equal(t, ActorID("b@1"), single.Target())
	assert.False(t, single.IsFanout())

	fanout := NewAddress("a@1", "b@1", "c@1")
	assert.Equal(t, ActorID(""), fanout.Target())
	assert.True(t, fanout.IsFanout())

	assert.Equal(t, ActorID(""), NewAddress(System).Target())
}

func TestCallbackTypes(t *testing.T) {
	assert.True(t, IsCallback("CB"))
	assert.True(t, IsCallback("CB:1234"))
	assert.False(t, IsCallback("CREATE"))

	assert.Equal(t, "CB", CallbackType(""))
	assert.Equal(t, "CB:abc", CallbackType("abc"))

	assert.Equal(t, "", callbackKey("CB"))
	assert.Equal(t, "FOO", callbackKey("CB:FOO"))
}

func TestMessageKeepsRawPayload(t *testing.T) {
	data := []byte(`{"address":{"from":"a@1","to":["b@1"]},"type":"PING","payload":{"n":3},"correlation":"c1"}`)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, ActorID("b@1"), msg.Address.Target())
	assert.Equal(t, "c1", msg.Correlation)

	var body struct{ N int }
	require.NoError(t, DecodePayload(msg.Payload, &body))
	assert.Equal(t, 3, body.N)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"PING","payload":null}`), &msg))
	assert.Nil(t, msg.Payload)
}
