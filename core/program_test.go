package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	calls := 0
	factory := func() Behavior {
		calls++
		return Behavior{"PING": func(*Client, any, Address) (any, error) { return "PONG", nil }}
	}

	require.NoError(t, c.Register("pinger", "ping", factory))
	assert.Error(t, c.Register("pinger", "ping", factory))
	assert.Error(t, c.Register("", "ping", factory))
	assert.Error(t, c.Register("bad", "a@b", factory))
	assert.Error(t, c.Register("nil", "nil", nil))

	name, behavior, err := c.Spawn("pinger")
	require.NoError(t, err)
	assert.Equal(t, "ping", name)
	assert.Contains(t, behavior, "PING")

	_, _, err = c.Spawn("pinger")
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "every spawn gets a fresh function table")

	_, _, err = c.Spawn("missing")
	assert.ErrorIs(t, err, ErrUnknownProgram)

	assert.Equal(t, []string{"pinger"}, c.Programs())
	assert.Panics(t, func() { c.MustRegister("pinger", "ping", factory) })
}

func TestDecodePayload(t *testing.T) {
	t.Run("Assign", func(t *testing.T) {
		var n int
		require.NoError(t, DecodePayload(7, &n))
		assert.Equal(t, 7, n)
	})

	t.Run("ConvertNamedString", func(t *testing.T) {
		var id ActorID
		require.NoError(t, DecodePayload("a@1", &id))
		assert.Equal(t, ActorID("a@1"), id)
	})

	t.Run("Pointer", func(t *testing.T) {
		msg := &Message{Type: "X"}
		var out Message
		require.NoError(t, DecodePayload(msg, &out))
		assert.Equal(t, "X", out.Type)
	})

	t.Run("RawJSON", func(t *testing.T) {
		var ok bool
		require.NoError(t, DecodePayload(json.RawMessage("true"), &ok))
		assert.True(t, ok)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		var out struct{ Name string }
		require.NoError(t, DecodePayload(map[string]any{"Name": "x"}, &out))
		assert.Equal(t, "x", out.Name)
	})

	t.Run("NilLeavesTarget", func(t *testing.T) {
		s := "keep"
		require.NoError(t, DecodePayload(nil, &s))
		assert.Equal(t, "keep", s)
	})

	t.Run("Mismatch", func(t *testing.T) {
		var ok bool
		assert.Error(t, DecodePayload("yes", &ok))
		assert.Error(t, DecodePayload(1, ok))
	})
}
