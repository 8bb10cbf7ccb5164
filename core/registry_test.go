package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("RegisterOnce", func(t *testing.T) {
		r := NewRegistry()
		u := &Unit{}
		id := NewActorID("a")

		require.NoError(t, r.Register(id, u))
		assert.ErrorIs(t, r.Register(id, &Unit{}), ErrRegistrationConflict)
		assert.ErrorIs(t, r.Register("bad", u), ErrInvalidActorID)

		found, ok := r.Lookup(id)
		require.True(t, ok)
		assert.Same(t, u, found)
		assert.True(t, r.IsLocal(id))
		assert.Equal(t, 1, r.Len())
	})

	t.Run("UnregisterUnitChecksOwner", func(t *testing.T) {
		r := NewRegistry()
		owner, other := &Unit{}, &Unit{}
		id := NewActorID("a")
		require.NoError(t, r.Register(id, owner))

		assert.False(t, r.unregisterUnit(id, other))
		assert.True(t, r.IsLocal(id))
		assert.True(t, r.unregisterUnit(id, owner))
		assert.False(t, r.IsLocal(id))

		_, ok := r.Unregister(id)
		assert.False(t, ok)
	})

	t.Run("Remote", func(t *testing.T) {
		r := NewRegistry()
		assert.True(t, r.AddRemote("x@1"))
		assert.True(t, r.AddRemote("y@1"))
		assert.False(t, r.AddRemote("x@1"))

		assert.True(t, r.IsRemote("x@1"))
		assert.False(t, r.IsRemote("z@1"))
		assert.Equal(t, []ActorID{"x@1", "y@1"}, r.Remote())
	})

	t.Run("ListSorted", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("b@1", &Unit{}))
		require.NoError(t, r.Register("a@1", &Unit{}))
		assert.Equal(t, []ActorID{"a@1", "b@1"}, r.List())

		r.clear()
		assert.Equal(t, 0, r.Len())
	})
}

func TestAddressBook(t *testing.T) {
	b := NewAddressBook()
	assert.True(t, b.Add("a@1"))
	assert.True(t, b.Add("b@1"))
	assert.False(t, b.Add("a@1"))
	assert.False(t, b.Add(""))

	assert.True(t, b.Has("a@1"))
	assert.Equal(t, []ActorID{"a@1", "b@1"}, b.List())

	assert.True(t, b.Remove("a@1"))
	assert.False(t, b.Remove("a@1"))
	assert.Equal(t, []ActorID{"b@1"}, b.List())
}
