package core

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal(t *testing.T) {
	t.Run("TriggerOnce", func(t *testing.T) {
		s := NewSignal()
		assert.False(t, s.Triggered())

		assert.True(t, s.Trigger("first"))
		assert.False(t, s.Trigger("second"))
		assert.False(t, s.Fail(errors.New("late")))
		assert.True(t, s.Triggered())

		v, err := s.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "first", v)
	})

	t.Run("Fail", func(t *testing.T) {
		s := NewSignal()
		boom := errors.New("boom")
		s.Fail(boom)

		_, err := s.Result()
		assert.Equal(t, boom, err)
	})

	t.Run("WaitFromOtherGoroutine", func(t *testing.T) {
		s := NewSignal()
		go func() {
			time.Sleep(5 * time.Millisecond)
			s.Trigger(42)
		}()

		v, err := s.Wait(testContext(t))
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("WaitHonorsDeadline", func(t *testing.T) {
		s := NewSignal()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := s.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, s.Triggered())
	})
}
