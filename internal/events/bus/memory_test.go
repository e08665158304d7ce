package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
)

func setupBus(t *testing.T) *MemoryBus {
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewMemoryBus(log)
}

func TestEmit(t *testing.T) {
	t.Run("delivers to exact subscribers in registration order", func(t *testing.T) {
		b := setupBus(t)
		var order []int
		b.Subscribe(EventTaskCreated, func(e *Event) { order = append(order, 1) })
		b.Subscribe(EventTaskCreated, func(e *Event) { order = append(order, 2) })
		b.Subscribe(EventTaskCompleted, func(e *Event) { order = append(order, 99) })

		b.Emit(NewEvent(EventTaskCreated, "bg_00000001", 0, nil))

		assert.Equal(t, []int{1, 2}, order)
	})

	t.Run("wildcard subscribers receive every event", func(t *testing.T) {
		b := setupBus(t)
		var types []string
		b.Subscribe(Wildcard, func(e *Event) { types = append(types, e.Type) })

		b.Emit(NewEvent(EventTaskCreated, "bg_00000001", 0, nil))
		b.Emit(NewEvent(EventTaskCancelled, "bg_00000001", 1, nil))

		assert.Equal(t, []string{EventTaskCreated, EventTaskCancelled}, types)
	})

	t.Run("panicking subscriber does not affect later subscribers", func(t *testing.T) {
		b := setupBus(t)
		var reached bool
		b.Subscribe(EventTaskFailed, func(e *Event) { panic("boom") })
		b.Subscribe(EventTaskFailed, func(e *Event) { reached = true })

		require.NotPanics(t, func() {
			b.Emit(NewEvent(EventTaskFailed, "bg_00000001", 2, nil))
		})
		assert.True(t, reached)
	})

	t.Run("event carries type, task id and version", func(t *testing.T) {
		b := setupBus(t)
		var got *Event
		b.Subscribe(EventTaskTransition, func(e *Event) { got = e })

		b.Emit(NewEvent(EventTaskTransition, "bg_deadbeef", 3, map[string]any{
			"from": "pending",
			"to":   "starting",
		}))

		require.NotNil(t, got)
		assert.Equal(t, "bg_deadbeef", got.TaskID)
		assert.EqualValues(t, 3, got.Version)
		assert.Equal(t, "pending", got.Data["from"])
		assert.NotEmpty(t, got.ID)
		assert.False(t, got.Timestamp.IsZero())
	})
}

func TestUnsubscribe(t *testing.T) {
	b := setupBus(t)
	var count int
	sub := b.Subscribe(EventTaskStarted, func(e *Event) { count++ })

	b.Emit(NewEvent(EventTaskStarted, "bg_00000001", 1, nil))
	require.True(t, sub.IsValid())
	sub.Unsubscribe()
	b.Emit(NewEvent(EventTaskStarted, "bg_00000001", 2, nil))

	assert.Equal(t, 1, count)
	assert.False(t, sub.IsValid())
}

func TestReset(t *testing.T) {
	b := setupBus(t)
	var count int
	b.Subscribe(Wildcard, func(e *Event) { count++ })

	b.Reset()
	b.Emit(NewEvent(EventTaskCreated, "bg_00000001", 0, nil))

	assert.Zero(t, count)
}
