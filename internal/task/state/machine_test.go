package state

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
	"github.com/opencode-plugins/bgtasks/internal/events/bus"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

func setupMachine(t *testing.T) (*Machine, *bus.MemoryBus) {
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	b := bus.NewMemoryBus(log)
	return NewDefault(b, log), b
}

func newTask() *models.Task {
	return &models.Task{ID: "bg_deadbeef", Status: models.StatusPending}
}

func TestTransition(t *testing.T) {
	t.Run("valid transition advances version and emits event", func(t *testing.T) {
		m, b := setupMachine(t)
		var got *bus.Event
		b.Subscribe(bus.EventTaskTransition, func(e *bus.Event) { got = e })

		task := newTask()
		err := m.Transition(context.Background(), task, models.StatusStarting, nil)

		require.NoError(t, err)
		assert.Equal(t, models.StatusStarting, task.Status)
		assert.EqualValues(t, 1, task.StateVersion)
		require.NotNil(t, got)
		assert.Equal(t, "pending", got.Data["from"])
		assert.Equal(t, "starting", got.Data["to"])
		assert.EqualValues(t, 1, got.Version)
	})

	t.Run("invalid transition is refused", func(t *testing.T) {
		m, _ := setupMachine(t)
		task := newTask()

		err := m.Transition(context.Background(), task, models.StatusCompleted, nil)

		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, models.StatusPending, task.Status)
		assert.Zero(t, task.StateVersion)
	})

	t.Run("no transition leaves a terminal state", func(t *testing.T) {
		m, _ := setupMachine(t)
		for _, terminal := range []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled} {
			task := newTask()
			task.Status = terminal
			for _, target := range []models.Status{models.StatusPending, models.StatusRunning, models.StatusCompleted} {
				err := m.Transition(context.Background(), task, target, nil)
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", terminal, target)
			}
		}
	})

	t.Run("context fields applied on commit", func(t *testing.T) {
		m, _ := setupMachine(t)
		task := newTask()
		task.Status = models.StatusRunning

		err := m.Transition(context.Background(), task, models.StatusCompleted, &Context{
			Result:    "output",
			Truncated: true,
		})

		require.NoError(t, err)
		assert.Equal(t, "output", task.Result)
		assert.True(t, task.IsResultTruncated)
	})
}

func TestTransitionHooks(t *testing.T) {
	t.Run("version advance during exit hook aborts the commit", func(t *testing.T) {
		m, _ := setupMachine(t)
		task := newTask()
		m.Def(models.StatusPending).OnExit = func(ctx context.Context, tk *models.Task) error {
			// Simulate a concurrent writer racing the suspended hook.
			tk.StateVersion++
			return nil
		}

		err := m.Transition(context.Background(), task, models.StatusStarting, nil)

		require.ErrorIs(t, err, ErrVersionMismatch)
		assert.Equal(t, models.StatusPending, task.Status)
	})

	t.Run("exit hook failure refuses the transition", func(t *testing.T) {
		m, _ := setupMachine(t)
		task := newTask()
		m.Def(models.StatusPending).OnExit = func(ctx context.Context, tk *models.Task) error {
			return errors.New("exit boom")
		}

		err := m.Transition(context.Background(), task, models.StatusStarting, nil)

		require.ErrorIs(t, err, ErrExitHookFailed)
		assert.Equal(t, models.StatusPending, task.Status)
		assert.Zero(t, task.StateVersion)
	})

	t.Run("enter hook failure applies the recovery state", func(t *testing.T) {
		m, _ := setupMachine(t)
		task := newTask()
		m.Def(models.StatusStarting).OnEnter = func(ctx context.Context, tk *models.Task) error {
			return errors.New("enter boom")
		}

		err := m.Transition(context.Background(), task, models.StatusStarting, nil)

		require.ErrorIs(t, err, ErrEnterHookFailed)
		assert.Equal(t, models.StatusFailed, task.Status)
		assert.EqualValues(t, 2, task.StateVersion)
		assert.Contains(t, task.Error, "enter boom")
	})

	t.Run("hooks run on successful path", func(t *testing.T) {
		m, _ := setupMachine(t)
		task := newTask()
		var calls []string
		m.Def(models.StatusPending).OnExit = func(ctx context.Context, tk *models.Task) error {
			calls = append(calls, "exit-pending")
			return nil
		}
		m.Def(models.StatusStarting).OnEnter = func(ctx context.Context, tk *models.Task) error {
			calls = append(calls, "enter-starting")
			return nil
		}

		require.NoError(t, m.Transition(context.Background(), task, models.StatusStarting, nil))
		assert.Equal(t, []string{"exit-pending", "enter-starting"}, calls)
	})
}

func TestVersionMonotonic(t *testing.T) {
	m, b := setupMachine(t)
	var versions []int64
	b.Subscribe(bus.EventTaskTransition, func(e *bus.Event) { versions = append(versions, e.Version) })

	task := newTask()
	require.NoError(t, m.Transition(context.Background(), task, models.StatusStarting, nil))
	require.NoError(t, m.Transition(context.Background(), task, models.StatusRunning, nil))
	require.NoError(t, m.Transition(context.Background(), task, models.StatusCompleted, nil))

	assert.Equal(t, []int64{1, 2, 3}, versions)
	assert.True(t, m.IsTerminal(task.Status))
}
