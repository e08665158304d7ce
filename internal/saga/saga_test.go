package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
)

func setupOrchestrator(t *testing.T) *Orchestrator {
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewOrchestrator(log)
}

func TestExecute(t *testing.T) {
	t.Run("runs steps in order", func(t *testing.T) {
		o := setupOrchestrator(t)
		var order []string
		step := func(name string) Step {
			return Step{Name: name, Run: func(ctx context.Context) error {
				order = append(order, name)
				return nil
			}}
		}

		result := o.Execute(context.Background(), "finalize", []Step{step("a"), step("b"), step("c")})

		require.True(t, result.OK())
		assert.Equal(t, []string{"a", "b", "c"}, order)
		assert.Equal(t, []string{"a", "b", "c"}, result.Completed)
	})

	t.Run("failure compensates completed steps in reverse order", func(t *testing.T) {
		o := setupOrchestrator(t)
		var events []string
		mk := func(name string, fail bool) Step {
			return Step{
				Name: name,
				Run: func(ctx context.Context) error {
					if fail {
						return errors.New(name + " failed")
					}
					events = append(events, "run:"+name)
					return nil
				},
				Compensate: func(ctx context.Context) error {
					events = append(events, "undo:"+name)
					return nil
				},
			}
		}

		result := o.Execute(context.Background(), "finalize", []Step{
			mk("extract", false), mk("notify", false), mk("release", true),
		})

		require.False(t, result.OK())
		assert.Equal(t, "release", result.FailedStep)
		assert.Equal(t, []string{"run:extract", "run:notify", "undo:notify", "undo:extract"}, events)
	})

	t.Run("steps after the failed one do not run", func(t *testing.T) {
		o := setupOrchestrator(t)
		var ran bool
		result := o.Execute(context.Background(), "finalize", []Step{
			{Name: "bad", Run: func(ctx context.Context) error { return errors.New("boom") }},
			{Name: "after", Run: func(ctx context.Context) error { ran = true; return nil }},
		})

		require.False(t, result.OK())
		assert.False(t, ran)
	})

	t.Run("panicking step is treated as a failure", func(t *testing.T) {
		o := setupOrchestrator(t)
		var compensated bool
		result := o.Execute(context.Background(), "finalize", []Step{
			{
				Name:       "first",
				Run:        func(ctx context.Context) error { return nil },
				Compensate: func(ctx context.Context) error { compensated = true; return nil },
			},
			{Name: "panicky", Run: func(ctx context.Context) error { panic("boom") }},
		})

		require.False(t, result.OK())
		assert.Equal(t, "panicky", result.FailedStep)
		assert.Contains(t, result.Err.Error(), "panic")
		assert.True(t, compensated)
	})

	t.Run("compensation errors do not stop the rollback", func(t *testing.T) {
		o := setupOrchestrator(t)
		var firstUndone bool
		result := o.Execute(context.Background(), "finalize", []Step{
			{
				Name:       "a",
				Run:        func(ctx context.Context) error { return nil },
				Compensate: func(ctx context.Context) error { firstUndone = true; return nil },
			},
			{
				Name:       "b",
				Run:        func(ctx context.Context) error { return nil },
				Compensate: func(ctx context.Context) error { return errors.New("undo failed") },
			},
			{Name: "c", Run: func(ctx context.Context) error { return errors.New("boom") }},
		})

		require.False(t, result.OK())
		assert.True(t, firstUndone)
	})
}
