package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nowPtr() *time.Time {
	now := time.Now().UTC()
	return &now
}

func TestNewTaskID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewTaskID()
		require.NoError(t, err)
		assert.True(t, ValidTaskID(id), "id %q must match the wire format", id)
		assert.False(t, seen[id], "id %q generated twice", id)
		seen[id] = true
	}
}

func TestValidTaskID(t *testing.T) {
	cases := []struct {
		id    string
		valid bool
	}{
		{"bg_deadbeef", true},
		{"bg_01234567", true},
		{"bg_DEADBEEF", false},
		{"bg_deadbee", false},
		{"bg_deadbeef0", false},
		{"task_deadbeef", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.valid, ValidTaskID(tc.id), "id %q", tc.id)
	}
}

func TestTruncate(t *testing.T) {
	t.Run("short results pass through", func(t *testing.T) {
		s, truncated := Truncate("hello", 100)
		assert.Equal(t, "hello", s)
		assert.False(t, truncated)
	})

	t.Run("result at the cap passes through", func(t *testing.T) {
		raw := strings.Repeat("x", 100)
		s, truncated := Truncate(raw, 100)
		assert.Equal(t, raw, s)
		assert.False(t, truncated)
	})

	t.Run("oversized result is a prefix plus marker", func(t *testing.T) {
		raw := strings.Repeat("x", ResultMaxBytes+1)
		s, truncated := Truncate(raw, ResultMaxBytes)
		assert.True(t, truncated)
		assert.Len(t, s, ResultMaxBytes)
		assert.True(t, strings.HasSuffix(s, TruncationMarker))
		assert.Equal(t, raw[:ResultMaxBytes-len(TruncationMarker)], strings.TrimSuffix(s, TruncationMarker))
	})
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusStarting.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestClone(t *testing.T) {
	now := nowPtr()
	task := &Task{
		ID:          "bg_deadbeef",
		Status:      StatusCompleted,
		Result:      "done",
		CompletedAt: now,
		Config:      &Limits{MaxCompletedTasks: 5},
	}

	c := task.Clone()
	c.Result = "mutated"
	*c.CompletedAt = c.CompletedAt.Add(1)
	c.Config.MaxCompletedTasks = 99

	assert.Equal(t, "done", task.Result)
	assert.Equal(t, *now, *task.CompletedAt)
	assert.Equal(t, 5, task.Config.MaxCompletedTasks)
}
