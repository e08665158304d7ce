package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-plugins/bgtasks/internal/breaker"
	"github.com/opencode-plugins/bgtasks/internal/common/logger"
	"github.com/opencode-plugins/bgtasks/internal/common/taskerr"
	"github.com/opencode-plugins/bgtasks/internal/events/bus"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

type capturingSender struct {
	mu       sync.Mutex
	failures int // fail the first N calls
	calls    int
	lastMsg  Message
	lastSess string
}

func (c *capturingSender) send(ctx context.Context, parentSessionID string, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return errors.New("host unavailable")
	}
	c.lastMsg = msg
	c.lastSess = parentSessionID
	return nil
}

func setupService(t *testing.T, sender Sender) (*Service, *bus.MemoryBus) {
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	b := bus.NewMemoryBus(log)
	brk := breaker.New(breaker.DefaultConfig(), log)
	svc := NewService(Config{RetryAttempts: 3, RetryDelay: time.Millisecond}, sender, brk, b, log)
	return svc, b
}

func terminalTask() *models.Task {
	now := time.Now().UTC()
	return &models.Task{
		ID:              "bg_deadbeef",
		ParentSessionID: "parent-1",
		Status:          models.StatusCompleted,
		StateVersion:    3,
		Result:          "all done",
		CompletedAt:     &now,
	}
}

func eventTypes(b *bus.MemoryBus) *[]string {
	var types []string
	b.Subscribe(bus.Wildcard, func(e *bus.Event) { types = append(types, e.Type) })
	return &types
}

func TestBuild(t *testing.T) {
	task := terminalTask()
	task.IsResultTruncated = true

	msg := Build(task)

	assert.Equal(t, MessageType, msg.Type)
	assert.Equal(t, "bg_deadbeef", msg.TaskID)
	assert.Equal(t, "completed", msg.Status)
	assert.Equal(t, "all done", msg.Result)
	assert.True(t, msg.Truncated)
	assert.Equal(t, task.CompletedAt, msg.CompletedAt)
}

func TestSend(t *testing.T) {
	t.Run("success emits attempt then sent", func(t *testing.T) {
		sender := &capturingSender{}
		svc, b := setupService(t, sender.send)
		types := eventTypes(b)

		require.NoError(t, svc.Send(context.Background(), terminalTask()))

		assert.Equal(t, []string{bus.EventNotificationAttempt, bus.EventNotificationSent}, *types)
		assert.Equal(t, "parent-1", sender.lastSess)
		assert.Equal(t, 1, sender.calls)
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		sender := &capturingSender{failures: 2}
		svc, _ := setupService(t, sender.send)

		require.NoError(t, svc.Send(context.Background(), terminalTask()))
		assert.Equal(t, 3, sender.calls)
	})

	t.Run("exhausted retries emit failed with attempt count", func(t *testing.T) {
		sender := &capturingSender{failures: 100}
		svc, b := setupService(t, sender.send)
		var failed *bus.Event
		b.Subscribe(bus.EventNotificationFailed, func(e *bus.Event) { failed = e })

		err := svc.Send(context.Background(), terminalTask())
		require.Error(t, err)
		require.NotNil(t, failed)
		assert.Equal(t, 4, failed.Data["attempts"])
		assert.Equal(t, 4, sender.calls)
	})

	t.Run("missing sender is a configuration error", func(t *testing.T) {
		svc, _ := setupService(t, nil)
		err := svc.Send(context.Background(), terminalTask())
		require.ErrorIs(t, err, taskerr.ErrMissingSender)
	})

	t.Run("open breaker rejects without calling the sender", func(t *testing.T) {
		sender := &capturingSender{failures: 1000}
		log, err := logger.New(logger.Config{Level: "error", Format: "text"})
		require.NoError(t, err)
		b := bus.NewMemoryBus(log)
		brk := breaker.New(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}, log)
		svc := NewService(Config{RetryAttempts: 0, RetryDelay: time.Millisecond}, sender.send, brk, b, log)

		require.Error(t, svc.Send(context.Background(), terminalTask()))
		callsAfterFirst := sender.calls

		err = svc.Send(context.Background(), terminalTask())
		require.ErrorIs(t, err, breaker.ErrOpen)
		assert.Equal(t, callsAfterFirst, sender.calls)
	})
}
