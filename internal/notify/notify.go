// Package notify builds and delivers the completion notification for a
// background task. Delivery goes through a circuit breaker with exponential
// backoff retries; the actual transport is an injected send callback, so the
// service never talks to the host directly.
package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/breaker"
	"github.com/opencode-plugins/bgtasks/internal/common/logger"
	"github.com/opencode-plugins/bgtasks/internal/common/taskerr"
	"github.com/opencode-plugins/bgtasks/internal/events/bus"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// MessageType is the type tag on every completion notification.
const MessageType = "background-task-completed"

// Default retry settings.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
)

// Message is the structured completion notification injected into the
// parent session.
type Message struct {
	Type        string     `json:"type"`
	TaskID      string     `json:"taskId"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Truncated   bool       `json:"truncated,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Sender delivers a notification to the parent session. Supplied by the
// embedding host at construction time.
type Sender func(ctx context.Context, parentSessionID string, msg Message) error

// Config holds notification retry settings.
type Config struct {
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultConfig returns the default notification configuration.
func DefaultConfig() Config {
	return Config{
		RetryAttempts: DefaultRetryAttempts,
		RetryDelay:    DefaultRetryDelay,
	}
}

// Service builds and sends completion notifications.
type Service struct {
	config  Config
	sender  Sender
	breaker *breaker.Breaker
	bus     bus.Bus
	logger  *logger.Logger
}

// NewService creates a notification service. The sender is a required
// capability; a nil sender is a configuration error surfaced on Send rather
// than a runtime nil dereference.
func NewService(cfg Config, sender Sender, brk *breaker.Breaker, eventBus bus.Bus, log *logger.Logger) *Service {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Service{
		config:  cfg,
		sender:  sender,
		breaker: brk,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "notifications")),
	}
}

// Build constructs the completion message for a terminal task.
func Build(task *models.Task) Message {
	return Message{
		Type:        MessageType,
		TaskID:      task.ID,
		Status:      string(task.Status),
		Result:      task.Result,
		Error:       task.Error,
		Truncated:   task.IsResultTruncated,
		CompletedAt: task.CompletedAt,
	}
}

// Send delivers the completion notification for task to its parent session.
// It emits notification.attempt, then notification.sent on success or
// notification.failed with the attempt count on final failure.
func (s *Service) Send(ctx context.Context, task *models.Task) error {
	if s.sender == nil {
		return taskerr.ErrMissingSender
	}

	msg := Build(task)
	s.bus.Emit(bus.NewEvent(bus.EventNotificationAttempt, task.ID, task.StateVersion, map[string]any{
		"status": msg.Status,
	}))

	attempts := 0
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = s.config.RetryDelay
		policy.Multiplier = 2
		policy.RandomizationFactor = 0

		_, retryErr := backoff.Retry(ctx, func() (struct{}, error) {
			attempts++
			if sendErr := s.sender(ctx, task.ParentSessionID, msg); sendErr != nil {
				s.logger.Warn("notification send failed",
					zap.String("task_id", task.ID),
					zap.Int("attempt", attempts),
					zap.Error(sendErr))
				return struct{}{}, sendErr
			}
			return struct{}{}, nil
		}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(s.config.RetryAttempts)+1))
		return retryErr
	})

	if err != nil {
		s.bus.Emit(bus.NewEvent(bus.EventNotificationFailed, task.ID, task.StateVersion, map[string]any{
			"attempts": attempts,
			"error":    err.Error(),
		}))
		s.logger.Error("notification delivery failed",
			zap.String("task_id", task.ID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return err
	}

	s.bus.Emit(bus.NewEvent(bus.EventNotificationSent, task.ID, task.StateVersion, map[string]any{
		"attempts": attempts,
	}))
	return nil
}
