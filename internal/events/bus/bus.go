// Package bus provides the in-process lifecycle event bus for background tasks.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types emitted by the manager and its collaborators.
const (
	EventTaskCreated         = "task.created"
	EventTaskTransition      = "task.transition"
	EventTaskStarted         = "task.started"
	EventTaskCompleted       = "task.completed"
	EventTaskFailed          = "task.failed"
	EventTaskCancelled       = "task.cancelled"
	EventNotificationAttempt = "notification.attempt"
	EventNotificationSent    = "notification.sent"
	EventNotificationFailed  = "notification.failed"

	// Wildcard matches every event type.
	Wildcard = "*"
)

// Event represents a single lifecycle event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Version   int64          `json:"version"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, taskID string, version int64, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Version:   version,
		Data:      data,
	}
}

// Handler is invoked for each matching event. Handlers run synchronously on
// the emitter's goroutine; panics are recovered and logged.
type Handler func(event *Event)

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe()
	IsValid() bool
}

// Bus is the interface for event fan-out.
type Bus interface {
	// Emit delivers the event to every matching subscriber in registration
	// order. Emit never blocks on or fails because of a subscriber.
	Emit(event *Event)

	// Subscribe registers a handler for an event type. Pass Wildcard to
	// receive every event.
	Subscribe(eventType string, handler Handler) Subscription

	// Reset removes all subscribers. Intended for tests.
	Reset()
}
