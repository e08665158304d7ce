// Package models defines the background task record and its invariants.
package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// Status is the lifecycle state of a background task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is one of the three terminal states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NotificationState tracks delivery of the completion notification.
type NotificationState string

const (
	NotificationPending NotificationState = "pending"
	NotificationSending NotificationState = "sending"
	NotificationSent    NotificationState = "sent"
	NotificationFailed  NotificationState = "failed"
)

// DefaultModel is the limiter key used when a task specifies no model.
const DefaultModel = "default"

// ResultMaxBytes is the default cap on a stored task result.
const ResultMaxBytes = 100 * 1024

// TruncationMarker is appended to results cut at the size cap.
const TruncationMarker = "\n...[truncated]"

// Limits is the per-task reference to the effective manager limits at
// launch time.
type Limits struct {
	MaxConcurrentStarts int `json:"maxConcurrentStarts"`
	MaxCompletedTasks   int `json:"maxCompletedTasks"`
	IdleDebounceMs      int `json:"idleDebounceMs"`
	ResultMaxBytes      int `json:"resultMaxBytes"`
}

// Task is the central record owned by the manager. External callers only
// ever see copies produced by Clone.
type Task struct {
	ID              string `json:"id"`
	SessionID       string `json:"sessionId,omitempty"`
	ParentSessionID string `json:"parentSessionId"`
	Agent           string `json:"agent"`
	Description     string `json:"description"`
	Prompt          string `json:"prompt"`
	Model           string `json:"model"`

	Status            Status            `json:"status"`
	StateVersion      int64             `json:"stateVersion"`
	NotificationState NotificationState `json:"notificationState"`

	Result            string `json:"result,omitempty"`
	Error             string `json:"error,omitempty"`
	IsResultTruncated bool   `json:"isResultTruncated,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Config *Limits `json:"config,omitempty"`
}

// Clone returns a copy of the task safe to hand to external callers.
func (t *Task) Clone() *Task {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Config != nil {
		cfg := *t.Config
		c.Config = &cfg
	}
	return &c
}

// idPattern is the task id wire format.
var idPattern = regexp.MustCompile(`^bg_[a-f0-9]{8}$`)

// NewTaskID generates a task id of the form bg_ followed by 8 lowercase hex
// characters from a cryptographic random source.
func NewTaskID() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating task id: %w", err)
	}
	return "bg_" + hex.EncodeToString(buf[:]), nil
}

// ValidTaskID reports whether id matches the task id format.
func ValidTaskID(id string) bool {
	return idPattern.MatchString(id)
}

// Truncate enforces the result size cap. When raw exceeds maxBytes the
// returned string is a prefix of raw followed by TruncationMarker and the
// second return is true; otherwise raw is returned unchanged.
func Truncate(raw string, maxBytes int) (string, bool) {
	if maxBytes <= 0 {
		maxBytes = ResultMaxBytes
	}
	if len(raw) <= maxBytes {
		return raw, false
	}
	cut := maxBytes - len(TruncationMarker)
	if cut < 0 {
		cut = 0
	}
	return raw[:cut] + TruncationMarker, true
}
