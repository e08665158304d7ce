package manager

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/agents"
	"github.com/opencode-plugins/bgtasks/internal/common/taskerr"
	"github.com/opencode-plugins/bgtasks/internal/common/tracing"
	"github.com/opencode-plugins/bgtasks/internal/events/bus"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// LaunchRequest describes a task submission.
type LaunchRequest struct {
	// ParentSessionID is the session the launch tool was called from.
	ParentSessionID string

	// CallerAgent is the agent running in the parent session, when known.
	// Read-only agents may not launch background tasks.
	CallerAgent string

	// Agent is the subagent to run in the child session.
	Agent string

	// Description is the short human-readable task summary.
	Description string

	// Prompt is the full instruction sent into the child session.
	Prompt string

	// Model optionally pins the child session's model. Empty selects the
	// default limiter key.
	Model string
}

// Launch validates the request, records the task as pending, and enqueues
// it for admission. The returned snapshot reflects the pending task; the
// actual session start happens asynchronously.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (*models.Task, error) {
	if !agents.IsKnown(req.Agent) {
		return nil, taskerr.Validation(taskerr.ErrInvalidAgent, "agent %q is not one of %s",
			req.Agent, strings.Join(agents.Names(), ", "))
	}
	if req.CallerAgent != "" && agents.IsReadOnly(req.CallerAgent) {
		return nil, taskerr.Validation(taskerr.ErrReadOnlyAgent, "agent %q may not launch background tasks", req.CallerAgent)
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, taskerr.Validation(nil, "description is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, taskerr.Validation(nil, "prompt is required")
	}
	if req.ParentSessionID == "" {
		return nil, taskerr.Validation(nil, "parent session id is required")
	}

	taskID, err := models.NewTaskID()
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.TraceLaunch(ctx, taskID, req.Agent, req.ParentSessionID)
	defer span.End()

	model := req.Model
	if model == "" {
		model = models.DefaultModel
	}

	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		err := taskerr.Validation(taskerr.ErrManagerPaused, "launch rejected")
		tracing.RecordResult(span, err)
		return nil, err
	}
	// A parent session that is itself a live task's child session means a
	// background task is trying to spawn another one.
	if childID, ok := m.bySession[req.ParentSessionID]; ok {
		m.mu.Unlock()
		err := taskerr.Validation(taskerr.ErrNestedLaunch, "session %s belongs to task %s", req.ParentSessionID, childID)
		tracing.RecordResult(span, err)
		return nil, err
	}

	task := &models.Task{
		ID:                taskID,
		ParentSessionID:   req.ParentSessionID,
		Agent:             req.Agent,
		Description:       req.Description,
		Prompt:            req.Prompt,
		Model:             model,
		Status:            models.StatusPending,
		NotificationState: models.NotificationPending,
		StartedAt:         m.now().UTC(),
		Config: &models.Limits{
			MaxConcurrentStarts: m.config.MaxConcurrentStarts,
			MaxCompletedTasks:   m.config.MaxCompletedTasks,
			IdleDebounceMs:      m.config.IdleDebounceMs,
			ResultMaxBytes:      m.config.ResultMaxBytes,
		},
	}

	m.tasks[taskID] = task
	siblings, ok := m.byParent[req.ParentSessionID]
	if !ok {
		siblings = make(map[string]bool)
		m.byParent[req.ParentSessionID] = siblings
	}
	siblings[taskID] = true
	m.enqueueLocked(taskID)
	snapshot := task.Clone()
	m.mu.Unlock()

	m.bus.Emit(bus.NewEvent(bus.EventTaskCreated, taskID, 0, map[string]any{
		"agent":       req.Agent,
		"description": req.Description,
		"model":       model,
	}))

	m.logger.Info("task launched",
		zap.String("task_id", taskID),
		zap.String("agent", req.Agent),
		zap.String("parent_session_id", req.ParentSessionID))

	// The start pipeline outlives the launch call; detach its lifetime from
	// the caller's context while keeping trace metadata.
	go m.processQueue(context.WithoutCancel(ctx))

	tracing.RecordResult(span, nil)
	return snapshot, nil
}
