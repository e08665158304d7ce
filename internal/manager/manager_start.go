package manager

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/common/taskerr"
	"github.com/opencode-plugins/bgtasks/internal/common/tracing"
	"github.com/opencode-plugins/bgtasks/internal/events/bus"
	"github.com/opencode-plugins/bgtasks/internal/host"
	"github.com/opencode-plugins/bgtasks/internal/resources"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// startTask performs the two-phase session start: pending -> starting, then
// session creation, then starting -> running with the session id committed
// atomically. A task cancelled during either suspension never keeps a live
// session; the freshly created session is rolled back instead.
func (m *Manager) startTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	task := m.tasks[taskID]
	if task == nil {
		m.mu.Unlock()
		return taskerr.ErrUnknownTask
	}

	ctx, span := tracing.TraceStart(ctx, taskID, task.Model)
	defer span.End()

	if err := m.machine.Transition(ctx, task, models.StatusStarting, nil); err != nil {
		m.mu.Unlock()
		tracing.RecordResult(span, err)
		return taskerr.StateMachine(err)
	}
	model := task.Model
	agent := task.Agent
	description := task.Description
	parentSessionID := task.ParentSessionID
	m.mu.Unlock()

	// Suspension: wait for a model permit. The permit is held until the
	// task reaches a terminal state; finalize releases it.
	if err := m.limiter.Acquire(ctx, model); err != nil {
		m.finalize(ctx, taskID, models.StatusFailed, outcome{
			errText: fmt.Sprintf("Failed to acquire model slot: %v", err),
		})
		tracing.RecordResult(span, err)
		return err
	}
	m.mu.Lock()
	if current := m.tasks[taskID]; current == nil || current.Status != models.StatusStarting {
		// Cancelled while queued for a permit; the permit goes straight back.
		m.mu.Unlock()
		m.limiter.Release(model)
		tracing.RecordResult(span, nil)
		return nil
	}
	m.permits[taskID] = true
	m.mu.Unlock()

	// Suspension: create the child session.
	session, err := m.hostClient.CreateSession(ctx, m.sessionRequest(parentSessionID, agent, description))
	if err != nil {
		werr := taskerr.HostTransport("create session", err)
		m.finalize(ctx, taskID, models.StatusFailed, outcome{
			errText: fmt.Sprintf("Failed to create session: %v", err),
		})
		tracing.RecordResult(span, werr)
		return werr
	}

	m.mu.Lock()
	task = m.tasks[taskID]
	if task == nil || task.Status != models.StatusStarting {
		// Cancelled while the session was being created. The cancel path
		// saw no session id, so the rollback is ours.
		m.mu.Unlock()
		m.deleteSessionAsync(session.ID, taskID)
		tracing.RecordResult(span, nil)
		return nil
	}
	if err := m.machine.Transition(ctx, task, models.StatusRunning, nil); err != nil {
		m.mu.Unlock()
		m.deleteSessionAsync(session.ID, taskID)
		tracing.RecordResult(span, err)
		return taskerr.StateMachine(err)
	}
	task.SessionID = session.ID
	m.bySession[session.ID] = taskID
	version := task.StateVersion
	snapshot := task.Clone()
	m.mu.Unlock()

	m.resources.Register(taskID, "idle-timer", 0, resources.NewFunc(func(ctx context.Context) error {
		m.clearIdleTimer(taskID)
		return nil
	}))

	m.bus.Emit(bus.NewEvent(bus.EventTaskStarted, taskID, version, map[string]any{
		"session_id": session.ID,
		"agent":      agent,
	}))
	m.logger.Info("task started",
		zap.String("task_id", taskID),
		zap.String("session_id", session.ID))

	if m.config.TmuxMirror {
		time.Sleep(tmuxAttachDelay)
	}

	// Suspension: send the prompt. By the time it returns the task may have
	// finished already; only a send failure needs handling.
	if err := m.hostClient.Prompt(ctx, m.promptRequest(session.ID, snapshot)); err != nil {
		werr := taskerr.HostTransport("prompt", err)
		m.finalize(ctx, taskID, models.StatusFailed, outcome{
			errText: fmt.Sprintf("Failed to send prompt: %v", err),
		})
		tracing.RecordResult(span, werr)
		return werr
	}

	tracing.RecordResult(span, nil)
	return nil
}

// sessionRequest builds the child session creation request.
func (m *Manager) sessionRequest(parentSessionID, agent, description string) host.CreateSessionRequest {
	return host.CreateSessionRequest{
		ParentID: parentSessionID,
		Title:    fmt.Sprintf("Background: %s (%s)", description, agent),
	}
}

// deleteSessionAsync removes a session without blocking state advancement.
// At most one delete is issued per task; later callers (eviction after a
// cancel, say) find the session already torn down and skip.
func (m *Manager) deleteSessionAsync(sessionID, taskID string) {
	m.mu.Lock()
	if m.sessionDeletes[taskID] {
		m.mu.Unlock()
		return
	}
	m.sessionDeletes[taskID] = true
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.hostClient.DeleteSession(ctx, sessionID); err != nil {
			m.logger.Warn("session delete failed",
				zap.String("task_id", taskID),
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}()
}
