package manager

import (
	"context"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/common/taskerr"
	"github.com/opencode-plugins/bgtasks/internal/common/tracing"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// cancelledNoOutput is the result recorded when a cancelled session had
// produced nothing extractable.
const cancelledNoOutput = "(Task cancelled - no output)"

// Cancel stops a single task. It returns true when this call moved the task
// to cancelled, false when the task is unknown or already terminal. The
// child session, if any, is deleted; whatever the agent had produced so far
// is kept as a partial result.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	if !models.ValidTaskID(taskID) {
		return false, taskerr.Validation(taskerr.ErrMalformedTaskID, "%q", taskID)
	}

	ctx, span := tracing.TraceCancel(ctx, taskID)
	defer span.End()

	m.mu.Lock()
	task := m.tasks[taskID]
	if task == nil {
		m.mu.Unlock()
		return false, nil
	}
	if task.Status.IsTerminal() || m.finalizing[taskID] {
		m.mu.Unlock()
		return false, nil
	}

	if err := m.machine.Transition(ctx, task, models.StatusCancelled, nil); err != nil {
		m.mu.Unlock()
		tracing.RecordResult(span, err)
		return false, taskerr.StateMachine(err)
	}

	m.removeFromQueueLocked(taskID)
	if timer, ok := m.idleTimers[taskID]; ok {
		timer.Stop()
		delete(m.idleTimers, taskID)
	}
	sessionID := task.SessionID
	m.mu.Unlock()

	m.logger.Info("task cancelled",
		zap.String("task_id", taskID),
		zap.String("session_id", sessionID))

	oc := outcome{result: cancelledNoOutput}
	if sessionID != "" {
		if partial := m.fetchPartialResult(ctx, sessionID); partial != "" {
			oc.result = partial
		}
		m.deleteSessionAsync(sessionID, taskID)
	}

	m.finalize(ctx, taskID, models.StatusCancelled, oc)
	tracing.RecordResult(span, nil)
	return true, nil
}

// CancelAll cancels every live task across all parent sessions and returns
// how many this call actually cancelled.
func (m *Manager) CancelAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	var ids []string
	for id, task := range m.tasks {
		if !task.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	return m.cancelEach(ctx, ids), nil
}

// CancelAllForParent cancels every live task under one parent session and
// returns how many this call actually cancelled.
func (m *Manager) CancelAllForParent(ctx context.Context, parentSessionID string) (int, error) {
	m.mu.Lock()
	var ids []string
	for id := range m.byParent[parentSessionID] {
		if task := m.tasks[id]; task != nil && !task.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	return m.cancelEach(ctx, ids), nil
}

func (m *Manager) cancelEach(ctx context.Context, ids []string) int {
	cancelled := 0
	for _, id := range ids {
		ok, err := m.Cancel(ctx, id)
		if err != nil {
			m.logger.Warn("cancel failed",
				zap.String("task_id", id),
				zap.Error(err))
			continue
		}
		if ok {
			cancelled++
		}
	}
	return cancelled
}
