package manager

import (
	"context"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/common/tracing"
	"github.com/opencode-plugins/bgtasks/internal/events/bus"
	"github.com/opencode-plugins/bgtasks/internal/resources"
	"github.com/opencode-plugins/bgtasks/internal/saga"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// outcome carries the terminal result of a task into finalize.
type outcome struct {
	result  string
	errText string
}

// terminalEvents maps a terminal status to its bus event type.
var terminalEvents = map[models.Status]string{
	models.StatusCompleted: bus.EventTaskCompleted,
	models.StatusFailed:    bus.EventTaskFailed,
	models.StatusCancelled: bus.EventTaskCancelled,
}

// finalize drives a task to its terminal state exactly once: the state
// transition, the completion timestamp, index cleanup, eviction, the
// result/notify/release saga, waiter resolution, and the limiter permit
// release. Concurrent and repeated calls are no-ops; the first outcome to
// arrive wins.
func (m *Manager) finalize(ctx context.Context, taskID string, status models.Status, oc outcome) {
	ctx, span := tracing.TraceFinalize(ctx, taskID, string(status))
	defer span.End()

	m.mu.Lock()
	task := m.tasks[taskID]
	if task == nil || m.finalizing[taskID] || m.finalized[taskID] {
		m.mu.Unlock()
		return
	}
	// Cancel transitions the task itself and then hands off here; any other
	// terminal state means an earlier finalize already won.
	alreadyCancelled := task.Status == models.StatusCancelled && status == models.StatusCancelled
	if task.Status.IsTerminal() && !alreadyCancelled {
		m.mu.Unlock()
		return
	}

	if !alreadyCancelled {
		if err := m.machine.Transition(ctx, task, status, nil); err != nil {
			m.mu.Unlock()
			m.logger.Warn("finalize transition refused",
				zap.String("task_id", taskID),
				zap.String("outcome", string(status)),
				zap.Error(err))
			tracing.RecordResult(span, err)
			return
		}
	}

	m.finalizing[taskID] = true
	now := m.now().UTC()
	task.CompletedAt = &now
	if timer, ok := m.idleTimers[taskID]; ok {
		timer.Stop()
		delete(m.idleTimers, taskID)
	}
	if task.SessionID != "" {
		delete(m.bySession, task.SessionID)
	}
	m.removeFromQueueLocked(taskID)

	m.evictionQueue = append(m.evictionQueue, taskID)
	evicted := m.collectEvicteesLocked()

	final := task.Status
	version := task.StateVersion
	model := task.Model
	startedAt := task.StartedAt
	m.mu.Unlock()

	m.evict(evicted)

	m.bus.Emit(bus.NewEvent(terminalEvents[final], taskID, version, map[string]any{
		"duration_ms": now.Sub(startedAt).Milliseconds(),
	}))
	m.logger.Info("task finalized",
		zap.String("task_id", taskID),
		zap.String("status", string(final)),
		zap.Duration("duration", now.Sub(startedAt)))

	m.runFinalizationSaga(ctx, taskID, oc)

	m.mu.Lock()
	task = m.tasks[taskID]
	var snapshot *models.Task
	if task != nil {
		snapshot = task.Clone()
	}
	waiters := m.waiters[taskID]
	delete(m.waiters, taskID)
	held := m.permits[taskID]
	delete(m.permits, taskID)
	m.finalized[taskID] = true
	delete(m.finalizing, taskID)
	m.mu.Unlock()

	for _, ch := range waiters {
		if snapshot != nil {
			ch <- snapshot.Clone()
		}
		close(ch)
	}
	if held {
		m.limiter.Release(model)
	}

	tracing.RecordResult(span, nil)
}

// runFinalizationSaga records the outcome on the task, notifies the parent
// session, and releases the task's resources. Notification and cleanup
// problems are absorbed inside their steps so a delivery failure never rolls
// back a recorded result; the compensation path exists for the record step
// alone.
func (m *Manager) runFinalizationSaga(ctx context.Context, taskID string, oc outcome) {
	steps := []saga.Step{
		{
			Name: "record-result",
			Run: func(ctx context.Context) error {
				m.mu.Lock()
				defer m.mu.Unlock()
				task := m.tasks[taskID]
				if task == nil {
					return nil
				}
				result, truncated := models.Truncate(oc.result, m.config.ResultMaxBytes)
				task.Result = result
				task.IsResultTruncated = truncated
				if oc.errText != "" {
					task.Error = oc.errText
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				m.mu.Lock()
				defer m.mu.Unlock()
				if task := m.tasks[taskID]; task != nil {
					task.Result = ""
					task.Error = ""
					task.IsResultTruncated = false
				}
				return nil
			},
		},
		{
			Name: "send-notification",
			Run: func(ctx context.Context) error {
				m.sendNotification(ctx, taskID)
				return nil
			},
		},
		{
			Name: "release-resources",
			Run: func(ctx context.Context) error {
				if err := m.resources.Cleanup(ctx, taskID, resources.DefaultDisposeTimeout); err != nil {
					m.logger.Warn("resource cleanup incomplete",
						zap.String("task_id", taskID),
						zap.Error(err))
				}
				return nil
			},
		},
	}

	result := m.sagas.Execute(ctx, "finalize-"+taskID, steps)
	if !result.OK() {
		m.logger.Error("finalization saga failed",
			zap.String("task_id", taskID),
			zap.String("failed_step", result.FailedStep),
			zap.Error(result.Err))
	}
}

// sendNotification delivers the completion notification for a finalized
// task. Delivery failures mark the notification failed and are otherwise
// absorbed; a successful delivery marks the task pending retrieval for its
// parent session.
func (m *Manager) sendNotification(ctx context.Context, taskID string) {
	m.mu.Lock()
	task := m.tasks[taskID]
	if task == nil || m.notifier == nil {
		m.mu.Unlock()
		return
	}
	task.NotificationState = models.NotificationSending
	snapshot := task.Clone()
	m.mu.Unlock()

	err := m.notifier.Send(ctx, snapshot)

	m.mu.Lock()
	defer m.mu.Unlock()
	task = m.tasks[taskID]
	if task == nil {
		return
	}
	if err != nil {
		task.NotificationState = models.NotificationFailed
		return
	}
	task.NotificationState = models.NotificationSent
	m.markPendingRetrievalLocked(task)
}

// collectEvicteesLocked pops the oldest terminal tasks while the retention
// cap is exceeded and removes them from every index. Host-side session
// deletion is left to the caller, outside the lock.
func (m *Manager) collectEvicteesLocked() []*models.Task {
	var evicted []*models.Task
	for len(m.evictionQueue) > m.config.MaxCompletedTasks {
		oldest := m.evictionQueue[0]
		m.evictionQueue = m.evictionQueue[1:]

		task := m.tasks[oldest]
		if task == nil {
			continue
		}
		delete(m.tasks, oldest)
		delete(m.finalized, oldest)
		if task.SessionID != "" {
			delete(m.bySession, task.SessionID)
		}
		if siblings := m.byParent[task.ParentSessionID]; siblings != nil {
			delete(siblings, oldest)
			if len(siblings) == 0 {
				delete(m.byParent, task.ParentSessionID)
			}
		}
		if pending := m.pendingRetrieval[task.ParentSessionID]; pending != nil {
			delete(pending, oldest)
			if len(pending) == 0 {
				delete(m.pendingRetrieval, task.ParentSessionID)
			}
		}
		evicted = append(evicted, task)
	}
	return evicted
}

// evict deletes the host sessions of evicted tasks without blocking. A
// session already torn down earlier (cancel, a prior rollback) is skipped by
// the per-task guard in deleteSessionAsync.
func (m *Manager) evict(evicted []*models.Task) {
	for _, task := range evicted {
		m.logger.Info("task evicted",
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)))
		if task.SessionID != "" {
			m.deleteSessionAsync(task.SessionID, task.ID)
		}
	}

	// Last touch for these tasks; drop their delete guards.
	m.mu.Lock()
	for _, task := range evicted {
		delete(m.sessionDeletes, task.ID)
	}
	m.mu.Unlock()
}
