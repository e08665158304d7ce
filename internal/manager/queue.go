package manager

import (
	"context"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// enqueueLocked appends a task id to the admission queue. Membership is
// tracked in queueSet so cancellation can remove queued tasks in O(1)
// membership checks.
func (m *Manager) enqueueLocked(taskID string) {
	if m.queueSet[taskID] {
		return
	}
	m.startQueue = append(m.startQueue, taskID)
	m.queueSet[taskID] = true
}

// removeFromQueueLocked drops a task id from the admission queue if present.
func (m *Manager) removeFromQueueLocked(taskID string) {
	if !m.queueSet[taskID] {
		return
	}
	delete(m.queueSet, taskID)
	for i, id := range m.startQueue {
		if id == taskID {
			m.startQueue = append(m.startQueue[:i], m.startQueue[i+1:]...)
			return
		}
	}
}

// processQueue dispatches queued tasks while start slots are free. A boolean
// guard prevents re-entrant processing: a call arriving while another is in
// progress sets a reprocess flag and returns, and the in-progress call loops
// again before releasing the guard. Reprocessing after a start slot frees is
// always scheduled on a fresh goroutine, never recursively.
func (m *Manager) processQueue(ctx context.Context) {
	m.mu.Lock()
	if m.queueLock {
		m.queueReprocess = true
		m.mu.Unlock()
		return
	}
	m.queueLock = true

	for {
		for len(m.startQueue) > 0 && m.activeStarts < m.config.MaxConcurrentStarts {
			taskID := m.startQueue[0]
			m.startQueue = m.startQueue[1:]
			delete(m.queueSet, taskID)

			task := m.tasks[taskID]
			if task == nil || task.Status != models.StatusPending {
				// Cancelled while queued; skip silently.
				continue
			}

			m.activeStarts++
			go m.runStart(ctx, taskID)
		}

		if !m.queueReprocess {
			break
		}
		m.queueReprocess = false
	}

	m.queueLock = false
	m.mu.Unlock()
}

// runStart drives one task start and frees the start slot afterwards.
func (m *Manager) runStart(ctx context.Context, taskID string) {
	if err := m.startTask(ctx, taskID); err != nil {
		m.logger.Warn("task start failed",
			zap.String("task_id", taskID),
			zap.Error(err))
	}

	m.mu.Lock()
	m.activeStarts--
	m.mu.Unlock()

	go m.processQueue(ctx)
}
