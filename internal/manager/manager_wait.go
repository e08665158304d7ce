package manager

import (
	"context"
	"time"

	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// WaitForCompletion blocks until the task reaches a terminal state and has
// been finalized, then returns its snapshot. A zero timeout waits the
// maximum of thirty minutes; longer timeouts are capped at the same bound.
// When the wait times out or the context is cancelled, the task's current
// snapshot is returned as-is: the task keeps running and its completion is
// still announced through the usual notification path. Unknown task ids
// yield nil.
func (m *Manager) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) *models.Task {
	if timeout <= 0 || timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	m.mu.Lock()
	task := m.tasks[taskID]
	if task == nil {
		m.mu.Unlock()
		return nil
	}
	if task.Status.IsTerminal() && m.finalized[taskID] {
		snapshot := task.Clone()
		m.mu.Unlock()
		return snapshot
	}

	// Buffered so a finalizer never blocks on a waiter that gave up between
	// the map read and the send.
	ch := make(chan *models.Task, 1)
	m.waiters[taskID] = append(m.waiters[taskID], ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case snapshot, ok := <-ch:
		if ok && snapshot != nil {
			return snapshot
		}
		return m.Get(taskID)
	case <-timer.C:
		m.abandonWaiter(taskID, ch)
		return m.Get(taskID)
	case <-ctx.Done():
		m.abandonWaiter(taskID, ch)
		return m.Get(taskID)
	}
}

// abandonWaiter removes a waiter channel from the registry, if still there.
func (m *Manager) abandonWaiter(taskID string, ch chan *models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiters := m.waiters[taskID]
	for i, queued := range waiters {
		if queued == ch {
			m.waiters[taskID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(m.waiters[taskID]) == 0 {
		delete(m.waiters, taskID)
	}
}
