package manager

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// SaveState persists the current task table. A nil store makes this a no-op.
func (m *Manager) SaveState() error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	snapshot := make(map[string]*models.Task, len(m.tasks))
	for id, task := range m.tasks {
		snapshot[id] = task.Clone()
	}
	m.mu.Unlock()

	return m.store.Save(snapshot)
}

// LoadState restores the persisted task table. Restored tasks are all
// terminal after interruption recovery; they are indexed for retrieval and
// queued for eviction in completion order, oldest first. LoadState is meant
// to run once before any launches.
func (m *Manager) LoadState() {
	if m.store == nil {
		return
	}
	restored := m.store.Load()
	if len(restored) == 0 {
		return
	}

	ids := make([]string, 0, len(restored))
	for id := range restored {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := restored[ids[i]], restored[ids[j]]
		switch {
		case a.CompletedAt == nil:
			return false
		case b.CompletedAt == nil:
			return true
		case !a.CompletedAt.Equal(*b.CompletedAt):
			return a.CompletedAt.Before(*b.CompletedAt)
		}
		return ids[i] < ids[j]
	})

	m.mu.Lock()
	for _, id := range ids {
		task := restored[id]
		if !task.Status.IsTerminal() {
			// Recovery in the store guarantees terminal tasks; anything
			// else is dropped rather than resurrected without a session.
			m.logger.Warn("dropping non-terminal restored task",
				zap.String("task_id", id),
				zap.String("status", string(task.Status)))
			continue
		}
		m.tasks[id] = task
		m.finalized[id] = true
		m.evictionQueue = append(m.evictionQueue, id)
		if task.ParentSessionID != "" {
			siblings, ok := m.byParent[task.ParentSessionID]
			if !ok {
				siblings = make(map[string]bool)
				m.byParent[task.ParentSessionID] = siblings
			}
			siblings[id] = true
		}
	}
	evicted := m.collectEvicteesLocked()
	count := len(m.tasks)
	m.mu.Unlock()

	m.evict(evicted)
	m.logger.Info("task state restored", zap.Int("tasks", count))
}

// markPendingRetrievalLocked records that a task's completion has been
// announced to its parent and its full result awaits retrieval.
func (m *Manager) markPendingRetrievalLocked(task *models.Task) {
	pending, ok := m.pendingRetrieval[task.ParentSessionID]
	if !ok {
		pending = make(map[string]bool)
		m.pendingRetrieval[task.ParentSessionID] = pending
	}
	pending[task.ID] = true
}

// ClearPendingRetrieval marks a task's result as retrieved.
func (m *Manager) ClearPendingRetrieval(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[taskID]
	if task == nil {
		return
	}
	pending := m.pendingRetrieval[task.ParentSessionID]
	if pending == nil {
		return
	}
	delete(pending, taskID)
	if len(pending) == 0 {
		delete(m.pendingRetrieval, task.ParentSessionID)
	}
}

// PendingRetrieval returns the ids of finished tasks whose results have not
// been retrieved by the parent session yet, oldest completion first.
func (m *Manager) PendingRetrieval(parentSessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingRetrievalLocked(parentSessionID)
}

func (m *Manager) pendingRetrievalLocked(parentSessionID string) []string {
	pending := m.pendingRetrieval[parentSessionID]
	if len(pending) == 0 {
		return nil
	}
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.tasks[ids[i]], m.tasks[ids[j]]
		if a != nil && b != nil && a.CompletedAt != nil && b.CompletedAt != nil &&
			!a.CompletedAt.Equal(*b.CompletedAt) {
			return a.CompletedAt.Before(*b.CompletedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// SystemPromptBlock renders the background-task status block injected into
// the parent session's system prompt. It returns an empty string when the
// parent has no live or unretrieved tasks.
func (m *Manager) SystemPromptBlock(parentSessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var running, finished []*models.Task
	for id := range m.byParent[parentSessionID] {
		task := m.tasks[id]
		if task == nil {
			continue
		}
		if task.Status.IsTerminal() {
			if pending := m.pendingRetrieval[parentSessionID]; pending[id] {
				finished = append(finished, task)
			}
			continue
		}
		running = append(running, task)
	}
	if len(running) == 0 && len(finished) == 0 {
		return ""
	}

	sort.Slice(running, func(i, j int) bool { return running[i].ID < running[j].ID })
	sort.Slice(finished, func(i, j int) bool { return finished[i].ID < finished[j].ID })

	var b strings.Builder
	b.WriteString("<BackgroundTasks>\n")
	for _, task := range running {
		fmt.Fprintf(&b, "- %s [%s] %s: %s\n", task.ID, task.Status, task.Agent, task.Description)
	}
	for _, task := range finished {
		fmt.Fprintf(&b, "- %s [%s] %s: %s (result ready, retrieve it with background_retrieve)\n",
			task.ID, task.Status, task.Agent, task.Description)
	}
	b.WriteString("</BackgroundTasks>")
	return b.String()
}
