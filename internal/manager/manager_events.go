package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/host"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// HandleSessionStatus processes a session status event from the host. An
// idle event arms (or re-arms) the debounce timer for the owning task; a
// busy event disarms it. Events for sessions the manager does not own are
// ignored.
func (m *Manager) HandleSessionStatus(ev host.StatusEvent) {
	m.mu.Lock()
	taskID, ok := m.bySession[ev.SessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	task := m.tasks[taskID]
	if task == nil || task.Status != models.StatusRunning {
		m.mu.Unlock()
		return
	}

	switch ev.Status {
	case host.StatusIdle:
		if timer, ok := m.idleTimers[taskID]; ok {
			timer.Stop()
		}
		m.idleTimers[taskID] = time.AfterFunc(m.config.IdleDebounce(), func() {
			m.onIdleSettled(taskID)
		})
		m.logger.Debug("idle debounce armed",
			zap.String("task_id", taskID),
			zap.String("session_id", ev.SessionID))
	case host.StatusBusy:
		if timer, ok := m.idleTimers[taskID]; ok {
			timer.Stop()
			delete(m.idleTimers, taskID)
			m.logger.Debug("idle debounce disarmed",
				zap.String("task_id", taskID))
		}
	}
	m.mu.Unlock()
}

// onIdleSettled fires after the session stayed idle for the full debounce
// window. The task may have been cancelled or gone busy-and-idle again in
// the meantime, so everything is re-checked under the lock.
func (m *Manager) onIdleSettled(taskID string) {
	m.mu.Lock()
	delete(m.idleTimers, taskID)
	task := m.tasks[taskID]
	if task == nil || task.Status != models.StatusRunning || m.finalizing[taskID] {
		m.mu.Unlock()
		return
	}
	sessionID := task.SessionID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m.resolveTaskSession(ctx, taskID, sessionID)
}

// clearIdleTimer disarms the debounce timer for a task, if armed.
func (m *Manager) clearIdleTimer(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.idleTimers[taskID]; ok {
		timer.Stop()
		delete(m.idleTimers, taskID)
	}
}

// resolveTaskSession reads the settled session transcript and finalizes the
// task from it. Transcript problems fail the task rather than leaving it
// running forever.
func (m *Manager) resolveTaskSession(ctx context.Context, taskID, sessionID string) {
	messages, err := m.hostClient.Messages(ctx, sessionID)
	if err != nil {
		m.finalize(ctx, taskID, models.StatusFailed, outcome{
			errText: fmt.Sprintf("Failed to read session messages: %v", err),
		})
		return
	}

	// The task may have been cancelled while messages were in flight.
	m.mu.Lock()
	task := m.tasks[taskID]
	if task == nil || task.Status != models.StatusRunning || m.finalizing[taskID] {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if reason := m.Validator(messages); reason != "" {
		m.finalize(ctx, taskID, models.StatusFailed, outcome{
			result:  extractLastAssistantText(messages),
			errText: "Validation failed: " + reason,
		})
		return
	}

	result := extractLastAssistantText(messages)
	if result == "" {
		result = "(No output)"
	}
	m.finalize(ctx, taskID, models.StatusCompleted, outcome{result: result})
}

// validateTranscript checks that a settled session produced usable output.
// It returns an empty string when the transcript is acceptable.
func validateTranscript(messages []host.Message) string {
	var lastAssistant *host.Message
	for i := range messages {
		if messages[i].Info.Role == host.RoleAssistant {
			lastAssistant = &messages[i]
		}
	}
	if lastAssistant == nil {
		return "session produced no assistant messages"
	}
	for _, part := range lastAssistant.Parts {
		if (part.Type == host.PartText || part.Type == host.PartReasoning) &&
			strings.TrimSpace(part.Text) != "" {
			return ""
		}
	}
	return "final assistant message has no text content"
}

// extractLastAssistantText joins the text and reasoning parts of the last
// assistant message with blank lines. It returns an empty string when there
// is nothing to extract.
func extractLastAssistantText(messages []host.Message) string {
	var lastAssistant *host.Message
	for i := range messages {
		if messages[i].Info.Role == host.RoleAssistant {
			lastAssistant = &messages[i]
		}
	}
	if lastAssistant == nil {
		return ""
	}

	var chunks []string
	for _, part := range lastAssistant.Parts {
		if part.Type != host.PartText && part.Type != host.PartReasoning {
			continue
		}
		text := strings.TrimSpace(part.Text)
		if text != "" {
			chunks = append(chunks, text)
		}
	}
	return strings.Join(chunks, "\n\n")
}

// fetchPartialResult attempts a best-effort extraction from a session that
// is being torn down. Failures yield an empty string.
func (m *Manager) fetchPartialResult(ctx context.Context, sessionID string) string {
	messages, err := m.hostClient.Messages(ctx, sessionID)
	if err != nil {
		m.logger.Debug("partial result fetch failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return ""
	}
	return extractLastAssistantText(messages)
}
