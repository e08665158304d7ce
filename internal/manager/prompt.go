package manager

import (
	"fmt"
	"strings"

	"github.com/opencode-plugins/bgtasks/internal/agents"
	"github.com/opencode-plugins/bgtasks/internal/host"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// nestedTools are disabled inside every child session so background tasks
// cannot spawn further background tasks.
var nestedTools = map[string]bool{
	"background_launch":   false,
	"background_retrieve": false,
	"background_cancel":   false,
	"task":                false,
}

// promptRequest builds the initial prompt for a freshly started task. The
// system block identifies the task and forbids nested launches; read-only
// agents additionally get the no-write clause.
func (m *Manager) promptRequest(sessionID string, task *models.Task) host.PromptRequest {
	body := host.PromptBody{
		Agent: task.Agent,
		Tools: copyTools(nestedTools),
		Parts: []host.Part{{Type: host.PartText, Text: task.Prompt}},
	}

	system := []string{taskSystemPrompt(task)}
	if task.Model != "" && task.Model != models.DefaultModel {
		body.Model = task.Model
	}
	if m.variants != nil {
		if variant, ok := m.variants.Resolve(task.Agent); ok {
			if variant.SystemPrompt != "" {
				system = append(system, variant.SystemPrompt)
			}
			if variant.Model != "" {
				body.Model = variant.Model
			}
			body.Variant = variant.Name
		}
	}
	body.System = system

	return host.PromptRequest{SessionID: sessionID, Body: body}
}

// promptExcerptLen caps the prompt excerpt echoed into the system block.
const promptExcerptLen = 200

// taskSystemPrompt identifies the background task to the child session.
func taskSystemPrompt(task *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are running as background task %s (agent: %s).\n", task.ID, task.Agent)
	fmt.Fprintf(&b, "Task description: %s\n", task.Description)
	fmt.Fprintf(&b, "Task: %s\n", excerpt(task.Prompt, promptExcerptLen))
	b.WriteString("Work autonomously: nobody will answer questions until you finish. ")
	b.WriteString("Produce a final summary of what you did and found; it will be ")
	b.WriteString("reported back to the session that launched you.\n")
	b.WriteString("You cannot launch background tasks of your own.")
	if agents.IsReadOnly(task.Agent) {
		b.WriteString("\nYou are a read-only agent: do not create, modify, or delete any files.")
	}
	return b.String()
}

// excerpt cuts s at max characters with an ellipsis.
func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func copyTools(src map[string]bool) map[string]bool {
	out := make(map[string]bool, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
