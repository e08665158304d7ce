// Package tools implements the three host-facing tool handlers: launching a
// background task, retrieving a finished task's result, and cancelling
// tasks. Handlers return the formatted text the calling agent sees.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
	"github.com/opencode-plugins/bgtasks/internal/common/taskerr"
	"github.com/opencode-plugins/bgtasks/internal/manager"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// waitModeTimeout bounds a synchronous launch before it falls back to the
// asynchronous report.
const waitModeTimeout = 30 * time.Second

// largeResultThreshold is the payload size above which the retrieve output
// suggests discarding irrelevant detail.
const largeResultThreshold = 5000

// Handler exposes the background task tools.
type Handler struct {
	manager *manager.Manager
	logger  *logger.Logger
}

// NewHandler creates the tool handler.
func NewHandler(mgr *manager.Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager: mgr,
		logger:  log.WithFields(zap.String("component", "tools")),
	}
}

// LaunchParams are the arguments of the launch tool.
type LaunchParams struct {
	ParentSessionID string `json:"parentSessionId"`
	CallerAgent     string `json:"callerAgent,omitempty"`
	Agent           string `json:"agent"`
	Description     string `json:"description"`
	Prompt          string `json:"prompt"`
	Model           string `json:"model,omitempty"`

	// Wait blocks up to thirty seconds for the task to finish and reports
	// its result inline when it does.
	Wait bool `json:"wait,omitempty"`
}

// Launch starts a background task. In wait mode the call blocks briefly; a
// task that outlives the wait keeps running and is reported as such.
func (h *Handler) Launch(ctx context.Context, params LaunchParams) (string, error) {
	task, err := h.manager.Launch(ctx, manager.LaunchRequest{
		ParentSessionID: params.ParentSessionID,
		CallerAgent:     params.CallerAgent,
		Agent:           params.Agent,
		Description:     params.Description,
		Prompt:          params.Prompt,
		Model:           params.Model,
	})
	if err != nil {
		return "", err
	}

	if params.Wait {
		done := h.manager.WaitForCompletion(ctx, task.ID, waitModeTimeout)
		if done != nil && done.Status.IsTerminal() {
			h.manager.ClearPendingRetrieval(done.ID)
			return formatResult(done), nil
		}
		return fmt.Sprintf(
			"Background task %s is still running after %s. It will keep working; "+
				"you will be notified when it finishes, or retrieve it with background_retrieve.",
			task.ID, waitModeTimeout), nil
	}

	return fmt.Sprintf(
		"Launched background task %s (%s): %s\n"+
			"You will be notified when it completes.",
		task.ID, task.Agent, task.Description), nil
}

// RetrieveParams are the arguments of the retrieve tool.
type RetrieveParams struct {
	TaskID string `json:"taskId"`
}

// Retrieve returns the formatted result block for a task and marks it
// retrieved. Tasks still in flight are reported with their current status
// instead of a result.
func (h *Handler) Retrieve(ctx context.Context, params RetrieveParams) (string, error) {
	if !models.ValidTaskID(params.TaskID) {
		return "", taskerr.Validation(taskerr.ErrMalformedTaskID, "%q", params.TaskID)
	}
	task := h.manager.Get(params.TaskID)
	if task == nil {
		return "", taskerr.Validation(taskerr.ErrUnknownTask, "%s (it may have been evicted)", params.TaskID)
	}

	if !task.Status.IsTerminal() {
		return "", taskerr.Validation(taskerr.ErrTaskNotTerminal,
			"task %s is still %s; stop polling, its completion will be announced to this session",
			task.ID, task.Status)
	}

	h.manager.ClearPendingRetrieval(task.ID)
	return formatResult(task), nil
}

// CancelParams are the arguments of the cancel tool.
type CancelParams struct {
	// TaskID cancels one task. Mutually exclusive with All.
	TaskID string `json:"taskId,omitempty"`

	// All cancels every live task, regardless of which session launched it.
	All bool `json:"all,omitempty"`

	ParentSessionID string `json:"parentSessionId"`
}

// Cancel stops one task, or every live task when no id is given.
func (h *Handler) Cancel(ctx context.Context, params CancelParams) (string, error) {
	if params.All {
		n, err := h.manager.CancelAll(ctx)
		if err != nil {
			return "", err
		}
		switch n {
		case 0:
			return "No running background tasks to cancel.", nil
		case 1:
			return "Cancelled 1 background task.", nil
		default:
			return fmt.Sprintf("Cancelled %d background tasks.", n), nil
		}
	}

	if params.TaskID == "" {
		return "", taskerr.Validation(nil, "taskId is required unless all=true")
	}
	cancelled, err := h.manager.Cancel(ctx, params.TaskID)
	if err != nil {
		return "", err
	}
	if !cancelled {
		task := h.manager.Get(params.TaskID)
		if task == nil {
			return "", taskerr.Validation(taskerr.ErrUnknownTask, "%s", params.TaskID)
		}
		return fmt.Sprintf("Task %s is already %s; nothing to cancel.", task.ID, task.Status), nil
	}
	return fmt.Sprintf("Cancelled task %s.", params.TaskID), nil
}

// formatResult renders the terminal result block for a task.
func formatResult(task *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Background task %s [%s]\n", task.ID, task.Status)
	fmt.Fprintf(&b, "Description: %s\n", task.Description)
	if task.CompletedAt != nil {
		fmt.Fprintf(&b, "Duration: %.0fs\n", task.CompletedAt.Sub(task.StartedAt).Seconds())
	}
	if task.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", task.Error)
	}

	result := task.Result
	fmt.Fprintf(&b, "Result size: %d bytes\n", len(result))
	if task.IsResultTruncated {
		b.WriteString("Note: the result was truncated at the storage limit.\n")
	}
	if len(result) > largeResultThreshold {
		b.WriteString("Note: large result; discard whatever is not relevant to your current goal.\n")
	}
	b.WriteString("\n")
	if result == "" {
		b.WriteString("(No output)")
	} else {
		b.WriteString(result)
	}
	return b.String()
}
