package manager

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// orphanError is recorded on tasks whose parent session disappeared.
const orphanError = "Parent session was deleted while task was running"

// sweepProbeConcurrency bounds parallel parent-session probes per sweep.
const sweepProbeConcurrency = 8

// sweepLoop reconciles live tasks against the host on a fixed interval.
func (m *Manager) sweepLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.OrphanSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// sweepCandidate is one live task inspected by a sweep pass.
type sweepCandidate struct {
	taskID          string
	sessionID       string
	parentSessionID string
	startedAt       time.Time
}

// Sweep fails tasks whose parent session no longer exists and tasks that
// have been running longer than the configured maximum. Parent probes run
// concurrently with bounded parallelism.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	var candidates []sweepCandidate
	for id, task := range m.tasks {
		if m.finalizing[id] {
			continue
		}
		if task.Status != models.StatusRunning && task.Status != models.StatusStarting {
			continue
		}
		candidates = append(candidates, sweepCandidate{
			taskID:          id,
			sessionID:       task.SessionID,
			parentSessionID: task.ParentSessionID,
			startedAt:       task.StartedAt,
		})
	}
	runningTimeout := m.config.RunningTimeout()
	m.mu.Unlock()

	if len(candidates) == 0 {
		return
	}

	now := m.now()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(sweepProbeConcurrency)

	for _, candidate := range candidates {
		group.Go(func() error {
			if now.Sub(candidate.startedAt) > runningTimeout {
				m.failOrphan(groupCtx, candidate,
					fmt.Sprintf("Task exceeded maximum running time of %s", runningTimeout))
				return nil
			}

			if _, err := m.hostClient.GetSession(groupCtx, candidate.parentSessionID); err != nil {
				m.logger.Warn("parent session gone, failing orphan",
					zap.String("task_id", candidate.taskID),
					zap.String("parent_session_id", candidate.parentSessionID),
					zap.Error(err))
				m.failOrphan(groupCtx, candidate, orphanError)
			}
			return nil
		})
	}
	_ = group.Wait()
}

// failOrphan finalizes a swept task as failed, keeping whatever partial
// output its session holds.
func (m *Manager) failOrphan(ctx context.Context, candidate sweepCandidate, reason string) {
	oc := outcome{errText: reason}
	if candidate.sessionID != "" {
		oc.result = m.fetchPartialResult(ctx, candidate.sessionID)
	}
	m.finalize(ctx, candidate.taskID, models.StatusFailed, oc)
}
