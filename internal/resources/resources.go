// Package resources tracks per-task disposable resources and releases them
// in priority order when a task finalizes or the process exits.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
)

// DefaultDisposeTimeout bounds a single dispose call during cleanup.
const DefaultDisposeTimeout = 5 * time.Second

// Resource is a disposable owned by a task.
type Resource interface {
	// Dispose releases the resource. Dispose must be idempotent.
	Dispose(ctx context.Context) error

	// Disposed reports whether the resource has been released.
	Disposed() bool
}

// Func adapts a function to the Resource interface.
type Func struct {
	mu       sync.Mutex
	disposed bool
	fn       func(ctx context.Context) error
}

// NewFunc wraps fn as a Resource.
func NewFunc(fn func(ctx context.Context) error) *Func {
	return &Func{fn: fn}
}

// Dispose implements Resource.
func (f *Func) Dispose(ctx context.Context) error {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return nil
	}
	f.disposed = true
	f.mu.Unlock()
	return f.fn(ctx)
}

// Disposed implements Resource.
func (f *Func) Disposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

// entry is one registered resource.
type entry struct {
	id       string
	priority int
	resource Resource
}

// Manager is the per-task resource registry. Lower priority values are
// released first.
type Manager struct {
	mu     sync.Mutex
	tasks  map[string]map[string]*entry
	logger *logger.Logger
}

// NewManager creates a resource manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		tasks:  make(map[string]map[string]*entry),
		logger: log.WithFields(zap.String("component", "resource-manager")),
	}
}

// Register adds a resource under a task. Re-registering an id replaces the
// previous resource.
func (m *Manager) Register(taskID, resourceID string, priority int, r Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.tasks[taskID]
	if !ok {
		byID = make(map[string]*entry)
		m.tasks[taskID] = byID
	}
	byID[resourceID] = &entry{id: resourceID, priority: priority, resource: r}
}

// Count returns the number of live resources registered for a task.
func (m *Manager) Count(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks[taskID])
}

// Cleanup disposes every resource of a task in priority order. Each dispose
// is bounded by timeout. All resources are attempted; failures are collected
// and returned as an aggregate error. Cleanup is idempotent: a second call
// for the same task is a no-op.
func (m *Manager) Cleanup(ctx context.Context, taskID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDisposeTimeout
	}

	m.mu.Lock()
	byID := m.tasks[taskID]
	delete(m.tasks, taskID)
	m.mu.Unlock()

	if len(byID) == 0 {
		return nil
	}

	entries := make([]*entry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].id < entries[j].id
	})

	var errs []error
	for _, e := range entries {
		if e.resource.Disposed() {
			continue
		}
		if err := m.disposeBounded(ctx, e, timeout); err != nil {
			m.logger.Warn("resource dispose failed",
				zap.String("task_id", taskID),
				zap.String("resource_id", e.id),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("resource %s: %w", e.id, err))
		}
	}
	return errors.Join(errs...)
}

// disposeBounded races the dispose call against the timeout.
func (m *Manager) disposeBounded(ctx context.Context, e *entry, timeout time.Duration) error {
	disposeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.resource.Dispose(disposeCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-disposeCtx.Done():
		return fmt.Errorf("dispose timed out after %s", timeout)
	}
}

// CleanupAll releases every registered resource across all tasks. It is the
// process-exit path: disposals are fired without waiting and any error is
// only logged.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = make(map[string]map[string]*entry)
	m.mu.Unlock()

	for taskID, byID := range tasks {
		for _, e := range byID {
			if e.resource.Disposed() {
				continue
			}
			go func(taskID string, e *entry) {
				ctx, cancel := context.WithTimeout(context.Background(), DefaultDisposeTimeout)
				defer cancel()
				if err := e.resource.Dispose(ctx); err != nil {
					m.logger.Warn("resource dispose failed during shutdown",
						zap.String("task_id", taskID),
						zap.String("resource_id", e.id),
						zap.Error(err))
				}
			}(taskID, e)
		}
	}
}
