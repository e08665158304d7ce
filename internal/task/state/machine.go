// Package state implements the table-driven task state machine. The machine
// validates transitions, runs enter/exit hooks, and guards commits with a
// compare-and-swap on the task's state version. Callers are responsible for
// serializing access to a given task; the manager performs every transition
// under its own lock.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
	"github.com/opencode-plugins/bgtasks/internal/events/bus"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// Transition refusal codes.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrExitHookFailed    = errors.New("exit hook failed")
	ErrEnterHookFailed   = errors.New("enter hook failed")
	ErrVersionMismatch   = errors.New("state version mismatch")
	ErrUnknownState      = errors.New("unknown state")
)

// Hook runs on state entry or exit. A hook may suspend; the machine
// re-validates the task's version after it returns.
type Hook func(ctx context.Context, task *models.Task) error

// Def describes one state in the transition table.
type Def struct {
	// Allowed lists the states reachable from this one.
	Allowed []models.Status

	// Terminal marks states with no outgoing transitions.
	Terminal bool

	// Timeout is the advisory maximum dwell time; enforcement is the
	// orphan sweep's job, not the machine's.
	Timeout time.Duration

	// Recovery is the state applied when this state's enter hook fails.
	Recovery models.Status

	OnEnter Hook
	OnExit  Hook
}

// Context carries the terminal-outcome fields applied on commit.
type Context struct {
	Result    string
	Error     string
	Truncated bool
}

// Machine validates and applies task state transitions.
type Machine struct {
	states map[models.Status]*Def
	bus    bus.Bus
	logger *logger.Logger
}

// New creates a state machine with the given table.
func New(table map[models.Status]*Def, eventBus bus.Bus, log *logger.Logger) *Machine {
	return &Machine{
		states: table,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "state-machine")),
	}
}

// NewDefault creates a state machine with the default background-task table.
func NewDefault(eventBus bus.Bus, log *logger.Logger) *Machine {
	return New(DefaultTable(), eventBus, log)
}

// DefaultTable returns the default transition table.
func DefaultTable() map[models.Status]*Def {
	return map[models.Status]*Def{
		models.StatusPending: {
			Allowed:  []models.Status{models.StatusStarting, models.StatusCancelled},
			Timeout:  60 * time.Second,
			Recovery: models.StatusCancelled,
		},
		models.StatusStarting: {
			Allowed:  []models.Status{models.StatusRunning, models.StatusFailed, models.StatusCancelled},
			Timeout:  30 * time.Second,
			Recovery: models.StatusFailed,
		},
		models.StatusRunning: {
			Allowed:  []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
			Timeout:  30 * time.Minute,
			Recovery: models.StatusFailed,
		},
		models.StatusCompleted: {Terminal: true},
		models.StatusFailed:    {Terminal: true},
		models.StatusCancelled: {Terminal: true},
	}
}

// Def returns the definition for a state, or nil if unknown.
func (m *Machine) Def(s models.Status) *Def {
	return m.states[s]
}

// IsTerminal reports whether the table marks s terminal.
func (m *Machine) IsTerminal(s models.Status) bool {
	def := m.states[s]
	return def != nil && def.Terminal
}

// CanTransition reports whether from -> to is in the table.
func (m *Machine) CanTransition(from, to models.Status) bool {
	def := m.states[from]
	if def == nil {
		return false
	}
	for _, allowed := range def.Allowed {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves task to target, applying tctx fields on commit. On
// success the task's version has advanced by exactly one (or two when a
// failed enter hook forced the recovery state) and a task.transition event
// has been emitted. Refusals are reported via the sentinel errors above and
// leave the task unchanged except as documented for ErrEnterHookFailed.
func (m *Machine) Transition(ctx context.Context, task *models.Task, target models.Status, tctx *Context) error {
	fromDef := m.states[task.Status]
	if fromDef == nil {
		return fmt.Errorf("%w: %s", ErrUnknownState, task.Status)
	}
	if !m.CanTransition(task.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, target)
	}

	from := task.Status
	version := task.StateVersion

	if fromDef.OnExit != nil {
		if err := fromDef.OnExit(ctx, task); err != nil {
			m.logger.Warn("exit hook failed",
				zap.String("task_id", task.ID),
				zap.String("from", string(from)),
				zap.String("to", string(target)),
				zap.Error(err))
			return fmt.Errorf("%w: %v", ErrExitHookFailed, err)
		}
		// Another writer may have advanced the task while the hook was
		// suspended.
		if task.StateVersion != version {
			return fmt.Errorf("%w: expected %d, found %d", ErrVersionMismatch, version, task.StateVersion)
		}
	}

	task.Status = target
	task.StateVersion++
	if tctx != nil {
		if tctx.Result != "" {
			task.Result = tctx.Result
		}
		if tctx.Error != "" {
			task.Error = tctx.Error
		}
		if tctx.Truncated {
			task.IsResultTruncated = true
		}
	}

	targetDef := m.states[target]
	if targetDef != nil && targetDef.OnEnter != nil {
		if err := targetDef.OnEnter(ctx, task); err != nil {
			if targetDef.Recovery != "" && targetDef.Recovery != target {
				task.Status = targetDef.Recovery
				task.StateVersion++
				task.Error = fmt.Sprintf("enter hook for %s failed: %v", target, err)
			}
			m.logger.Warn("enter hook failed",
				zap.String("task_id", task.ID),
				zap.String("target", string(target)),
				zap.String("recovery", string(task.Status)),
				zap.Error(err))
			return fmt.Errorf("%w: %v", ErrEnterHookFailed, err)
		}
	}

	m.bus.Emit(bus.NewEvent(bus.EventTaskTransition, task.ID, task.StateVersion, map[string]any{
		"from": string(from),
		"to":   string(target),
	}))

	m.logger.Debug("transition",
		zap.String("task_id", task.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.Int64("version", task.StateVersion))

	return nil
}
