// Package saga runs ordered finalization steps with per-step compensations.
// Atomicity here is at the business-logic level: a failed step triggers
// reverse-order compensation of the steps that already completed.
package saga

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
)

// Step is one unit of a saga.
type Step struct {
	// Name identifies the step in results and logs.
	Name string

	// Run executes the step.
	Run func(ctx context.Context) error

	// Compensate undoes a completed Run. Optional; compensation errors
	// are logged and do not stop the rollback.
	Compensate func(ctx context.Context) error
}

// Result reports a saga execution.
type Result struct {
	// Completed lists the steps that ran successfully, in order.
	Completed []string

	// FailedStep names the step that failed, empty on success.
	FailedStep string

	// Err is the failure cause, nil on success.
	Err error
}

// OK reports whether the saga completed every step.
func (r *Result) OK() bool {
	return r.Err == nil
}

// Orchestrator executes sagas.
type Orchestrator struct {
	logger *logger.Logger
}

// NewOrchestrator creates a saga orchestrator.
func NewOrchestrator(log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		logger: log.WithFields(zap.String("component", "saga")),
	}
}

// Execute runs steps sequentially. On a step failure the compensations of
// all previously completed steps run in reverse order and the result names
// the failed step. Panics inside a step are recovered and treated as step
// failures; Execute itself never panics.
func (o *Orchestrator) Execute(ctx context.Context, name string, steps []Step) *Result {
	result := &Result{}

	for i, step := range steps {
		err := o.runStep(ctx, step)
		if err == nil {
			result.Completed = append(result.Completed, step.Name)
			continue
		}

		result.FailedStep = step.Name
		result.Err = fmt.Errorf("saga %s step %s: %w", name, step.Name, err)
		o.logger.Error("saga step failed",
			zap.String("saga", name),
			zap.String("step", step.Name),
			zap.Error(err))

		o.compensate(ctx, name, steps[:i])
		return result
	}

	o.logger.Debug("saga completed",
		zap.String("saga", name),
		zap.Int("steps", len(steps)))
	return result
}

// runStep invokes a step's Run with panic recovery.
func (o *Orchestrator) runStep(ctx context.Context, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step: %v", r)
		}
	}()
	return step.Run(ctx)
}

// compensate runs the compensations of completed steps in reverse order.
func (o *Orchestrator) compensate(ctx context.Context, name string, completed []Step) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("panic in saga compensation",
						zap.String("saga", name),
						zap.String("step", step.Name),
						zap.Any("panic", r))
				}
			}()
			if err := step.Compensate(ctx); err != nil {
				o.logger.Error("saga compensation failed",
					zap.String("saga", name),
					zap.String("step", step.Name),
					zap.Error(err))
			}
		}()
	}
}
