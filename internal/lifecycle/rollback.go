package lifecycle

import (
	"context"
	"slices"
	"sync"

	"github.com/containerd/log"
)

// UndoFunc reverts one completed step. It should be idempotent.
type UndoFunc func(ctx context.Context) error

type undoStep struct {
	name string
	fn   UndoFunc
	done bool
}

// Rollback records the steps of a multi-step operation as they complete and
// undoes them in reverse order when the operation fails. All steps are
// attempted even if earlier ones fail.
type Rollback struct {
	mu    sync.Mutex
	steps []undoStep
}

// Push registers the undo function of a step that just completed.
func (r *Rollback) Push(name string, fn UndoFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, undoStep{name: name, fn: fn})
}

// Discard forgets every registered step, committing the operation.
func (r *Rollback) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = nil
}

// Execute undoes the registered steps, last first. Steps already undone are
// skipped, so calling Execute twice is harmless.
func (r *Rollback) Execute(ctx context.Context) *RollbackResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &RollbackResult{}
	logger := log.G(ctx)

	for i := len(r.steps) - 1; i >= 0; i-- {
		step := &r.steps[i]
		if step.fn == nil || step.done {
			continue
		}
		logger.WithField("step", step.name).Debug("rollback: undoing step")
		step.done = true
		if err := step.fn(ctx); err != nil {
			result.Add(step.name, err)
		}
	}

	if result.HasErrors() {
		logger.WithField("failed_steps", result.FailedSteps()).Warn("rollback completed with errors")
	} else if len(r.steps) > 0 {
		logger.Debug("rollback completed successfully")
	}
	return result
}

// Pending returns the names of the steps that would be undone, in undo order.
func (r *Rollback) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for _, s := range slices.Backward(r.steps) {
		if !s.done && s.fn != nil {
			names = append(names, s.name)
		}
	}
	return names
}
