package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/fleetd/internal/role"
)

// Sentinel errors for lifecycle failures.
// Use errors.Is() to check for these error types.
var (
	// ErrTrustValidation indicates an acquired image failed content-trust validation.
	ErrTrustValidation = errors.New("image failed trust validation")

	// ErrCreateConflict indicates a container of the same name already exists and
	// could not be cleaned up. It matches errdefs.ErrConflict.
	ErrCreateConflict = fmt.Errorf("container already exists: %w", errdefs.ErrConflict)

	// ErrNotSupported indicates the role lacks the capability the operation needs.
	ErrNotSupported = role.ErrNotSupported

	// ErrNotInstalled indicates Run was called before any version was installed.
	ErrNotInstalled = errors.New("no version installed")

	// ErrFailed indicates the controller is Failed and needs an explicit cleanup.
	ErrFailed = errors.New("container is failed; cleanup required")

	// ErrInvalidStateTransition indicates an invalid state machine transition was attempted.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// RunPhase identifies the step of Run where an error occurred.
type RunPhase string

const (
	PhaseAddress RunPhase = "address"
	PhaseCreate  RunPhase = "create"
	PhaseAttach  RunPhase = "attach"
	PhaseStart   RunPhase = "start"
)

// RunError represents a failed Run. Rollback holds the errors of undoing the
// steps that had already completed, if any.
type RunError struct {
	Phase    RunPhase
	Err      error
	Rollback *RollbackResult
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("run failed at %s: %v", e.Phase, e.Err)
	if e.Rollback.HasErrors() {
		msg += " (" + e.Rollback.Error() + ")"
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// RollbackError is the failure of one undo step.
type RollbackError struct {
	Step string
	Err  error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of %s failed: %v", e.Step, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

// RollbackResult collects the errors of every undo step.
//
//nolint:errname // RollbackResult is a result container that can be used as an error
type RollbackResult struct {
	Errors []*RollbackError
}

// Add records an error for step. Nil errors are ignored.
func (r *RollbackResult) Add(step string, err error) {
	if err != nil {
		r.Errors = append(r.Errors, &RollbackError{Step: step, Err: err})
	}
}

// HasErrors returns true if any step failed. A nil result has none.
func (r *RollbackResult) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

func (r *RollbackResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return "rollback completed with errors: " + strings.Join(msgs, "; ")
}

func (r *RollbackResult) Unwrap() []error {
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errs
}

// AsError returns the result as an error, or nil if no errors occurred.
func (r *RollbackResult) AsError() error {
	if !r.HasErrors() {
		return nil
	}
	return r
}

// FailedSteps returns the names of the steps that failed.
func (r *RollbackResult) FailedSteps() []string {
	if r == nil {
		return nil
	}
	steps := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		steps = append(steps, e.Step)
	}
	return steps
}

// StateTransitionError represents an invalid state transition attempt.
type StateTransitionError struct {
	From    string
	To      string
	Current string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s (current state: %s)", e.From, e.To, e.Current)
}

func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// NewStateTransitionError creates a new state transition error.
func NewStateTransitionError(from, to, current string) *StateTransitionError {
	return &StateTransitionError{From: from, To: to, Current: current}
}
