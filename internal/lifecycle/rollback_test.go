package lifecycle

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestRollback_ReverseOrder(t *testing.T) {
	var order []string
	record := func(name string) UndoFunc {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	rb := &Rollback{}
	rb.Push("address", record("address"))
	rb.Push("container", record("container"))
	rb.Push("endpoint", record("endpoint"))

	if got := rb.Pending(); !slices.Equal(got, []string{"endpoint", "container", "address"}) {
		t.Errorf("Pending() = %v", got)
	}

	result := rb.Execute(t.Context())
	if result.HasErrors() {
		t.Errorf("unexpected errors: %v", result.Error())
	}
	if want := []string{"endpoint", "container", "address"}; !slices.Equal(order, want) {
		t.Errorf("undo order = %v, want %v", order, want)
	}
}

func TestRollback_CollectsAllErrors(t *testing.T) {
	errContainer := errors.New("container error")
	errAddress := errors.New("address error")
	ran := 0

	rb := &Rollback{}
	rb.Push("address", func(ctx context.Context) error { ran++; return errAddress })
	rb.Push("container", func(ctx context.Context) error { ran++; return errContainer })
	rb.Push("endpoint", func(ctx context.Context) error { ran++; return nil })

	result := rb.Execute(t.Context())
	if ran != 3 {
		t.Errorf("expected all 3 steps to run, got %d", ran)
	}
	if !result.HasErrors() {
		t.Fatal("expected errors")
	}
	if got := result.FailedSteps(); !slices.Equal(got, []string{"container", "address"}) {
		t.Errorf("FailedSteps() = %v", got)
	}

	err := result.AsError()
	if !errors.Is(err, errContainer) || !errors.Is(err, errAddress) {
		t.Errorf("result should wrap both step errors: %v", err)
	}
	var rbErr *RollbackError
	if !errors.As(err, &rbErr) || rbErr.Step != "container" {
		t.Errorf("errors.As RollbackError = %v", rbErr)
	}
}

func TestRollback_Idempotent(t *testing.T) {
	calls := 0
	rb := &Rollback{}
	rb.Push("container", func(ctx context.Context) error { calls++; return nil })

	rb.Execute(t.Context())
	rb.Execute(t.Context())
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if len(rb.Pending()) != 0 {
		t.Errorf("expected nothing pending, got %v", rb.Pending())
	}
}

func TestRollback_Discard(t *testing.T) {
	called := false
	rb := &Rollback{}
	rb.Push("container", func(ctx context.Context) error { called = true; return nil })
	rb.Discard()

	if result := rb.Execute(t.Context()); result.HasErrors() {
		t.Errorf("unexpected errors: %v", result)
	}
	if called {
		t.Error("discarded step should not run")
	}
}

func TestRollbackResult_Nil(t *testing.T) {
	var r *RollbackResult
	if r.HasErrors() {
		t.Error("nil result has no errors")
	}
	if r.AsError() != nil {
		t.Error("nil result should not be an error")
	}
	if r.FailedSteps() != nil {
		t.Error("nil result has no failed steps")
	}
}

func TestRunError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	rb := &RollbackResult{}
	rb.Add("container", errors.New("remove failed"))

	err := error(&RunError{Phase: PhaseStart, Err: cause, Rollback: rb})
	if !errors.Is(err, cause) {
		t.Error("RunError should unwrap to its cause")
	}
	want := "run failed at start: boom (rollback completed with errors: rollback of container failed: remove failed)"
	if err.Error() != want {
		t.Errorf("Error() = %q", err.Error())
	}
}
