package engine

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrUnavailable is returned when the engine cannot be reached.
	ErrUnavailable = errdefs.ErrUnavailable

	// ErrNotFound is returned when a container, image or network does not exist.
	ErrNotFound = errdefs.ErrNotFound

	// ErrConflict is returned when an object with the same name already exists.
	ErrConflict = errdefs.ErrConflict

	// ErrTimeout is returned when an engine call exceeds its deadline.
	// errdefs.IsDeadlineExceeded recognizes it.
	ErrTimeout = context.DeadlineExceeded
)

// Classify wraps err with op. Deadline expiries keep matching ErrTimeout.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNotFound reports whether err means the object is absent.
func IsNotFound(err error) bool { return errdefs.IsNotFound(err) }

// IsUnavailable reports whether err means the engine is unreachable.
func IsUnavailable(err error) bool { return errdefs.IsUnavailable(err) }

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool { return errdefs.IsDeadlineExceeded(err) }
