package lifecycle

import (
	"errors"
	"fmt"

	"github.com/example/roadside-dispatch/internal/storage"
)

var (
	ErrNotFound          = storage.ErrNotFound
	ErrAlreadyAssigned   = errors.New("request already assigned")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotAssignee       = errors.New("provider is not assigned to this request")
	ErrBadRequest        = errors.New("bad request")
)

// RetryableError wraps a store failure the caller may retry.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string   { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *RetryableError) Unwrap() error   { return e.Err }
func (e *RetryableError) Retryable() bool { return true }

func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// storeErr keeps NotFound as is and marks everything else retryable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return &RetryableError{Op: op, Err: err}
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}
