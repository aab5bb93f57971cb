package queue

import (
	"context"
	"errors"
)

// ErrEmpty is returned by Claim when no job became available within the
// claim timeout.
var ErrEmpty = errors.New("no job available")

// TransientError marks a stage failure as retryable. Stage handlers wrap
// timeouts and connection failures with Transient; anything else is
// terminal and goes straight to dead.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Retryable reports whether an error should re-queue the job. Deadline
// overruns count as transient even when not wrapped explicitly.
func Retryable(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
