package queue

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrLockLost means the worker no longer owns the job (stall recovery
	// moved it, or an operator removed it) so its outcome was discarded.
	ErrLockLost      = errors.New("job lock lost")
	ErrJobActive     = errors.New("job is active")
	ErrNotFailed     = errors.New("job is not in failed state")
	ErrWorkerStartup = errors.New("worker startup failed")
	ErrWorkerClosed  = errors.New("worker closed")
)

// NoRetry marks an error as non-retryable.
//
// Processors wrap validation errors or other permanent failures with NoRetry
// so the job goes straight to failed instead of burning its attempts.
//
// Example:
//
//	return nil, queue.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// HandlerError records one failed attempt of a job.
type HandlerError struct {
	Queue   string
	JobID   string
	Attempt int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("job %s/%s attempt %d: %v", e.Queue, e.JobID, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// StartupError is returned when a worker cannot bind to its queue.
type StartupError struct {
	Queue string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%v: queue %s: %v", ErrWorkerStartup, e.Queue, e.Err)
}

func (e *StartupError) Unwrap() []error { return []error{ErrWorkerStartup, e.Err} }
