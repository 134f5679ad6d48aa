package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrBusy        = errors.New("template job already queued or running")
	ErrCoolingDown = errors.New("template job cooling down after repeated failures")

	errStale = errors.New("template job dropped: waited too long in queue")
)

// NoRetry marks a job error as permanent so the remaining attempts are not
// spent on it.
//
//	return engine.NoRetry(fmt.Errorf("bad cycle: %w", err))
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
