package models

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyScope means scope resolution produced no candidates. It is a
	// warning: the occurrence is skipped, not failed.
	ErrEmptyScope = errors.New("scope resolved to no candidates")

	// ErrDuplicateEmission is returned by the emission gate when the key was
	// already resolved by another tick.
	ErrDuplicateEmission = errors.New("emission key already present")

	// ErrCursorConflict means the rotation cursor moved underneath us.
	ErrCursorConflict = errors.New("rotation cursor version conflict")

	ErrNotFound = errors.New("not found")
)

// ConfigError is a configuration problem on a template or rule. Processing
// of the affected pair halts until the template revision changes.
type ConfigError struct {
	TemplateID string
	RuleID     string
	Reason     string
	Err        error
}

func (e *ConfigError) Error() string {
	where := e.TemplateID
	if e.RuleID != "" {
		where += "/" + e.RuleID
	}
	msg := e.Reason
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if where == "" {
		return "configuration error: " + msg
	}
	return fmt.Sprintf("configuration error (%s): %s", where, msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError without pair context; the engine fills
// TemplateID/RuleID when it surfaces the error.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err carries a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// AsConfigError extracts the ConfigError from err.
func AsConfigError(err error) (*ConfigError, bool) {
	var ce *ConfigError
	ok := errors.As(err, &ce)
	return ce, ok
}

// TransientError wraps a collaborator failure that is worth retrying on a
// later tick.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("collaborator %s unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Warning is a non-fatal configuration finding.
type Warning struct {
	Code    string
	Message string
}

func (w Warning) String() string { return w.Code + ": " + w.Message }

const (
	WarnQuorumClamped   = "quorum_clamped"
	WarnZeroDueWindow   = "zero_due_window"
	WarnGroupingIgnored = "grouping_ignored"
)
