package models

import "time"

// OccurrenceState tracks one (template, rule, periodKey).
//
//	NOT_DUE -> DUE -> EMITTED -> COMPLETED
//	            |        \-> EXPIRED (tasks overdue, set by the lifecycle)
//	            |-> EXPIRED (beyond the backfill bound, never generated)
//	            |-> SKIPPED_EMPTY
//	            |-> RETRY_PENDING -> DUE (next tick)
//	            \-> FAILED (configuration error)
type OccurrenceState string

const (
	OccurrenceNotDue       OccurrenceState = "NOT_DUE"
	OccurrenceDue          OccurrenceState = "DUE"
	OccurrenceRetryPending OccurrenceState = "RETRY_PENDING"
	OccurrenceEmitted      OccurrenceState = "EMITTED"
	OccurrenceCompleted    OccurrenceState = "COMPLETED"
	OccurrenceExpired      OccurrenceState = "EXPIRED"
	OccurrenceSkippedEmpty OccurrenceState = "SKIPPED_EMPTY"
	OccurrenceFailed       OccurrenceState = "FAILED"
)

// Terminal reports whether the state is recorded in the emission gate.
// Terminal keys are never processed again.
func (s OccurrenceState) Terminal() bool {
	switch s {
	case OccurrenceEmitted, OccurrenceCompleted, OccurrenceExpired, OccurrenceSkippedEmpty:
		return true
	}
	return false
}

// OccurrenceRecord is the observable outcome of one occurrence. The admin
// layer uses it to tell "scope was empty" from "failed" from "pending retry".
type OccurrenceRecord struct {
	Key      EmissionKey
	State    OccurrenceState
	RunAt    time.Time
	Detail   string
	Attempts int
	At       time.Time
}

// Emission is everything persisted atomically with the emission key.
type Emission struct {
	Key   EmissionKey
	RunAt time.Time
	Tasks []GeneratedTask
	Group *TaskGroup

	// Cursor, when set, must be committed with compare-and-swap semantics.
	Cursor *CursorState
}

// CursorState is the versioned rotation cursor for one rule.
type CursorState struct {
	PairKey  string
	Position int
	Version  int64
}
