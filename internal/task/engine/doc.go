// Package engine runs template distribution jobs on a bounded worker pool.
//
// At most one job per template key is queued or running. A key whose jobs
// keep failing cools down before it is accepted again.
package engine
