// Package scheduler fires the distribution tick on a cron or interval spec.
//
// The scheduler only triggers; per-template work runs on the task engine.
// A tick that fires while the previous one is still running is skipped, so
// a slow tick never stacks up behind itself.
package scheduler
