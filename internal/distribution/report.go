package distribution

import (
	"time"

	"taskdist/internal/models"
)

// Counts tallies occurrence outcomes.
type Counts struct {
	Emitted      int `json:"emitted"`
	Tasks        int `json:"tasks"`
	Duplicate    int `json:"duplicate"`
	Expired      int `json:"expired"`
	SkippedEmpty int `json:"skipped_empty"`
	RetryPending int `json:"retry_pending"`
	Failed       int `json:"failed"`
	Halted       int `json:"halted"`
}

func (c *Counts) add(o Counts) {
	c.Emitted += o.Emitted
	c.Tasks += o.Tasks
	c.Duplicate += o.Duplicate
	c.Expired += o.Expired
	c.SkippedEmpty += o.SkippedEmpty
	c.RetryPending += o.RetryPending
	c.Failed += o.Failed
	c.Halted += o.Halted
}

// PairReport is the outcome of one (template, rule) pair in one run.
type PairReport struct {
	TemplateID string           `json:"template_id"`
	RuleID     string           `json:"rule_id,omitempty"`
	Counts     Counts           `json:"counts"`
	Warnings   []models.Warning `json:"warnings,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Report is the outcome of a tick or a manual run.
type Report struct {
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
	Templates int          `json:"templates"`
	Skipped   int          `json:"skipped"` // template jobs skipped by the overlap guard
	Counts    Counts       `json:"counts"`
	Pairs     []PairReport `json:"pairs,omitempty"`
	Errors    []string     `json:"errors,omitempty"`
}

func (r *Report) merge(o Report) {
	r.Templates += o.Templates
	r.Skipped += o.Skipped
	r.Counts.add(o.Counts)
	r.Pairs = append(r.Pairs, o.Pairs...)
	r.Errors = append(r.Errors, o.Errors...)
}

// Snapshot is the operator view of the engine.
type Snapshot struct {
	Ticks      uint64   `json:"ticks"`
	LastReport *Report  `json:"last_report,omitempty"`
	Halted     []Halted `json:"halted,omitempty"`
}

// Halted is a pair stopped by a configuration error.
type Halted struct {
	TemplateID string    `json:"template_id"`
	RuleID     string    `json:"rule_id,omitempty"`
	Revision   int64     `json:"revision"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}
