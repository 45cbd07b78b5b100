// Package aggregate derives a single workflow status from per-target
// operations.
package aggregate

import (
	"github.com/tturner/ucops/internal/operation"
)

// WorkflowStatus is the derived status of a whole workflow. It is never
// stored; recompute it from the operations.
type WorkflowStatus string

const (
	NotStarted WorkflowStatus = "not-started"
	Running    WorkflowStatus = "running"
	Completed  WorkflowStatus = "completed"
	Partial    WorkflowStatus = "partial"
	Failed     WorkflowStatus = "failed"
	Cancelled  WorkflowStatus = "cancelled"
)

// Terminal reports whether no further change is expected.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case Completed, Partial, Failed, Cancelled:
		return true
	}
	return false
}

// Options carry workflow-level facts the operations alone don't hold.
type Options struct {
	// Expected is the number of targets the workflow launched.
	Expected int
	// StopRequested is set once the operator stopped the workflow.
	StopRequested bool
}

// Counts break a workflow down by per-target state.
type Counts struct {
	Expected     int `json:"expected"`
	Reported     int `json:"reported"`
	InFlight     int `json:"in_flight"`
	Finalizing   int `json:"finalizing"`
	Succeeded    int `json:"succeeded"`
	Partial      int `json:"partial"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
	Downloadable int `json:"downloadable"`
}

// Settled is the number of operations that will not change again.
func (c Counts) Settled() int {
	return c.Succeeded + c.Partial + c.Failed + c.Cancelled
}

// Summary is everything a view needs to render the workflow header.
type Summary struct {
	Status   WorkflowStatus          `json:"status"`
	Progress float64                 `json:"progress"`
	Counts   Counts                  `json:"counts"`
	Health   operation.HealthVerdict `json:"health,omitempty"`
}

// Status computes the workflow status for ops launched against expected
// targets.
func Status(ops []operation.Operation, expected int) WorkflowStatus {
	return Summarize(ops, Options{Expected: expected}).Status
}

// Summarize computes status, progress, counts and worst health verdict.
func Summarize(ops []operation.Operation, opts Options) Summary {
	c := count(ops, opts.Expected)
	return Summary{
		Status:   status(c, opts),
		Progress: Progress(ops),
		Counts:   c,
		Health:   Health(ops),
	}
}

func count(ops []operation.Operation, expected int) Counts {
	c := Counts{Expected: expected}
	for _, op := range ops {
		if op.Reported {
			c.Reported++
		}
		if !op.Settled() {
			if op.Terminal() {
				c.Finalizing++
			} else {
				c.InFlight++
			}
			continue
		}
		switch op.Status.Outcome() {
		case operation.OutcomeSuccess:
			c.Succeeded++
		case operation.OutcomePartial:
			c.Partial++
		case operation.OutcomeFailure:
			c.Failed++
		case operation.OutcomeCancelled:
			c.Cancelled++
		}
		if op.Downloadable() {
			c.Downloadable++
		}
	}
	return c
}

func status(c Counts, opts Options) WorkflowStatus {
	if opts.Expected <= 0 {
		return NotStarted
	}
	// Targets that have not reported yet keep the workflow running even if
	// every known one is terminal.
	if c.Reported < opts.Expected || c.Settled() < opts.Expected {
		return Running
	}
	success := c.Succeeded + c.Partial
	switch {
	case c.Succeeded == opts.Expected:
		return Completed
	case success == 0 && opts.StopRequested:
		return Cancelled
	case success == 0:
		return Failed
	}
	return Partial
}

// Progress is the mean per-target progress. Settled successes count as
// 100 and settled failures as 0, whatever they last reported.
func Progress(ops []operation.Operation) float64 {
	if len(ops) == 0 {
		return 0
	}
	var total float64
	for _, op := range ops {
		switch {
		case op.Settled() && op.Succeeded():
			total += 100
		case op.Settled() && op.FailedOrCancelled():
		default:
			total += op.Progress
		}
	}
	return total / float64(len(ops))
}

// Health returns the worst verdict across health probes, or "" when the
// workflow has none.
func Health(ops []operation.Operation) operation.HealthVerdict {
	var worst operation.HealthVerdict
	for _, op := range ops {
		if op.Kind != operation.KindHealthProbe {
			continue
		}
		v := op.Health
		if !op.Terminal() {
			v = operation.HealthUnknown
		} else if op.FailedOrCancelled() && v != operation.HealthCritical {
			v = operation.HealthCritical
		}
		if worst == "" || v.Severity() > worst.Severity() {
			worst = v
		}
	}
	return worst
}
