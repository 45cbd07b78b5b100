package operation

import "strings"

// Kind is the class of remote operation started for a target.
type Kind string

const (
	KindJob         Kind = "job"
	KindCapture     Kind = "capture"
	KindHealthProbe Kind = "healthProbe"
)

// ProducesArtifacts reports whether operations of this kind end with a
// downloadable artifact. Kinds that don't are settled as soon as they are
// terminal.
func (k Kind) ProducesArtifacts() bool {
	return k == KindJob || k == KindCapture
}

// Status is the normalized per-operation state. Backends use overlapping
// vocabularies; ParseStatus folds them into this set.
type Status string

const (
	StatusPending     Status = "pending"
	StatusAccepted    Status = "accepted"
	StatusQueued      Status = "queued"
	StatusStarting    Status = "starting"
	StatusConfiguring Status = "configuring"
	StatusReady       Status = "ready"

	StatusRunning    Status = "running"
	StatusCapturing  Status = "capturing"
	StatusStopping   Status = "stopping"
	StatusCollecting Status = "collecting"

	StatusSucceeded Status = "succeeded"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusStopped   Status = "stopped"
)

// Phase groups statuses by what the poller should do with them.
type Phase int

const (
	PhaseSetup Phase = iota
	PhaseActive
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "setup"
	case PhaseActive:
		return "active"
	case PhaseTerminal:
		return "terminal"
	}
	return "unknown"
}

// Outcome classifies terminal statuses.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomePartial
	OutcomeFailure
	OutcomeCancelled
)

// ParseStatus normalizes a backend status string. Unknown values are kept
// verbatim and treated as active so polling continues.
func ParseStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "created", "new":
		return StatusPending
	case "canceled":
		return StatusCancelled
	case "success", "done", "finished", "complete":
		return StatusCompleted
	case "error", "errored", "timeout", "timed_out":
		return StatusFailed
	case "in_progress", "in-progress", "processing":
		return StatusRunning
	case "partial_success", "partially_completed":
		return StatusPartial
	}
	return Status(s)
}

// Phase returns the scheduling phase of s.
func (s Status) Phase() Phase {
	switch s {
	case StatusPending, StatusAccepted, StatusQueued, StatusStarting, StatusConfiguring, StatusReady:
		return PhaseSetup
	case StatusSucceeded, StatusCompleted, StatusPartial, StatusFailed, StatusCancelled, StatusStopped:
		return PhaseTerminal
	}
	return PhaseActive
}

// IsTerminal reports whether s is absorbing.
func (s Status) IsTerminal() bool {
	return s.Phase() == PhaseTerminal
}

// Outcome classifies a terminal status. Non-terminal statuses return
// OutcomeNone. A capture stopped by the operator still produced a file, so
// stopped counts as success.
func (s Status) Outcome() Outcome {
	switch s {
	case StatusSucceeded, StatusCompleted, StatusStopped:
		return OutcomeSuccess
	case StatusPartial:
		return OutcomePartial
	case StatusFailed:
		return OutcomeFailure
	case StatusCancelled:
		return OutcomeCancelled
	}
	return OutcomeNone
}

// HealthVerdict is the result of a health probe.
type HealthVerdict string

const (
	HealthUnknown  HealthVerdict = "unknown"
	HealthHealthy  HealthVerdict = "healthy"
	HealthDegraded HealthVerdict = "degraded"
	HealthCritical HealthVerdict = "critical"
)

// ParseHealthVerdict normalizes backend health strings.
func ParseHealthVerdict(raw string) HealthVerdict {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "healthy", "ok", "pass", "passed":
		return HealthHealthy
	case "degraded", "warning", "warn":
		return HealthDegraded
	case "critical", "error", "fail", "failed", "unhealthy":
		return HealthCritical
	}
	return HealthUnknown
}

// Severity orders verdicts from best to worst.
func (v HealthVerdict) Severity() int {
	switch v {
	case HealthHealthy:
		return 0
	case HealthUnknown:
		return 1
	case HealthDegraded:
		return 2
	case HealthCritical:
		return 3
	}
	return 1
}
