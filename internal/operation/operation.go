package operation

import (
	"errors"
	"time"
)

// ErrTerminal is returned by Apply when a snapshot tried to move an
// operation out of a terminal status. The returned operation is still
// valid; only the status change was discarded.
var ErrTerminal = errors.New("operation already terminal")

// estimateStep and estimateCap shape the progress estimate used when the
// backend reports no percentage.
const (
	estimateStep = 5.0
	estimateCap  = 90.0
)

// Ref locates an operation on the backend. Route is the collection the
// backend exposes it under (jobs, logs, captures, health).
type Ref struct {
	ID    string `json:"id"`
	Route string `json:"route"`
}

// Snapshot is one decoded status response. Optional fields are nil when
// the backend omitted them.
type Snapshot struct {
	Status         Status
	Progress       *float64
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          string
	ArtifactsCount *int
	DownloadReady  bool
	Elapsed        *time.Duration
	Remaining      *time.Duration
	Health         HealthVerdict
}

// Operation is the local record of one remote operation.
type Operation struct {
	Ref            Ref           `json:"ref"`
	TargetID       string        `json:"target_id"`
	Kind           Kind          `json:"kind"`
	Status         Status        `json:"status"`
	Progress       float64       `json:"progress"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Error          string        `json:"error,omitempty"`
	ArtifactsCount *int          `json:"artifacts_count,omitempty"`
	DownloadReady  bool          `json:"download_ready"`
	Reported       bool          `json:"reported"`
	Duration       time.Duration `json:"duration,omitempty"`
	Elapsed        time.Duration `json:"elapsed,omitempty"`
	Remaining      time.Duration `json:"remaining,omitempty"`
	Health         HealthVerdict `json:"health,omitempty"`
	Ticks          int           `json:"ticks"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// New creates the record for a freshly started operation. duration is the
// configured capture length and may be zero.
func New(targetID string, kind Kind, ref Ref, duration time.Duration, now time.Time) Operation {
	op := Operation{
		Ref:       ref,
		TargetID:  targetID,
		Kind:      kind,
		Status:    StatusPending,
		StartedAt: now,
		Duration:  duration,
		Remaining: duration,
		UpdatedAt: now,
	}
	if kind == KindHealthProbe {
		op.Health = HealthUnknown
	}
	return op
}

// StartFailed synthesizes the terminal record for a target whose start
// request was rejected, so the workflow still reaches a terminal aggregate.
func StartFailed(targetID string, kind Kind, cause error, now time.Time) Operation {
	op := New(targetID, kind, Ref{}, 0, now)
	op.Status = StatusFailed
	op.Reported = true
	op.CompletedAt = &now
	op.Remaining = 0
	if cause != nil {
		op.Error = cause.Error()
	}
	if kind == KindHealthProbe {
		op.Health = HealthCritical
	}
	return op
}

// Terminal reports whether the status is absorbing.
func (o Operation) Terminal() bool {
	return o.Status.IsTerminal()
}

// Succeeded reports a terminal success, per-target partial included.
func (o Operation) Succeeded() bool {
	switch o.Status.Outcome() {
	case OutcomeSuccess, OutcomePartial:
		return true
	}
	return false
}

// FailedOrCancelled reports a terminal failure of any kind.
func (o Operation) FailedOrCancelled() bool {
	switch o.Status.Outcome() {
	case OutcomeFailure, OutcomeCancelled:
		return true
	}
	return false
}

// Settled reports that nothing further will change for this operation:
// it is terminal and, when its kind produces artifacts and it succeeded,
// the artifact is ready.
func (o Operation) Settled() bool {
	if !o.Terminal() {
		return false
	}
	if !o.Kind.ProducesArtifacts() || o.FailedOrCancelled() {
		return true
	}
	return o.DownloadReady
}

// Downloadable reports whether the artifact may be fetched.
func (o Operation) Downloadable() bool {
	return o.Kind.ProducesArtifacts() && o.Succeeded() && o.DownloadReady
}

// Apply folds a status snapshot into op and returns the new record. It is
// pure: op is not modified. Terminal statuses are absorbing; the only
// change accepted afterwards is the download readiness flip together with
// the artifact count confirming it. Ticks and UpdatedAt count
// non-terminal ticks only.
func Apply(op Operation, snap Snapshot, now time.Time) (Operation, error) {
	if op.Terminal() {
		return applyTerminal(op, snap)
	}
	next := op
	next.Ticks++
	next.UpdatedAt = now

	status := snap.Status
	if status == "" {
		status = op.Status
	}
	next.Status = status
	next.Reported = true

	if snap.StartedAt != nil && !snap.StartedAt.IsZero() {
		next.StartedAt = *snap.StartedAt
	}
	if snap.Error != "" {
		next.Error = snap.Error
	}
	if snap.ArtifactsCount != nil {
		n := *snap.ArtifactsCount
		next.ArtifactsCount = &n
	}
	if op.Kind.ProducesArtifacts() {
		next.DownloadReady = op.DownloadReady || snap.DownloadReady
	}
	if snap.Health != "" {
		next.Health = snap.Health
	}

	next.Progress = nextProgress(op, snap, status)

	if status.IsTerminal() {
		ts := now
		if snap.CompletedAt != nil && !snap.CompletedAt.IsZero() {
			ts = *snap.CompletedAt
		}
		next.CompletedAt = &ts
	}

	if op.Kind == KindCapture {
		next.Elapsed, next.Remaining = countdown(next, snap, now)
	}
	return next, nil
}

func applyTerminal(op Operation, snap Snapshot) (Operation, error) {
	next := op
	if op.Kind.ProducesArtifacts() && !op.DownloadReady && snap.DownloadReady {
		next.DownloadReady = true
		if snap.ArtifactsCount != nil {
			n := *snap.ArtifactsCount
			next.ArtifactsCount = &n
		}
	}
	if snap.Status != "" && snap.Status != op.Status {
		return next, ErrTerminal
	}
	return next, nil
}

func nextProgress(op Operation, snap Snapshot, status Status) float64 {
	if status.IsTerminal() && (status.Outcome() == OutcomeSuccess || status.Outcome() == OutcomePartial) {
		return 100
	}
	if snap.Progress != nil {
		p := clamp(*snap.Progress, 0, 100)
		if p < op.Progress {
			return op.Progress
		}
		return p
	}
	if status.Phase() == PhaseActive {
		return clamp(op.Progress+estimateStep, op.Progress, estimateCap)
	}
	return op.Progress
}

func countdown(op Operation, snap Snapshot, now time.Time) (time.Duration, time.Duration) {
	var elapsed time.Duration
	switch {
	case snap.Elapsed != nil:
		elapsed = *snap.Elapsed
	case op.Terminal() && op.CompletedAt != nil:
		elapsed = op.CompletedAt.Sub(op.StartedAt)
	default:
		elapsed = now.Sub(op.StartedAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if op.Terminal() {
		return elapsed, 0
	}
	if snap.Remaining != nil {
		r := *snap.Remaining
		if r < 0 {
			r = 0
		}
		return elapsed, r
	}
	remaining := op.Duration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return elapsed, remaining
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
