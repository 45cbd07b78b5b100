package poller

import (
	"time"

	"github.com/tturner/ucops/internal/operation"
)

// Policy maps an operation's state to its next poll delay.
type Policy struct {
	// SetupInterval applies while the backend is preparing the operation.
	SetupInterval time.Duration
	// ActiveInterval applies while the operation is doing work.
	ActiveInterval time.Duration
	// FinalizingInterval applies once the operation is terminal but its
	// artifact is not yet downloadable.
	FinalizingInterval time.Duration
	// RequestTimeout bounds a single status request. Zero means no bound.
	RequestTimeout time.Duration
}

// DefaultPolicy returns the standard cadence.
func DefaultPolicy() Policy {
	return Policy{
		SetupInterval:      3 * time.Second,
		ActiveInterval:     2 * time.Second,
		FinalizingInterval: 2 * time.Second,
		RequestTimeout:     30 * time.Second,
	}
}

// Interval returns the delay before the next poll, and false when the
// operation is settled and must not be polled again.
func (p Policy) Interval(op operation.Operation) (time.Duration, bool) {
	if op.Settled() {
		return 0, false
	}
	if op.Terminal() {
		return p.FinalizingInterval, true
	}
	if op.Status.Phase() == operation.PhaseSetup {
		return p.SetupInterval, true
	}
	return p.ActiveInterval, true
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.SetupInterval <= 0 {
		p.SetupInterval = d.SetupInterval
	}
	if p.ActiveInterval <= 0 {
		p.ActiveInterval = d.ActiveInterval
	}
	if p.FinalizingInterval <= 0 {
		p.FinalizingInterval = d.FinalizingInterval
	}
	return p
}
