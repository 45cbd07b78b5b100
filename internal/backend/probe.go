package backend

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tturner/ucops/internal/operation"
)

// The backend answers /health/devices synchronously and may take minutes.
// Probes run in the background under a local id so they poll like any
// other operation.
type probe struct {
	cancel    context.CancelFunc
	done      bool
	startedAt time.Time
	endedAt   time.Time
	verdict   operation.HealthVerdict
	errMsg    string
	report    []byte
	cancelled bool
}

type probeTracker struct {
	now    func() time.Time
	mu     sync.Mutex
	probes map[string]*probe
}

func newProbeTracker(now func() time.Time) *probeTracker {
	return &probeTracker{now: now, probes: make(map[string]*probe)}
}

func (c *HTTPClient) startProbe(req Request) operation.Ref {
	id := "probe-" + uuid.NewString()
	// Detached from the caller: the probe outlives the request that began it.
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeouts.Long)
	p := &probe{cancel: cancel, startedAt: c.probes.now()}

	c.probes.mu.Lock()
	c.probes.probes[id] = p
	c.probes.mu.Unlock()

	payload := healthBody(req)
	go func() {
		defer cancel()
		body, err := c.do(ctx, http.MethodPost, "/health/devices", payload)
		c.probes.finish(id, body, err)
		if err != nil {
			c.Logger.Verbose("health probe %s for %s failed: %v", id, req.Target, err)
		}
	}()
	return operation.Ref{ID: id, Route: RouteHealth}
}

func (t *probeTracker) finish(id string, body []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.probes[id]
	if !ok {
		return
	}
	p.done = true
	p.endedAt = t.now()
	if err != nil {
		p.errMsg = err.Error()
		return
	}
	p.report = body
	p.verdict, p.errMsg = decodeHealth(body)
}

func (t *probeTracker) status(id string) (operation.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.probes[id]
	if !ok {
		return operation.Snapshot{}, &APIError{Method: http.MethodGet, Path: "/health/" + id, StatusCode: http.StatusNotFound, Message: "unknown probe"}
	}
	started := p.startedAt
	snap := operation.Snapshot{StartedAt: &started, Health: operation.HealthUnknown}
	switch {
	case !p.done:
		snap.Status = operation.StatusRunning
	case p.cancelled:
		snap.Status = operation.StatusCancelled
	case p.report == nil:
		snap.Status = operation.StatusFailed
		snap.Error = p.errMsg
	default:
		snap.Status = operation.StatusCompleted
		snap.Health = p.verdict
		snap.Error = p.errMsg
		full := 100.0
		snap.Progress = &full
	}
	if p.done {
		ended := p.endedAt
		snap.CompletedAt = &ended
	}
	return snap, nil
}

func (t *probeTracker) cancel(id string) error {
	t.mu.Lock()
	p, ok := t.probes[id]
	if ok && !p.done {
		p.done = true
		p.cancelled = true
		p.endedAt = t.now()
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: probe %s", ErrUnknownRef, id)
	}
	p.cancel()
	return nil
}

func (t *probeTracker) report(id string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.probes[id]
	if !ok || p.report == nil {
		return nil, false
	}
	return p.report, true
}

func (t *probeTracker) forget(id string) {
	t.mu.Lock()
	p, ok := t.probes[id]
	delete(t.probes, id)
	t.mu.Unlock()
	if ok {
		p.cancel()
	}
}

func (t *probeTracker) cancelAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.probes))
	for id := range t.probes {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		_ = t.cancel(id)
	}
}
