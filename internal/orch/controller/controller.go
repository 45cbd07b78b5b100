// Package controller runs a submitted workflow: it starts every target's
// remote operation, keeps them polled until they settle and collects the
// results.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/tturner/ucops/internal/aggregate"
	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/logging"
	"github.com/tturner/ucops/internal/metrics"
	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/orch/poller"
	"github.com/tturner/ucops/internal/target"
	"github.com/tturner/ucops/internal/wizard"
)

// Phase represents a workflow execution phase.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLaunch  Phase = "launch"
	PhasePoll    Phase = "poll"
	PhaseSettled Phase = "settled"
	PhaseCollect Phase = "collect"
	PhaseDone    Phase = "done"
)

// startConcurrency bounds parallel start requests.
const startConcurrency = 4

var (
	ErrNoTargets       = errors.New("workflow has no targets")
	ErrAlreadyLaunched = errors.New("workflow already launched")
	ErrNotLaunched     = errors.New("workflow not launched")
	// ErrReset is returned by a Launch overtaken by Reset. Its results
	// are discarded.
	ErrReset = errors.New("workflow was reset during launch")
)

// PhaseCallback is called when the phase changes.
type PhaseCallback func(phase Phase, msg string)

// Recorder persists finished workflows.
type Recorder interface {
	RecordWorkflow(ctx context.Context, r Result) error
}

// Options configure the controller.
type Options struct {
	Name    string
	Policy  poller.Policy
	Clock   clockwork.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// Trace receives one sample per poll tick when set.
	Trace    *metrics.Writer
	Recorder Recorder
	OnPhase  PhaseCallback
}

// Event is published to subscribers after every change.
type Event struct {
	WorkflowID string
	Phase      Phase
	// Update is the poll tick that caused the event; zero for launch and
	// reset events.
	Update  poller.Update
	Summary aggregate.Summary
}

// Result is the state of a workflow at a point in time.
type Result struct {
	WorkflowID string
	Name       string
	Flow       wizard.Flow
	Summary    aggregate.Summary
	StartedAt  time.Time
	FinishedAt time.Time
	Targets    []target.Target
	Operations []operation.Operation
}

// Controller owns the operation store and poll scheduler of one workflow
// at a time. It implements wizard.Launcher and wizard.Resetter.
type Controller struct {
	client    backend.Client
	registry  *target.Registry
	store     *operation.Store
	scheduler *poller.Scheduler
	opts      Options

	mu sync.Mutex
	// gen is bumped by every Reset.
	gen           uint64
	ctx           context.Context
	cancel        context.CancelFunc
	id            string
	flow          wizard.Flow
	phase         Phase
	expected      int
	stopRequested bool
	startedAt     time.Time
	finishedAt    time.Time
	settled       chan struct{}
	finished      bool
	subs          map[int]chan Event
	nextSub       int
}

var (
	_ wizard.Launcher = (*Controller)(nil)
	_ wizard.Resetter = (*Controller)(nil)
)

// New creates a controller starting operations through client for the
// targets held in reg.
func New(client backend.Client, reg *target.Registry, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	c := &Controller{
		client:   client,
		registry: reg,
		store:    operation.NewStore(),
		opts:     opts,
		phase:    PhaseIdle,
		settled:  make(chan struct{}),
		subs:     make(map[int]chan Event),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.scheduler = poller.New(client, c.store, poller.Options{
		Policy:   opts.Policy,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		OnUpdate: c.onUpdate,
		Describe: c.describe,
	})
	return c
}

// Launch starts one operation per submitted target. A rejected start
// becomes a failed operation so the workflow still settles. A Reset
// while the starts are in flight wins: the started operations are
// stopped best effort and ErrReset is returned.
func (c *Controller) Launch(ctx context.Context, sub wizard.Submission) error {
	if len(sub.Targets) == 0 {
		return ErrNoTargets
	}
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrAlreadyLaunched
	}
	gen := c.gen
	c.id = uuid.NewString()
	c.flow = sub.Flow
	c.expected = len(sub.Targets)
	c.stopRequested = false
	c.startedAt = c.opts.Clock.Now()
	c.phase = PhaseLaunch
	pollCtx := c.ctx
	c.registry.Lock()
	c.mu.Unlock()

	c.notifyPhase(PhaseLaunch, fmt.Sprintf("starting %d %s operations", len(sub.Targets), sub.Flow.Kind()))
	c.opts.Logger.LogStartup(string(sub.Flow), string(sub.Flow.Kind()), len(sub.Targets), "", "")

	startCtx, cancelStarts := context.WithCancel(ctx)
	defer cancelStarts()
	defer context.AfterFunc(pollCtx, cancelStarts)()

	ops := make([]operation.Operation, len(sub.Targets))
	var g errgroup.Group
	g.SetLimit(startConcurrency)
	for i, t := range sub.Targets {
		i, t := i, t
		g.Go(func() error {
			ops[i] = c.start(startCtx, sub, t)
			return nil
		})
	}
	_ = g.Wait()

	// The generation check, the store writes and the scheduling share
	// c.mu so a concurrent Reset either sees all of them or none.
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.abandon(ctx, ops)
		return ErrReset
	}
	for _, op := range ops {
		if err := c.store.Put(op); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("record operation for %s: %w", op.TargetID, err)
		}
	}
	c.phase = PhasePoll
	for _, op := range ops {
		if op.Settled() {
			continue
		}
		if _, err := c.scheduler.Schedule(pollCtx, op.TargetID); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	c.notifyPhase(PhasePoll, "polling")
	c.publish(Event{Phase: PhasePoll})
	c.checkSettled()
	return nil
}

// abandon stops operations started by a launch that lost to Reset.
func (c *Controller) abandon(ctx context.Context, ops []operation.Operation) {
	for _, op := range ops {
		if op.Ref.ID == "" || op.Terminal() {
			continue
		}
		if err := c.client.Stop(ctx, op.Ref); err != nil {
			c.opts.Logger.Warn("stop abandoned %s %s: %v", op.Kind, op.Ref.ID, err)
			continue
		}
		c.opts.Logger.Verbose("stopped %s %s started before reset", op.Kind, op.Ref.ID)
	}
}

func (c *Controller) start(ctx context.Context, sub wizard.Submission, t target.Target) operation.Operation {
	kind := sub.Flow.Kind()
	ref, err := c.client.Start(ctx, sub.Options.Request(sub.Flow, t))
	now := c.opts.Clock.Now()
	if err != nil {
		c.opts.Logger.Error("start %s on %s failed: %v", kind, t, err)
		c.opts.Metrics.ObserveTransition(string(kind), string(operation.StatusFailed))
		return operation.StartFailed(t.ID, kind, err, now)
	}
	c.opts.Logger.Verbose("started %s %s on %s", kind, ref.ID, t)
	return operation.New(t.ID, kind, ref, sub.Options.Duration(sub.Flow), now)
}

func (c *Controller) onUpdate(u poller.Update) {
	if c.opts.Trace != nil {
		sample := metrics.Sample{
			Timestamp:     c.opts.Clock.Now(),
			Workflow:      c.WorkflowID(),
			TargetID:      u.TargetID,
			Device:        c.describe(u.TargetID),
			Kind:          string(u.Current.Kind),
			Status:        string(u.Current.Status),
			Progress:      u.Current.Progress,
			DownloadReady: u.Current.DownloadReady,
			LatencyMs:     float64(u.Latency) / float64(time.Millisecond),
		}
		if u.Err != nil {
			sample.Error = u.Err.Error()
		}
		if err := c.opts.Trace.WriteSample(sample); err != nil {
			c.opts.Logger.Debug("trace write failed: %v", err)
		}
	}
	c.publish(Event{Phase: c.Phase(), Update: u})
	if u.Settled {
		c.checkSettled()
	}
}

// checkSettled finishes the workflow once the aggregate is terminal. It
// runs the completion steps exactly once.
func (c *Controller) checkSettled() {
	c.mu.Lock()
	if c.finished || c.phase != PhasePoll {
		c.mu.Unlock()
		return
	}
	summary := c.summaryLocked()
	if !summary.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.phase = PhaseSettled
	c.finishedAt = c.opts.Clock.Now()
	close(c.settled)
	c.mu.Unlock()

	c.banner(summary)
	c.opts.Metrics.ObserveWorkflow(string(c.flow), string(summary.Status))
	c.notifyPhase(PhaseSettled, string(summary.Status))
	c.publish(Event{Phase: PhaseSettled})

	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.RecordWorkflow(context.Background(), c.Result()); err != nil {
			c.opts.Logger.Warn("record workflow history: %v", err)
		}
	}
}

func (c *Controller) banner(s aggregate.Summary) {
	msg := fmt.Sprintf("workflow %s: %d/%d succeeded, %d failed, %d cancelled",
		s.Status, s.Counts.Succeeded+s.Counts.Partial, s.Counts.Expected, s.Counts.Failed, s.Counts.Cancelled)
	switch s.Status {
	case aggregate.Completed:
		c.opts.Logger.Info("%s", msg)
	default:
		c.opts.Logger.Warn("%s", msg)
	}
}

// Stop asks the backend to stop every unsettled operation. Stopping is
// best effort; the outcome is observed through polling.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		return ErrNotLaunched
	}
	c.stopRequested = true
	c.mu.Unlock()

	var errs []error
	for _, op := range c.store.List() {
		if op.Terminal() || op.Ref.ID == "" {
			continue
		}
		if err := c.client.Stop(ctx, op.Ref); err != nil {
			c.opts.Logger.Warn("stop %s: %v", c.describe(op.TargetID), err)
			errs = append(errs, fmt.Errorf("%s: %w", c.describe(op.TargetID), err))
		}
	}
	c.publish(Event{Phase: c.Phase()})
	return errors.Join(errs...)
}

// Reset cancels every poll, waits for the loops to exit and discards all
// operation state. Safe to call repeatedly and from any phase.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.gen++
	c.cancel()
	c.mu.Unlock()

	c.scheduler.CancelAll()

	c.mu.Lock()
	c.store.Clear()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.id = ""
	c.flow = ""
	c.phase = PhaseIdle
	c.expected = 0
	c.stopRequested = false
	c.startedAt = time.Time{}
	c.finishedAt = time.Time{}
	if !c.finished {
		close(c.settled)
	}
	c.settled = make(chan struct{})
	c.finished = false
	c.mu.Unlock()

	c.notifyPhase(PhaseIdle, "reset")
	c.publish(Event{Phase: PhaseIdle})
}

// Close stops polling for good.
func (c *Controller) Close() {
	c.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

// Wait blocks until the workflow settles or ctx ends.
func (c *Controller) Wait(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		return Result{}, ErrNotLaunched
	}
	settled := c.settled
	c.mu.Unlock()

	select {
	case <-settled:
		return c.Result(), nil
	case <-ctx.Done():
		return c.Result(), ctx.Err()
	}
}

// Summary returns the current aggregate view.
func (c *Controller) Summary() aggregate.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summaryLocked()
}

func (c *Controller) summaryLocked() aggregate.Summary {
	return aggregate.Summarize(c.store.List(), aggregate.Options{
		Expected:      c.expected,
		StopRequested: c.stopRequested,
	})
}

// Operations returns the operations in target registration order.
func (c *Controller) Operations() []operation.Operation {
	var out []operation.Operation
	for _, t := range c.registry.List() {
		if op, ok := c.store.Get(t.ID); ok {
			out = append(out, op)
		}
	}
	return out
}

// Lookup returns the operation of one target.
func (c *Controller) Lookup(targetID string) (operation.Operation, bool) {
	return c.store.Get(targetID)
}

// Result snapshots the workflow.
func (c *Controller) Result() Result {
	c.mu.Lock()
	r := Result{
		WorkflowID: c.id,
		Name:       c.opts.Name,
		Flow:       c.flow,
		Summary:    c.summaryLocked(),
		StartedAt:  c.startedAt,
		FinishedAt: c.finishedAt,
	}
	c.mu.Unlock()
	r.Targets = c.registry.List()
	r.Operations = c.Operations()
	return r
}

// ActivePolls is the number of live poll loops.
func (c *Controller) ActivePolls() int {
	return c.scheduler.Active()
}

// IsPolling reports whether a target still has a live poll loop.
func (c *Controller) IsPolling(targetID string) bool {
	return c.scheduler.IsPolling(targetID)
}

func (c *Controller) WorkflowID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// SetPhase records a post-settle phase driven by the caller, such as
// collecting downloads.
func (c *Controller) SetPhase(p Phase, msg string) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.notifyPhase(p, msg)
	c.publish(Event{Phase: p})
}

// Subscribe returns a channel receiving events. Slow subscribers miss
// events rather than block polling. Call the returned func to
// unsubscribe.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				close(ch)
				delete(c.subs, id)
			}
		})
	}
}

func (c *Controller) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev.WorkflowID = c.id
	ev.Summary = c.summaryLocked()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Controller) notifyPhase(p Phase, msg string) {
	if c.opts.OnPhase != nil {
		c.opts.OnPhase(p, msg)
	}
}

func (c *Controller) describe(targetID string) string {
	if t, ok := c.registry.Get(targetID); ok {
		return t.String()
	}
	return targetID
}
