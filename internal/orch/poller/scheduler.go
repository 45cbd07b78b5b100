// Package poller drives one status loop per remote operation until the
// operation settles.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tturner/ucops/internal/logging"
	"github.com/tturner/ucops/internal/metrics"
	"github.com/tturner/ucops/internal/operation"
)

var ErrAlreadyScheduled = errors.New("operation already scheduled")

// StatusFetcher retrieves the current backend status of an operation.
type StatusFetcher interface {
	Status(ctx context.Context, ref operation.Ref) (operation.Snapshot, error)
}

// Update describes the outcome of one poll tick.
type Update struct {
	TargetID string
	Previous operation.Operation
	Current  operation.Operation
	// Err is a transient fetch error. The operation is unchanged when set.
	Err     error
	Latency time.Duration
	Settled bool
}

// Changed reports whether the tick moved the operation's status.
func (u Update) Changed() bool {
	return u.Err == nil && u.Previous.Status != u.Current.Status
}

// Options configure a Scheduler.
type Options struct {
	Policy  Policy
	Clock   clockwork.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// OnUpdate is called after every tick, outside any lock, from the
	// tick's goroutine.
	OnUpdate func(Update)
	// Describe renders a target for log lines.
	Describe func(targetID string) string
}

type loop struct {
	targetID string
	ref      operation.Ref
	kind     operation.Kind
	cancel   context.CancelFunc
	failures int
}

// Scheduler owns every poll loop. Each loop is a goroutine that fetches,
// reduces into the store and sleeps for the policy interval.
type Scheduler struct {
	fetcher StatusFetcher
	store   *operation.Store
	policy  Policy
	clock   clockwork.Clock
	log     *logging.Logger
	metrics *metrics.Metrics
	onTick  func(Update)
	name    func(string) string

	mu      sync.Mutex
	loops   map[string]*loop
	drained chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler writing into store.
func New(fetcher StatusFetcher, store *operation.Store, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Describe == nil {
		opts.Describe = func(id string) string { return id }
	}
	return &Scheduler{
		fetcher: fetcher,
		store:   store,
		policy:  opts.Policy.withDefaults(),
		clock:   opts.Clock,
		log:     opts.Logger,
		metrics: opts.Metrics,
		onTick:  opts.OnUpdate,
		name:    opts.Describe,
		loops:   make(map[string]*loop),
	}
}

// Schedule starts polling the stored operation of targetID. The first
// fetch happens immediately. Settled operations are not polled and a
// no-op cancel is returned.
func (s *Scheduler) Schedule(ctx context.Context, targetID string) (context.CancelFunc, error) {
	op, ok := s.store.Get(targetID)
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", targetID, operation.ErrNotFound)
	}
	if op.Settled() {
		return func() {}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.loops[targetID]; exists {
		return nil, fmt.Errorf("schedule %s: %w", targetID, ErrAlreadyScheduled)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l := &loop{targetID: targetID, ref: op.Ref, kind: op.Kind, cancel: cancel}
	s.loops[targetID] = l
	if len(s.loops) == 1 {
		s.drained = make(chan struct{})
	}
	s.metrics.SetActivePolls(len(s.loops))

	s.wg.Add(1)
	go s.run(loopCtx, l)

	return func() { s.Cancel(targetID) }, nil
}

// Cancel stops polling one target. It is idempotent and reports whether a
// live loop was stopped.
func (s *Scheduler) Cancel(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[targetID]
	if !ok {
		return false
	}
	s.removeLocked(l)
	return true
}

// CancelAll stops every loop and waits for their goroutines to exit.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	for _, l := range s.loops {
		s.removeLocked(l)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Active returns the number of live poll loops.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

// IsPolling reports whether targetID has a live loop.
func (s *Scheduler) IsPolling(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[targetID]
	return ok
}

// Wait blocks until no loop is live or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	if len(s.loops) == 0 {
		s.mu.Unlock()
		return nil
	}
	drained := s.drained
	s.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// removeLocked must be called with s.mu held.
func (s *Scheduler) removeLocked(l *loop) {
	if s.loops[l.targetID] != l {
		return
	}
	l.cancel()
	delete(s.loops, l.targetID)
	s.metrics.SetActivePolls(len(s.loops))
	if len(s.loops) == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

func (s *Scheduler) run(ctx context.Context, l *loop) {
	// Every exit path deregisters the loop, including cancellation of the
	// context passed to Schedule. removeLocked ignores a loop that Cancel
	// or a newer Schedule already replaced.
	defer func() {
		s.mu.Lock()
		s.removeLocked(l)
		s.mu.Unlock()
		s.wg.Done()
	}()

	for {
		start := s.clock.Now()
		snap, err := s.fetch(ctx, l.ref)
		latency := s.clock.Since(start)
		if ctx.Err() != nil {
			return
		}
		s.metrics.ObservePoll(string(l.kind), latency, err)

		upd, live := s.commit(l, snap, err)
		if !live {
			return
		}
		upd.Latency = latency
		s.report(l, upd)
		if s.onTick != nil {
			s.onTick(upd)
		}
		if upd.Settled {
			return
		}

		delay, more := s.policy.Interval(upd.Current)
		if !more {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
	}
}

func (s *Scheduler) fetch(ctx context.Context, ref operation.Ref) (operation.Snapshot, error) {
	if s.policy.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.policy.RequestTimeout)
		defer cancel()
	}
	return s.fetcher.Status(ctx, ref)
}

// commit writes the tick's result into the store. The liveness check and
// the write share s.mu so a response arriving after Cancel is dropped.
func (s *Scheduler) commit(l *loop, snap operation.Snapshot, fetchErr error) (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loops[l.targetID] != l {
		return Update{}, false
	}

	upd := Update{TargetID: l.targetID}
	if fetchErr != nil {
		l.failures++
		cur, _ := s.store.Get(l.targetID)
		upd.Previous, upd.Current, upd.Err = cur, cur, fetchErr
		return upd, true
	}
	l.failures = 0

	prev, next, err := s.store.Apply(l.targetID, snap, s.clock.Now())
	if errors.Is(err, operation.ErrNotFound) {
		s.removeLocked(l)
		return Update{}, false
	}
	if err != nil && !errors.Is(err, operation.ErrTerminal) {
		upd.Err = err
	}
	upd.Previous, upd.Current = prev, next
	upd.Settled = next.Settled()
	if upd.Settled {
		s.removeLocked(l)
	}
	return upd, true
}

func (s *Scheduler) report(l *loop, upd Update) {
	if upd.Err != nil {
		s.log.Verbose("status poll for %s failed (attempt %d, will retry): %v", s.name(l.targetID), l.failures, upd.Err)
		return
	}
	if upd.Changed() {
		s.metrics.ObserveTransition(string(l.kind), string(upd.Current.Status))
		s.log.LogTransition(l.targetID, s.name(l.targetID), string(l.kind),
			string(upd.Previous.Status), string(upd.Current.Status), upd.Current.Progress, failureText(upd.Current))
	}
	if upd.Current.DownloadReady && !upd.Previous.DownloadReady {
		s.log.Verbose("artifact ready for %s", s.name(l.targetID))
	}
	if upd.Settled {
		s.log.Debug("polling stopped for %s after %d ticks", s.name(l.targetID), upd.Current.Ticks)
	}
}

func failureText(op operation.Operation) string {
	if !op.FailedOrCancelled() {
		return ""
	}
	if op.Error == "" {
		return string(op.Status)
	}
	return op.Error
}
