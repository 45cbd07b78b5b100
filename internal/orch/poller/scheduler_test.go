package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tturner/ucops/internal/operation"
)

type step struct {
	snap operation.Snapshot
	err  error
}

// scriptFetcher replays a fixed sequence of responses per operation id and
// repeats the last one once the script runs out.
type scriptFetcher struct {
	mu      sync.Mutex
	scripts map[string][]step
	calls   map[string]int
}

func newScriptFetcher() *scriptFetcher {
	return &scriptFetcher{scripts: make(map[string][]step), calls: make(map[string]int)}
}

func (f *scriptFetcher) script(id string, steps ...step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = steps
}

func (f *scriptFetcher) Status(_ context.Context, ref operation.Ref) (operation.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	steps := f.scripts[ref.ID]
	n := f.calls[ref.ID]
	f.calls[ref.ID] = n + 1
	if len(steps) == 0 {
		return operation.Snapshot{Status: operation.StatusRunning}, nil
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	return steps[n].snap, steps[n].err
}

func (f *scriptFetcher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func st(s operation.Status) step { return step{snap: operation.Snapshot{Status: s}} }

func ready(s operation.Status) step {
	return step{snap: operation.Snapshot{Status: s, DownloadReady: true}}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPolicyInterval(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name string
		op   operation.Operation
		want time.Duration
		more bool
	}{
		{"pending", operation.Operation{Kind: operation.KindJob, Status: operation.StatusPending}, 3 * time.Second, true},
		{"configuring", operation.Operation{Kind: operation.KindCapture, Status: operation.StatusConfiguring}, 3 * time.Second, true},
		{"capturing", operation.Operation{Kind: operation.KindCapture, Status: operation.StatusCapturing}, 2 * time.Second, true},
		{"collecting", operation.Operation{Kind: operation.KindCapture, Status: operation.StatusCollecting}, 2 * time.Second, true},
		{"completed awaiting artifact", operation.Operation{Kind: operation.KindJob, Status: operation.StatusCompleted}, 2 * time.Second, true},
		{"completed and ready", operation.Operation{Kind: operation.KindJob, Status: operation.StatusCompleted, DownloadReady: true}, 0, false},
		{"failed", operation.Operation{Kind: operation.KindJob, Status: operation.StatusFailed}, 0, false},
		{"probe finished", operation.Operation{Kind: operation.KindHealthProbe, Status: operation.StatusCompleted}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, more := p.Interval(tt.op)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.more, more)
		})
	}
}

func TestSchedulerPollsThroughReadinessGapThenStops(t *testing.T) {
	fc := clockwork.NewFakeClock()
	f := newScriptFetcher()
	f.script("cap-1",
		st(operation.StatusPending),
		st(operation.StatusConfiguring),
		st(operation.StatusCapturing),
		st(operation.StatusCollecting),
		st(operation.StatusCompleted),
		st(operation.StatusCompleted),
		ready(operation.StatusCompleted),
	)
	store := operation.NewStore()
	require.NoError(t, store.Put(operation.New("t1", operation.KindCapture, operation.Ref{ID: "cap-1"}, time.Minute, fc.Now())))

	var mu sync.Mutex
	var seen []operation.Status
	s := New(f, store, Options{Clock: fc, OnUpdate: func(u Update) {
		mu.Lock()
		seen = append(seen, u.Current.Status)
		mu.Unlock()
	}})
	_, err := s.Schedule(context.Background(), "t1")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		fc.BlockUntil(1)
		fc.Advance(3 * time.Second)
	}
	require.NoError(t, s.Wait(waitCtx(t)))

	assert.Equal(t, 7, f.count("cap-1"))
	assert.Equal(t, 0, s.Active())
	op, _ := store.Get("t1")
	assert.True(t, op.Settled())
	assert.True(t, op.DownloadReady)

	// No further ticks once settled.
	fc.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 7, f.count("cap-1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 7)
	assert.Equal(t, operation.StatusCompleted, seen[4])
}

func TestSchedulerRetriesTransientErrors(t *testing.T) {
	fc := clockwork.NewFakeClock()
	f := newScriptFetcher()
	boom := errors.New("connection reset by peer")
	f.script("job-1",
		st(operation.StatusRunning),
		step{err: boom},
		step{err: boom},
		ready(operation.StatusCompleted),
	)
	store := operation.NewStore()
	require.NoError(t, store.Put(operation.New("t1", operation.KindJob, operation.Ref{ID: "job-1"}, 0, fc.Now())))

	var mu sync.Mutex
	var errs int
	s := New(f, store, Options{Clock: fc, OnUpdate: func(u Update) {
		if u.Err != nil {
			mu.Lock()
			errs++
			mu.Unlock()
			assert.Equal(t, operation.StatusRunning, u.Current.Status)
		}
	}})
	_, err := s.Schedule(context.Background(), "t1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		fc.BlockUntil(1)
		fc.Advance(3 * time.Second)
	}
	require.NoError(t, s.Wait(waitCtx(t)))

	op, _ := store.Get("t1")
	assert.Equal(t, operation.StatusCompleted, op.Status)
	assert.Empty(t, op.Error)
	mu.Lock()
	assert.Equal(t, 2, errs)
	mu.Unlock()
}

type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingFetcher) Status(context.Context, operation.Ref) (operation.Snapshot, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return operation.Snapshot{Status: operation.StatusCompleted, DownloadReady: true}, nil
}

func TestSchedulerDropsResponseAfterCancel(t *testing.T) {
	b := &blockingFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	store := operation.NewStore()
	require.NoError(t, store.Put(operation.New("t1", operation.KindJob, operation.Ref{ID: "job-1"}, 0, time.Now())))

	ticks := 0
	s := New(b, store, Options{OnUpdate: func(Update) { ticks++ }})
	_, err := s.Schedule(context.Background(), "t1")
	require.NoError(t, err)

	<-b.entered
	assert.True(t, s.Cancel("t1"))
	assert.False(t, s.Cancel("t1"), "cancel is idempotent")
	close(b.release)
	s.CancelAll()

	op, _ := store.Get("t1")
	assert.Equal(t, operation.StatusPending, op.Status)
	assert.False(t, op.Reported)
	assert.Equal(t, 0, ticks)
	assert.Equal(t, 0, s.Active())
}

func TestSchedulerCancelAllLeavesNoActivePolls(t *testing.T) {
	f := newScriptFetcher()
	store := operation.NewStore()
	s := New(f, store, Options{Policy: Policy{SetupInterval: 5 * time.Millisecond, ActiveInterval: 5 * time.Millisecond, FinalizingInterval: 5 * time.Millisecond}})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Put(operation.New(id, operation.KindCapture, operation.Ref{ID: id}, 0, time.Now())))
		_, err := s.Schedule(context.Background(), id)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Active())
	require.Eventually(t, func() bool { return f.count("a") > 1 && f.count("b") > 1 && f.count("c") > 1 }, 2*time.Second, 5*time.Millisecond)

	s.CancelAll()
	assert.Equal(t, 0, s.Active())
	before := f.count("a") + f.count("b") + f.count("c")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, f.count("a")+f.count("b")+f.count("c"))

	s.CancelAll()
	assert.NoError(t, s.Wait(waitCtx(t)))
}

func TestSchedulerParentCancelReleasesLoop(t *testing.T) {
	f := newScriptFetcher()
	store := operation.NewStore()
	s := New(f, store, Options{Policy: Policy{SetupInterval: 5 * time.Millisecond, ActiveInterval: 5 * time.Millisecond, FinalizingInterval: 5 * time.Millisecond}})
	require.NoError(t, store.Put(operation.New("t1", operation.KindCapture, operation.Ref{ID: "t1"}, 0, time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Schedule(ctx, "t1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.count("t1") > 0 }, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, s.Wait(waitCtx(t)))
	assert.Equal(t, 0, s.Active())
	assert.False(t, s.IsPolling("t1"))

	_, err = s.Schedule(context.Background(), "t1")
	require.NoError(t, err, "a released target can be polled again")
	assert.True(t, s.IsPolling("t1"))
	s.CancelAll()
}

func TestScheduleRules(t *testing.T) {
	store := operation.NewStore()
	s := New(newScriptFetcher(), store, Options{Clock: clockwork.NewFakeClock()})

	_, err := s.Schedule(context.Background(), "missing")
	assert.ErrorIs(t, err, operation.ErrNotFound)

	require.NoError(t, store.Put(operation.StartFailed("dead", operation.KindJob, errors.New("refused"), time.Now())))
	cancel, err := s.Schedule(context.Background(), "dead")
	require.NoError(t, err)
	cancel()
	assert.Equal(t, 0, s.Active())

	require.NoError(t, store.Put(operation.New("live", operation.KindJob, operation.Ref{ID: "x"}, 0, time.Now())))
	_, err = s.Schedule(context.Background(), "live")
	require.NoError(t, err)
	_, err = s.Schedule(context.Background(), "live")
	assert.ErrorIs(t, err, ErrAlreadyScheduled)
	s.CancelAll()
}

func TestSchedulerStopsWhenStoreCleared(t *testing.T) {
	fc := clockwork.NewFakeClock()
	f := newScriptFetcher()
	store := operation.NewStore()
	require.NoError(t, store.Put(operation.New("t1", operation.KindJob, operation.Ref{ID: "j"}, 0, fc.Now())))
	s := New(f, store, Options{Clock: fc})
	_, err := s.Schedule(context.Background(), "t1")
	require.NoError(t, err)

	fc.BlockUntil(1)
	store.Clear()
	fc.Advance(3 * time.Second)
	require.NoError(t, s.Wait(waitCtx(t)))
	assert.Equal(t, 0, s.Active())
}
