package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/target"
)

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []string
	fail    map[string]error
}

func (f *fakeFetcher) FetchBundle(_ context.Context, ref operation.Ref) (*backend.Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, ref.ID)
	if err := f.fail[ref.ID]; err != nil {
		return nil, err
	}
	data := []byte("artifact " + ref.ID)
	return &backend.Download{Body: io.NopCloser(bytes.NewReader(data)), Filename: ref.ID + ".pcap", Size: int64(len(data))}, nil
}

func (f *fakeFetcher) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type fixture struct {
	targets []target.Target
	ops     map[string]operation.Operation
}

func (fx *fixture) lookup(id string) (operation.Operation, bool) {
	op, ok := fx.ops[id]
	return op, ok
}

func newFixture(statuses ...operation.Status) *fixture {
	fx := &fixture{ops: make(map[string]operation.Operation)}
	for i, s := range statuses {
		id := string(rune('a' + i))
		t := target.Target{ID: id, DeviceType: target.DeviceCUBE, Host: "10.0.0." + string(rune('1'+i)), Port: 22}
		fx.targets = append(fx.targets, t)
		fx.ops[id] = operation.Operation{
			Ref:           operation.Ref{ID: "cap-" + id, Route: backend.RouteCaptures},
			TargetID:      id,
			Kind:          operation.KindCapture,
			Status:        s,
			DownloadReady: s == operation.StatusCompleted,
		}
	}
	return fx
}

type advancer interface {
	BlockUntil(n int)
	Advance(d time.Duration)
}

func waitResults(t *testing.T, fc advancer, triggers int, stagger time.Duration, run func() ([]Result, error)) ([]Result, error) {
	t.Helper()
	type out struct {
		res []Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := run()
		done <- out{res, err}
	}()
	for i := 1; i < triggers; i++ {
		fc.BlockUntil(1)
		fc.Advance(stagger)
	}
	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(5 * time.Second):
		t.Fatal("DownloadAll did not finish")
	}
	return nil, nil
}

func TestDownloadAllStaggersReadyTargets(t *testing.T) {
	fx := newFixture(operation.StatusCompleted, operation.StatusCompleted, operation.StatusCompleted)
	f := &fakeFetcher{}
	fc := clockwork.NewFakeClock()
	b, _ := Create(t.TempDir(), "wf")
	c := NewCoordinator(f, b, Options{Clock: fc})

	res, err := waitResults(t, fc, 3, DefaultStagger, func() ([]Result, error) {
		return c.DownloadAll(context.Background(), fx.targets, fx.lookup)
	})
	if err != nil {
		t.Fatalf("DownloadAll() error = %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
	for i, r := range res {
		if r.TargetID != fx.targets[i].ID {
			t.Errorf("result %d target = %s, want %s", i, r.TargetID, fx.targets[i].ID)
		}
		if r.Err != nil || r.Bytes == 0 || r.SHA256 == "" {
			t.Errorf("result %d = %+v", i, r)
		}
		if i > 0 {
			if gap := r.TriggeredAt.Sub(res[i-1].TriggeredAt); gap != 500*time.Millisecond {
				t.Errorf("gap before trigger %d = %s, want 500ms", i, gap)
			}
		}
	}
	if len(f.ids()) != 3 {
		t.Errorf("fetched %v", f.ids())
	}
	if _, err := os.Stat(filepath.Join(b.Path, filepath.FromSlash(res[0].Path))); err != nil {
		t.Errorf("saved file missing: %v", err)
	}
}

func TestDownloadAllSkipsFailedTargets(t *testing.T) {
	fx := newFixture(operation.StatusFailed, operation.StatusCompleted)
	f := &fakeFetcher{}
	fc := clockwork.NewFakeClock()
	b, _ := Create(t.TempDir(), "wf")
	c := NewCoordinator(f, b, Options{Clock: fc})

	res, err := waitResults(t, fc, 1, DefaultStagger, func() ([]Result, error) {
		return c.DownloadAll(context.Background(), fx.targets, fx.lookup)
	})
	if err != nil {
		t.Fatalf("DownloadAll() error = %v", err)
	}
	if len(res) != 1 || res[0].TargetID != "b" {
		t.Fatalf("results = %+v", res)
	}
	if ids := f.ids(); len(ids) != 1 || ids[0] != "cap-b" {
		t.Errorf("fetched %v", ids)
	}
}

func TestDownloadAllDoesNotMutateOperations(t *testing.T) {
	fx := newFixture(operation.StatusCompleted)
	before := fx.ops["a"]
	b, _ := Create(t.TempDir(), "wf")
	c := NewCoordinator(&fakeFetcher{}, b, Options{Clock: clockwork.NewFakeClock()})
	if _, err := c.DownloadAll(context.Background(), fx.targets, fx.lookup); err != nil {
		t.Fatal(err)
	}
	if fx.ops["a"] != before {
		t.Errorf("operation changed: %+v", fx.ops["a"])
	}
}

func TestDownloadAllReportsFailures(t *testing.T) {
	fx := newFixture(operation.StatusCompleted, operation.StatusCompleted)
	boom := errors.New("gateway timeout")
	f := &fakeFetcher{fail: map[string]error{"cap-a": boom}}
	fc := clockwork.NewFakeClock()
	b, _ := Create(t.TempDir(), "wf")
	c := NewCoordinator(f, b, Options{Clock: fc})

	res, err := waitResults(t, fc, 2, DefaultStagger, func() ([]Result, error) {
		return c.DownloadAll(context.Background(), fx.targets, fx.lookup)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("DownloadAll() error = %v, want %v", err, boom)
	}
	if res[0].Err == nil || res[1].Err != nil {
		t.Errorf("results = %+v", res)
	}
}

func TestDownloadOneRequiresReady(t *testing.T) {
	fx := newFixture(operation.StatusCapturing)
	f := &fakeFetcher{}
	b, _ := Create(t.TempDir(), "wf")
	c := NewCoordinator(f, b, Options{})

	_, err := c.DownloadOne(context.Background(), fx.targets[0], fx.ops["a"])
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("DownloadOne() error = %v, want ErrNotReady", err)
	}
	if len(f.ids()) != 0 {
		t.Errorf("fetch should not run, got %v", f.ids())
	}

	op := fx.ops["a"]
	op.Status = operation.StatusCompleted
	op.DownloadReady = true
	res, err := c.DownloadOne(context.Background(), fx.targets[0], op)
	if err != nil {
		t.Fatalf("DownloadOne() error = %v", err)
	}
	if res.Path == "" {
		t.Error("expected a saved path")
	}
}

func TestZipAfterDownloadCarriesHashes(t *testing.T) {
	fx := newFixture(operation.StatusCompleted)
	b, _ := Create(t.TempDir(), "wf")
	c := NewCoordinator(&fakeFetcher{}, b, Options{Clock: clockwork.NewFakeClock()})

	zipPath := filepath.Join(t.TempDir(), "out", "wf.zip")
	if _, err := c.DownloadAll(context.Background(), fx.targets, fx.lookup); err != nil {
		t.Fatalf("DownloadAll() error = %v", err)
	}
	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if err := b.Zip(zipPath); err != nil {
		t.Fatalf("Zip() error = %v", err)
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["wf/"+HashesFile] {
		t.Errorf("zip missing hashes file: %v", names)
	}
	if !names["wf/targets/cube_10.0.0.1/cap-a.pcap"] {
		t.Errorf("zip missing capture: %v", names)
	}
}
