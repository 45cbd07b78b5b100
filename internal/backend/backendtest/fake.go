// Package backendtest provides a scripted in-memory backend for tests.
package backendtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/target"
)

// Step is one scripted Status response.
type Step struct {
	Snapshot operation.Snapshot
	Err      error
}

// Call records one invocation against the fake.
type Call struct {
	Method string
	Ref    operation.Ref
	Host   string
}

// Fake implements backend.Client. Status responses replay per-host
// scripts; the last step repeats once a script is exhausted.
type Fake struct {
	mu sync.Mutex

	// StartErrors fails Start for the given host.
	StartErrors map[string]error
	// Scripts holds Status responses keyed by target host.
	Scripts map[string][]Step
	// Bundles holds download bodies keyed by target host.
	Bundles     map[string][]byte
	Nodes       []target.Node
	ProfileSets map[target.DeviceType][]backend.Profile
	// StatusHook runs before each Status response is returned.
	StatusHook func(ref operation.Ref)
	// StartHook runs before each Start is recorded, outside the lock.
	StartHook func(req backend.Request)
	// ArtifactLists holds Artifacts responses keyed by target host.
	ArtifactLists map[string][]backend.Artifact

	refs     map[string]string
	cursor   map[string]int
	seq      int
	calls    []Call
	requests []backend.Request
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		StartErrors:   make(map[string]error),
		Scripts:       make(map[string][]Step),
		Bundles:       make(map[string][]byte),
		ProfileSets:   make(map[target.DeviceType][]backend.Profile),
		ArtifactLists: make(map[string][]backend.Artifact),
		refs:          make(map[string]string),
		cursor:        make(map[string]int),
	}
}

var _ backend.Client = (*Fake)(nil)

// Script sets the Status responses for host.
func (f *Fake) Script(host string, steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Scripts[host] = steps
}

// Statuses is shorthand for a script of plain statuses with no extras.
func Statuses(list ...operation.Status) []Step {
	out := make([]Step, len(list))
	for i, s := range list {
		out[i] = Step{Snapshot: operation.Snapshot{Status: s}}
	}
	return out
}

// Ready is a terminal completed snapshot with a downloadable artifact.
func Ready() Step {
	n := 1
	return Step{Snapshot: operation.Snapshot{Status: operation.StatusCompleted, DownloadReady: true, ArtifactsCount: &n}}
}

func (f *Fake) Start(_ context.Context, req backend.Request) (operation.Ref, error) {
	f.mu.Lock()
	hook := f.StartHook
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	host := req.Target.Host
	f.calls = append(f.calls, Call{Method: "Start", Host: host})
	if err := f.StartErrors[host]; err != nil {
		return operation.Ref{}, err
	}
	f.seq++
	ref := operation.Ref{
		ID:    fmt.Sprintf("op-%d", f.seq),
		Route: backend.RouteFor(req.Kind, req.Target.DeviceType),
	}
	f.refs[ref.ID] = host
	return ref, nil
}

func (f *Fake) Status(_ context.Context, ref operation.Ref) (operation.Snapshot, error) {
	f.mu.Lock()
	host, ok := f.refs[ref.ID]
	f.calls = append(f.calls, Call{Method: "Status", Ref: ref, Host: host})
	hook := f.StatusHook
	var step Step
	if !ok {
		step.Err = &backend.APIError{Method: "GET", Path: "/" + ref.Route + "/" + ref.ID, StatusCode: 404}
	} else if script := f.Scripts[host]; len(script) > 0 {
		i := f.cursor[ref.ID]
		if i >= len(script) {
			i = len(script) - 1
		} else {
			f.cursor[ref.ID] = i + 1
		}
		step = script[i]
	} else {
		step.Snapshot = operation.Snapshot{Status: operation.StatusRunning}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(ref)
	}
	return step.Snapshot, step.Err
}

func (f *Fake) Stop(_ context.Context, ref operation.Ref) error {
	f.record("Stop", ref)
	return nil
}

func (f *Fake) Artifacts(_ context.Context, ref operation.Ref) ([]backend.Artifact, error) {
	host := f.record("Artifacts", ref)
	f.mu.Lock()
	defer f.mu.Unlock()
	if list, ok := f.ArtifactLists[host]; ok {
		return append([]backend.Artifact(nil), list...), nil
	}
	return []backend.Artifact{{Filename: ref.ID + ".bin"}}, nil
}

func (f *Fake) FetchBundle(_ context.Context, ref operation.Ref) (*backend.Download, error) {
	host := f.record("FetchBundle", ref)
	f.mu.Lock()
	data, ok := f.Bundles[host]
	f.mu.Unlock()
	if !ok {
		data = []byte("bundle:" + ref.ID)
	}
	return &backend.Download{
		Body:     io.NopCloser(bytes.NewReader(data)),
		Filename: ref.ID + ".zip",
		Size:     int64(len(data)),
	}, nil
}

func (f *Fake) Delete(_ context.Context, ref operation.Ref) error {
	f.record("Delete", ref)
	return nil
}

func (f *Fake) DiscoverNodes(_ context.Context, t target.Target) ([]target.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: "DiscoverNodes", Host: t.Host})
	if err := f.StartErrors[t.Host]; err != nil {
		return nil, err
	}
	return append([]target.Node(nil), f.Nodes...), nil
}

func (f *Fake) Profiles(_ context.Context, dt target.DeviceType) ([]backend.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ProfileSets[dt], nil
}

func (f *Fake) record(method string, ref operation.Ref) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	host := f.refs[ref.ID]
	f.calls = append(f.calls, Call{Method: method, Ref: ref, Host: host})
	return host
}

// Calls returns the recorded calls, optionally filtered by method.
func (f *Fake) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Requests returns the Start requests in order.
func (f *Fake) Requests() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.requests...)
}
