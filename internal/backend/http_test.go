package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/target"
)

type recorded struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]interface{}
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recorded
	routes   map[string]http.HandlerFunc
}

func newFakeServer(t *testing.T) (*fakeServer, *HTTPClient) {
	t.Helper()
	fs := &fakeServer{routes: make(map[string]http.HandlerFunc)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.Body)
		}
		fs.mu.Lock()
		fs.requests = append(fs.requests, rec)
		h, ok := fs.routes[r.Method+" "+r.URL.Path]
		fs.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail": "Not Found"}`))
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	c := NewHTTPClient(srv.URL+"/", "tok", srv.Client(), Timeouts{Request: 5 * time.Second, Long: 5 * time.Second}, nil)
	t.Cleanup(c.Close)
	return fs, c
}

func (fs *fakeServer) handle(route, body string, status int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.routes[route] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (fs *fakeServer) last() recorded {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[len(fs.requests)-1]
}

func cube() target.Target {
	return target.Target{
		ID: "t1", DeviceType: target.DeviceCSR1000v, Host: "10.0.0.5", Port: 22,
		InterfaceName: "GigabitEthernet1",
		Filter:        &target.Filter{Host: "10.0.0.9", Port: 5060},
		Credentials:   target.Credentials{Username: "admin", Password: "pw"},
	}
}

func TestStartCapture(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.handle("POST /captures", `{"capture_id": "cap-1", "status": "pending"}`, http.StatusOK)

	ref, err := c.Start(context.Background(), Request{
		Kind:    operation.KindCapture,
		Target:  cube(),
		Capture: CaptureOptions{Duration: 90 * time.Second, PacketCount: 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, operation.Ref{ID: "cap-1", Route: RouteCaptures}, ref)

	req := fs.last()
	assert.Equal(t, "Bearer tok", req.Auth)
	assert.Equal(t, "csr1000v", req.Body["device_type"])
	assert.EqualValues(t, 90, req.Body["duration_sec"])
	assert.EqualValues(t, 1000, req.Body["packet_count"])
	assert.Equal(t, "GigabitEthernet1", req.Body["interface"])
	filter := req.Body["filter"].(map[string]interface{})
	assert.Equal(t, "10.0.0.9", filter["host"])
	assert.NotContains(t, filter, "src")
}

func TestStartLogsMapsCSRToCube(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.handle("POST /logs", `{"collection_id": "col-9"}`, http.StatusAccepted)

	ref, err := c.Start(context.Background(), Request{
		Kind:   operation.KindJob,
		Target: cube(),
		Logs:   LogOptions{Profile: "voice", IncludeDebug: true, Duration: 2 * time.Minute},
	})
	require.NoError(t, err)
	assert.Equal(t, RouteLogs, ref.Route)
	req := fs.last()
	assert.Equal(t, "cube", req.Body["device_type"])
	assert.Equal(t, true, req.Body["include_debug"])
	assert.EqualValues(t, 120, req.Body["duration_sec"])
}

func TestStartCUCMJob(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.handle("POST /jobs", `{"job_id": "job-3"}`, http.StatusOK)

	tgt := target.Target{
		ID: "t2", DeviceType: target.DeviceCUCM, Host: "pub.lab", Port: 22,
		Credentials:     target.Credentials{Username: "admin", Password: "pw"},
		SelectedNodes:   []string{"pub.lab", "sub1.lab"},
		NodeIPOverrides: map[string]string{"sub1.lab": "10.1.1.2"},
	}
	ref, err := c.Start(context.Background(), Request{
		Kind:   operation.KindJob,
		Target: tgt,
		Logs: LogOptions{
			Profile:    "callmanager",
			TimeRange:  TimeRange{Mode: "relative", RelativeMinutes: 60},
			DebugLevel: "detailed",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, operation.Ref{ID: "job-3", Route: RouteJobs}, ref)

	req := fs.last()
	assert.Equal(t, "pub.lab", req.Body["publisher_host"])
	assert.Equal(t, []interface{}{"pub.lab", "10.1.1.2"}, req.Body["nodes"])
	opts := req.Body["options"].(map[string]interface{})
	assert.Equal(t, "relative", opts["time_mode"])
	assert.EqualValues(t, 60, opts["reltime_minutes"])
	assert.Equal(t, "detailed", opts["debug_level"])
}

func TestStartRejected(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.handle("POST /captures", `{"detail": "host unreachable"}`, http.StatusBadRequest)

	_, err := c.Start(context.Background(), Request{Kind: operation.KindCapture, Target: cube()})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "host unreachable", apiErr.Message)
	assert.False(t, IsTransient(err))
}

func TestStatusAndTransientErrors(t *testing.T) {
	fs, c := newFakeServer(t)
	ref := operation.Ref{ID: "cap-1", Route: RouteCaptures}

	fs.handle("GET /captures/cap-1", `{"capture": {"status": "capturing", "elapsed_sec": 12, "remaining_sec": 48}}`, http.StatusOK)
	snap, err := c.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCapturing, snap.Status)
	require.NotNil(t, snap.Remaining)
	assert.Equal(t, 48*time.Second, *snap.Remaining)

	fs.handle("GET /captures/cap-1", `bad gateway`, http.StatusBadGateway)
	_, err = c.Status(context.Background(), ref)
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	_, err = c.Status(context.Background(), operation.Ref{ID: "x", Route: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownRef)
}

func TestStopRoutes(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.handle("DELETE /jobs/j1", `{}`, http.StatusOK)
	fs.handle("POST /logs/l1/cancel", `{}`, http.StatusOK)
	fs.handle("POST /captures/c1/stop", `{}`, http.StatusOK)

	ctx := context.Background()
	require.NoError(t, c.Stop(ctx, operation.Ref{ID: "j1", Route: RouteJobs}))
	assert.Equal(t, "DELETE", fs.last().Method)
	require.NoError(t, c.Stop(ctx, operation.Ref{ID: "l1", Route: RouteLogs}))
	assert.Equal(t, "/logs/l1/cancel", fs.last().Path)
	require.NoError(t, c.Stop(ctx, operation.Ref{ID: "c1", Route: RouteCaptures}))
	assert.Equal(t, "/captures/c1/stop", fs.last().Path)
}

func TestFetchBundle(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.mu.Lock()
	fs.routes["GET /captures/c1/download"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="cube_capture.cap"`)
		_, _ = w.Write([]byte("pcapdata"))
	}
	fs.mu.Unlock()

	dl, err := c.FetchBundle(context.Background(), operation.Ref{ID: "c1", Route: RouteCaptures})
	require.NoError(t, err)
	defer dl.Body.Close()
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "pcapdata", string(data))
	assert.Equal(t, "cube_capture.cap", dl.Filename)

	_, err = c.FetchBundle(context.Background(), operation.Ref{ID: "missing", Route: RouteCaptures})
	assert.True(t, IsNotFound(err))
}

func TestDeleteAndArtifacts(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.handle("DELETE /logs/l1", `{}`, http.StatusOK)
	fs.handle("GET /jobs/j1/artifacts", `{"artifacts": [{"node": "pub", "filename": "pub.tgz", "size_bytes": 5}]}`, http.StatusOK)

	ctx := context.Background()
	require.NoError(t, c.Delete(ctx, operation.Ref{ID: "l1", Route: RouteLogs}))
	assert.ErrorIs(t, c.Delete(ctx, operation.Ref{ID: "j1", Route: RouteJobs}), ErrUnsupported)

	arts, err := c.Artifacts(ctx, operation.Ref{ID: "j1", Route: RouteJobs})
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "pub.tgz", arts[0].Filename)
}

func TestDiscoverNodesAndProfiles(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.handle("POST /discover-nodes", `{"nodes": [{"ip": "10.0.0.1", "fqdn": "pub.lab", "role": "publisher"}]}`, http.StatusOK)
	fs.handle("GET /profiles", `{"profiles": [{"id": "callmanager", "name": "CallManager", "logTypes": ["cm"]}]}`, http.StatusOK)
	fs.handle("GET /logs/profiles", `{"profiles": [{"id": "voice", "device_type": "cube"}, {"id": "edge", "device_type": "expressway"}]}`, http.StatusOK)

	ctx := context.Background()
	pub := target.Target{DeviceType: target.DeviceCUCM, Host: "pub.lab", Port: 22}
	nodes, err := c.DiscoverNodes(ctx, pub)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "publisher", nodes[0].Role)

	_, err = c.DiscoverNodes(ctx, cube())
	assert.Error(t, err)

	profiles, err := c.Profiles(ctx, target.DeviceCUCM)
	require.NoError(t, err)
	assert.Equal(t, []string{"cm"}, profiles[0].LogTypes)

	profiles, err = c.Profiles(ctx, target.DeviceCSR1000v)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "voice", profiles[0].ID)
}

func TestHealthProbeLifecycle(t *testing.T) {
	fs, c := newFakeServer(t)
	release := make(chan struct{})
	fs.mu.Lock()
	fs.routes["POST /health/devices"] = func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"overall_status": "degraded", "devices": [{"overall_status": "degraded"}]}`))
	}
	fs.mu.Unlock()
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(started)
	c.Clock = clock

	ref, err := c.Start(context.Background(), Request{
		Kind:   operation.KindHealthProbe,
		Target: cube(),
		Health: HealthOptions{Checks: []string{"ntp"}},
	})
	require.NoError(t, err)
	assert.Equal(t, RouteHealth, ref.Route)

	snap, err := c.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusRunning, snap.Status)
	require.NotNil(t, snap.StartedAt)
	assert.Equal(t, started, *snap.StartedAt)
	assert.Nil(t, snap.CompletedAt)

	clock.Advance(95 * time.Second)
	close(release)
	require.Eventually(t, func() bool {
		snap, err = c.Status(context.Background(), ref)
		return err == nil && snap.Status == operation.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, operation.HealthDegraded, snap.Health)
	require.NotNil(t, snap.CompletedAt)
	assert.Equal(t, started.Add(95*time.Second), *snap.CompletedAt)

	report, ok := c.HealthReport(ref)
	assert.True(t, ok)
	assert.Contains(t, string(report), "degraded")

	req := fs.last()
	devices := req.Body["devices"].([]interface{})
	dev := devices[0].(map[string]interface{})
	assert.Equal(t, "cube", dev["device_type"])
	assert.Equal(t, []interface{}{"ntp"}, dev["cube_checks"])
}

func TestHealthProbeCancel(t *testing.T) {
	fs, c := newFakeServer(t)
	fs.mu.Lock()
	fs.routes["POST /health/devices"] = func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}
	fs.mu.Unlock()

	ref, err := c.Start(context.Background(), Request{Kind: operation.KindHealthProbe, Target: cube()})
	require.NoError(t, err)
	require.NoError(t, c.Stop(context.Background(), ref))

	snap, err := c.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCancelled, snap.Status)
	assert.Equal(t, operation.HealthUnknown, snap.Health)

	_, err = c.Status(context.Background(), operation.Ref{ID: "probe-nope", Route: RouteHealth})
	assert.True(t, IsNotFound(err))
}
