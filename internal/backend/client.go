// Package backend talks to the orchestration backend that runs remote
// operations against UC devices over SSH and device APIs.
package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/target"
)

// Routes the backend exposes operations under.
const (
	RouteJobs     = "jobs"
	RouteLogs     = "logs"
	RouteCaptures = "captures"
	RouteHealth   = "health"
)

var (
	ErrUnsupported = errors.New("operation not supported for this route")
	ErrUnknownRef  = errors.New("unknown operation reference")
)

// Client is the full backend surface used by ucops.
type Client interface {
	Start(ctx context.Context, req Request) (operation.Ref, error)
	Status(ctx context.Context, ref operation.Ref) (operation.Snapshot, error)
	Stop(ctx context.Context, ref operation.Ref) error
	Artifacts(ctx context.Context, ref operation.Ref) ([]Artifact, error)
	FetchBundle(ctx context.Context, ref operation.Ref) (*Download, error)
	Delete(ctx context.Context, ref operation.Ref) error
	DiscoverNodes(ctx context.Context, t target.Target) ([]target.Node, error)
	Profiles(ctx context.Context, dt target.DeviceType) ([]Profile, error)
}

// TimeRange bounds a log collection.
type TimeRange struct {
	// Mode is "relative" or "range".
	Mode            string
	RelativeMinutes int
	Start           time.Time
	End             time.Time
}

// CaptureOptions configure a packet capture.
type CaptureOptions struct {
	Duration    time.Duration
	PacketCount int
	Filename    string
}

// LogOptions configure a log collection job.
type LogOptions struct {
	Profile      string
	TimeRange    TimeRange
	DebugLevel   string
	IncludeDebug bool
	// Duration applies to debug-mode collections on IOS-XE and Expressway.
	Duration time.Duration
}

// HealthOptions select the checks a health probe runs.
type HealthOptions struct {
	Checks []string
}

// Request starts one operation against one target.
type Request struct {
	Kind    operation.Kind
	Target  target.Target
	Capture CaptureOptions
	Logs    LogOptions
	Health  HealthOptions
}

// RouteFor returns the backend collection an operation of kind against dt
// lives under.
func RouteFor(kind operation.Kind, dt target.DeviceType) string {
	switch kind {
	case operation.KindCapture:
		return RouteCaptures
	case operation.KindHealthProbe:
		return RouteHealth
	}
	if dt == target.DeviceCUCM {
		return RouteJobs
	}
	return RouteLogs
}

// Artifact is one file produced by an operation.
type Artifact struct {
	Node      string    `json:"node,omitempty"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Profile is a named log collection preset.
type Profile struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	LogTypes    []string `json:"log_types,omitempty"`
}

// Download is a streamed artifact bundle. The caller closes Body.
type Download struct {
	Body     io.ReadCloser
	Filename string
	// Size is -1 when the backend did not announce a length.
	Size int64
}
