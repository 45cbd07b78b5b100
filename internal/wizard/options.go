package wizard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/target"
)

// Capture limits enforced by the backend.
const (
	MinCaptureDuration = 10 * time.Second
	MaxCaptureDuration = 600 * time.Second
	MinPacketCount     = 100
	MaxPacketCount     = 100000
)

// Debug levels accepted for CUCM jobs.
var DebugLevels = []string{"basic", "detailed", "verbose"}

// HealthChecks is the catalog of checks each platform supports.
// CSR1000v routers share the CUBE catalog.
var HealthChecks = map[target.DeviceType][]string{
	target.DeviceCUCM:       {"replication", "services", "ntp", "diagnostics", "cores"},
	target.DeviceCUBE:       {"system", "interfaces", "voice_calls", "sip_status", "ntp"},
	target.DeviceExpressway: {"cluster", "licensing", "alarms", "ntp"},
}

// CatalogFor returns the health checks dt supports.
func CatalogFor(dt target.DeviceType) []string {
	if dt == target.DeviceCSR1000v {
		dt = target.DeviceCUBE
	}
	return HealthChecks[dt]
}

// Options are the per-workflow settings entered on the configure and
// profile steps.
type Options struct {
	Capture backend.CaptureOptions

	// Profiles maps device type to the log profile used by collections.
	Profiles map[target.DeviceType]string
	// Profile is the CUCM job profile of the job flow.
	Profile      string
	TimeRange    backend.TimeRange
	DebugLevel   string
	IncludeDebug bool
	// DebugDuration bounds debug-mode collections on IOS-XE and Expressway.
	DebugDuration time.Duration

	// Checks maps device type to the selected health checks.
	Checks map[target.DeviceType][]string
}

// DefaultOptions returns options with the stock capture length, a one
// hour relative window and every health check selected.
func DefaultOptions() Options {
	checks := make(map[target.DeviceType][]string, len(HealthChecks))
	for dt, list := range HealthChecks {
		checks[dt] = append([]string(nil), list...)
	}
	return Options{
		Capture:       backend.CaptureOptions{Duration: 60 * time.Second},
		Profiles:      make(map[target.DeviceType]string),
		TimeRange:     backend.TimeRange{Mode: "relative", RelativeMinutes: 60},
		DebugLevel:    "basic",
		DebugDuration: 5 * time.Minute,
		Checks:        checks,
	}
}

func (o Options) clone() Options {
	c := o
	c.Profiles = make(map[target.DeviceType]string, len(o.Profiles))
	for k, v := range o.Profiles {
		c.Profiles[k] = v
	}
	c.Checks = make(map[target.DeviceType][]string, len(o.Checks))
	for k, v := range o.Checks {
		c.Checks[k] = append([]string(nil), v...)
	}
	return c
}

// ProfileFor returns the collection profile for dt.
func (o Options) ProfileFor(dt target.DeviceType) string {
	if p := o.Profiles[dt]; p != "" {
		return p
	}
	if dt == target.DeviceCSR1000v {
		return o.Profiles[target.DeviceCUBE]
	}
	return ""
}

// ChecksFor returns the health checks selected for dt.
func (o Options) ChecksFor(dt target.DeviceType) []string {
	if c, ok := o.Checks[dt]; ok {
		return c
	}
	if dt == target.DeviceCSR1000v {
		return o.Checks[target.DeviceCUBE]
	}
	return nil
}

// Request builds the backend request that starts flow f against t.
func (o Options) Request(f Flow, t target.Target) backend.Request {
	req := backend.Request{Kind: f.Kind(), Target: t}
	switch f {
	case FlowCapture:
		req.Capture = o.Capture
	case FlowHealth:
		req.Health = backend.HealthOptions{Checks: o.ChecksFor(t.DeviceType)}
	case FlowJob, FlowCollection:
		profile := o.Profile
		if f == FlowCollection {
			profile = o.ProfileFor(t.DeviceType)
		}
		req.Logs = backend.LogOptions{
			Profile:      profile,
			TimeRange:    o.TimeRange,
			DebugLevel:   o.DebugLevel,
			IncludeDebug: o.IncludeDebug,
			Duration:     o.DebugDuration,
		}
	}
	return req
}

// Duration is the configured run length an operation of f is tracked
// against for its countdown.
func (o Options) Duration(f Flow) time.Duration {
	if f.Kind() == operation.KindCapture {
		return o.Capture.Duration
	}
	return 0
}

func validateCapture(c backend.CaptureOptions) error {
	if c.Duration < MinCaptureDuration || c.Duration > MaxCaptureDuration {
		return fmt.Errorf("capture duration must be between %s and %s, got %s",
			MinCaptureDuration, MaxCaptureDuration, c.Duration)
	}
	if c.PacketCount != 0 && (c.PacketCount < MinPacketCount || c.PacketCount > MaxPacketCount) {
		return fmt.Errorf("packet count must be between %d and %d, got %d",
			MinPacketCount, MaxPacketCount, c.PacketCount)
	}
	return nil
}

// validateFilter rejects a host filter combined with a directional one.
func validateFilter(t target.Target) error {
	if t.Filter == nil {
		return nil
	}
	f := t.Filter
	if f.Host != "" && (f.SrcHost != "" || f.DestHost != "") {
		return fmt.Errorf("%s: host filter cannot be combined with source or destination", t)
	}
	if f.Port < 0 || f.Port > 65535 {
		return fmt.Errorf("%s: filter port %d out of range", t, f.Port)
	}
	switch strings.ToLower(f.Protocol) {
	case "", "tcp", "udp", "icmp", "ip":
	default:
		return fmt.Errorf("%s: unsupported filter protocol %q", t, f.Protocol)
	}
	return nil
}

func validateTimeRange(tr backend.TimeRange) error {
	switch tr.Mode {
	case "relative":
		if tr.RelativeMinutes <= 0 {
			return fmt.Errorf("relative time range needs a positive number of minutes")
		}
	case "range":
		if tr.Start.IsZero() || tr.End.IsZero() {
			return fmt.Errorf("time range needs both a start and an end")
		}
		if !tr.End.After(tr.Start) {
			return fmt.Errorf("time range end must be after its start")
		}
	default:
		return fmt.Errorf("unknown time range mode %q", tr.Mode)
	}
	return nil
}

func validateDebugLevel(level string) error {
	if level == "" {
		return nil
	}
	for _, l := range DebugLevels {
		if l == level {
			return nil
		}
	}
	return fmt.Errorf("unknown debug level %q", level)
}

func validateChecks(dt target.DeviceType, checks []string) error {
	if len(checks) == 0 {
		return fmt.Errorf("select at least one health check for %s", dt.Label())
	}
	allowed := make(map[string]bool)
	for _, c := range CatalogFor(dt) {
		allowed[c] = true
	}
	var unknown []string
	for _, c := range checks {
		if !allowed[c] {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown %s health checks: %s", dt.Label(), strings.Join(unknown, ", "))
	}
	return nil
}
