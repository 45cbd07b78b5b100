package manifest

import (
	"sort"
	"strings"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/target"
	"github.com/tturner/ucops/internal/wizard"
)

// PasswordEnvFor names the variable an exported manifest reads a device
// type's password from.
func PasswordEnvFor(dt target.DeviceType) string {
	return "UCOPS_PASSWORD_" + strings.ToUpper(string(dt))
}

// FromState captures a reviewed wizard as a manifest. Passwords are never
// written; each target reads its password from PasswordEnvFor.
func FromState(state wizard.State, name string) *Manifest {
	m := &Manifest{APIVersion: APIVersion, Kind: string(state.Flow), Name: name}
	if m.Name == "" {
		m.Name = generateName(m.Kind)
	}

	for _, t := range state.Targets {
		spec := TargetSpec{
			DeviceType:  string(t.DeviceType),
			Host:        t.Host,
			Interface:   t.InterfaceName,
			Username:    t.Credentials.Username,
			PasswordEnv: PasswordEnvFor(t.DeviceType),
		}
		if t.Port != t.DeviceType.DefaultPort() {
			spec.Port = t.Port
		}
		if t.Filter != nil && !t.Filter.Empty() {
			f := *t.Filter
			spec.Filter = &f
		}
		if t.Discovered && len(t.SelectedNodes) < len(t.Nodes) {
			spec.Nodes = append([]string(nil), t.SelectedNodes...)
		}
		if len(t.NodeIPOverrides) > 0 {
			spec.NodeOverrides = make(map[string]string, len(t.NodeIPOverrides))
			for node, ip := range t.NodeIPOverrides {
				spec.NodeOverrides[node] = ip
			}
		}
		m.Targets = append(m.Targets, spec)
	}

	o := state.Options
	switch state.Flow {
	case wizard.FlowCapture:
		m.Capture = &CaptureSpec{
			DurationSeconds: int(o.Capture.Duration.Seconds()),
			PacketCount:     o.Capture.PacketCount,
			Filename:        o.Capture.Filename,
		}
	case wizard.FlowCollection:
		c := &CollectionSpec{
			TimeRange:    exportTimeRange(o.TimeRange),
			DebugLevel:   o.DebugLevel,
			IncludeDebug: o.IncludeDebug,
		}
		if len(o.Profiles) > 0 {
			c.Profiles = make(map[string]string, len(o.Profiles))
			for dt, p := range o.Profiles {
				if p != "" {
					c.Profiles[string(dt)] = p
				}
			}
		}
		if o.IncludeDebug {
			c.DebugDurationSeconds = int(o.DebugDuration.Seconds())
		}
		m.Collection = c
	case wizard.FlowJob:
		m.Job = &JobSpec{
			Profile:    o.Profile,
			TimeRange:  exportTimeRange(o.TimeRange),
			DebugLevel: o.DebugLevel,
		}
	case wizard.FlowHealth:
		h := &HealthSpec{Checks: make(map[string][]string)}
		for _, dt := range presentTypes(state.Targets) {
			if checks := o.ChecksFor(dt); len(checks) > 0 {
				h.Checks[string(dt)] = append([]string(nil), checks...)
			}
		}
		m.Health = h
	}
	return m
}

func exportTimeRange(tr backend.TimeRange) TimeRangeSpec {
	if tr.Mode == "range" {
		return TimeRangeSpec{Mode: "range", Start: tr.Start, End: tr.End}
	}
	return TimeRangeSpec{Mode: "relative", Minutes: tr.RelativeMinutes}
}

func presentTypes(targets []target.Target) []target.DeviceType {
	seen := make(map[target.DeviceType]bool)
	var out []target.DeviceType
	for _, t := range targets {
		if !seen[t.DeviceType] {
			seen[t.DeviceType] = true
			out = append(out, t.DeviceType)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
