package manifest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/target"
	"github.com/tturner/ucops/internal/wizard"
)

// LookupEnv resolves password_env references. os.LookupEnv fits.
type LookupEnv func(key string) (string, bool)

// Flow returns the wizard flow named by kind.
func (m *Manifest) Flow() (wizard.Flow, error) {
	return wizard.ParseFlow(m.Kind)
}

// ResolveTargets converts the target entries, reading passwords from the
// environment where asked.
func (m *Manifest) ResolveTargets(lookup LookupEnv) ([]target.Target, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make([]target.Target, 0, len(m.Targets))
	for i, spec := range m.Targets {
		dt, err := target.ParseDeviceType(spec.DeviceType)
		if err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		password := spec.Password
		if password == "" && spec.PasswordEnv != "" {
			v, ok := lookup(spec.PasswordEnv)
			if !ok || v == "" {
				return nil, fmt.Errorf("targets[%d]: environment variable %s is not set", i, spec.PasswordEnv)
			}
			password = v
		}
		t := target.Target{
			DeviceType:    dt,
			Host:          spec.Host,
			Port:          spec.Port,
			InterfaceName: spec.Interface,
			Credentials:   target.Credentials{Username: spec.Username, Password: password},
			Filter:        spec.Filter,
		}
		if t.Filter == nil && m.Capture != nil && m.Capture.Filter != nil {
			f := *m.Capture.Filter
			t.Filter = &f
		}
		out = append(out, t)
	}
	return out, nil
}

// ResolveOptions overlays the manifest's sections on base.
func (m *Manifest) ResolveOptions(base wizard.Options) (wizard.Options, error) {
	o := base
	if c := m.Capture; c != nil {
		o.Capture = backend.CaptureOptions{
			Duration:    time.Duration(c.DurationSeconds) * time.Second,
			PacketCount: c.PacketCount,
			Filename:    c.Filename,
		}
	}
	if c := m.Collection; c != nil {
		profiles := make(map[target.DeviceType]string, len(c.Profiles))
		for name, p := range c.Profiles {
			dt, err := target.ParseDeviceType(name)
			if err != nil {
				return o, fmt.Errorf("collection.profiles: %w", err)
			}
			profiles[dt] = p
		}
		o.Profiles = profiles
		o.TimeRange = c.TimeRange.backend()
		if c.DebugLevel != "" {
			o.DebugLevel = c.DebugLevel
		}
		o.IncludeDebug = c.IncludeDebug
		if c.DebugDurationSeconds > 0 {
			o.DebugDuration = time.Duration(c.DebugDurationSeconds) * time.Second
		}
	}
	if j := m.Job; j != nil {
		o.Profile = j.Profile
		o.TimeRange = j.TimeRange.backend()
		if j.DebugLevel != "" {
			o.DebugLevel = j.DebugLevel
		}
	}
	if h := m.Health; h != nil && len(h.Checks) > 0 {
		checks := make(map[target.DeviceType][]string, len(base.Checks))
		for dt, list := range base.Checks {
			checks[dt] = list
		}
		for name, list := range h.Checks {
			dt, err := target.ParseDeviceType(name)
			if err != nil {
				return o, fmt.Errorf("health.checks: %w", err)
			}
			checks[dt] = append([]string(nil), list...)
		}
		o.Checks = checks
	}
	return o, nil
}

func (tr TimeRangeSpec) backend() backend.TimeRange {
	if tr.Mode == "range" {
		return backend.TimeRange{Mode: "range", Start: tr.Start, End: tr.End}
	}
	return backend.TimeRange{Mode: "relative", RelativeMinutes: tr.Minutes}
}

// Apply loads the manifest into a fresh wizard and walks it to the review
// step, running CUCM discovery where the flow needs it. Every wizard
// guard applies; the first failure is returned and the wizard is left on
// the failing step.
func (m *Manifest) Apply(ctx context.Context, w *wizard.Controller, lookup LookupEnv) error {
	if err := m.Validate(); err != nil {
		return err
	}
	targets, err := m.ResolveTargets(lookup)
	if err != nil {
		return err
	}
	opts, err := m.ResolveOptions(w.Options())
	if err != nil {
		return err
	}

	ids := make([]string, len(targets))
	for i, t := range targets {
		creds := t.Credentials
		t.Credentials = target.Credentials{}
		added, err := w.AddTarget(t)
		if err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		ids[i] = added.ID
		if err := w.SetCredentials(added.ID, "", creds); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
	}
	if err := w.SetOptions(func(o *wizard.Options) { *o = opts }); err != nil {
		return err
	}

	for w.Step() != wizard.StepReview {
		if needsDiscovery(w.Flow(), w.Step()) {
			for i, id := range ids {
				if err := m.discover(ctx, w, id, m.Targets[i]); err != nil {
					return fmt.Errorf("targets[%d]: %w", i, err)
				}
			}
		}
		if _, err := w.Next(); err != nil {
			return err
		}
	}
	return nil
}

// needsDiscovery reports whether the step is where a flow discovers its
// CUCM clusters.
func needsDiscovery(f wizard.Flow, s wizard.Step) bool {
	return (f == wizard.FlowCollection && s == wizard.StepCredentials) ||
		(f == wizard.FlowJob && s == wizard.StepConnect)
}

func (m *Manifest) discover(ctx context.Context, w *wizard.Controller, id string, spec TargetSpec) error {
	t, ok := w.Registry().Get(id)
	if !ok || !t.NeedsDiscovery() || t.Discovered {
		return nil
	}
	nodes, err := w.Discover(ctx, id)
	if err != nil {
		return err
	}
	if len(spec.Nodes) > 0 {
		names, err := matchNodes(nodes, spec.Nodes)
		if err != nil {
			return err
		}
		if err := w.SelectNodes(id, names); err != nil {
			return err
		}
	}
	for node, ip := range spec.NodeOverrides {
		names, err := matchNodes(nodes, []string{node})
		if err != nil {
			return err
		}
		if err := w.SetNodeOverride(id, names[0], ip); err != nil {
			return err
		}
	}
	return nil
}

// matchNodes maps manifest node references, which may be a name, FQDN or
// IP, to discovered node names.
func matchNodes(nodes []target.Node, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		found := ""
		for _, n := range nodes {
			if strings.EqualFold(ref, n.Name()) || strings.EqualFold(ref, n.FQDN) ||
				strings.EqualFold(ref, n.Host) || ref == n.IP {
				found = n.Name()
				break
			}
		}
		if found == "" {
			return nil, fmt.Errorf("node %q was not discovered", ref)
		}
		out = append(out, found)
	}
	return out, nil
}
