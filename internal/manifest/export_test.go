package manifest

import (
	"context"
	"testing"

	"github.com/tturner/ucops/internal/backend/backendtest"
	"github.com/tturner/ucops/internal/target"
	"github.com/tturner/ucops/internal/wizard"
)

func TestFromStateCaptureReplays(t *testing.T) {
	m, _ := Parse([]byte(captureYAML))
	w := wizard.New(wizard.FlowCapture, target.NewRegistry(0), wizard.Config{})
	if err := m.Apply(context.Background(), w, env(map[string]string{"EXP_PASSWORD": "x"})); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	exported := FromState(w.State(), "replay")
	if exported.Kind != "capture" || exported.Name != "replay" {
		t.Fatalf("FromState() = %+v", exported)
	}
	for _, spec := range exported.Targets {
		if spec.Password != "" {
			t.Errorf("password written for %s", spec.Host)
		}
	}
	if exported.Targets[1].Port != 2222 || exported.Targets[0].Port != 0 {
		t.Errorf("ports = %d, %d", exported.Targets[0].Port, exported.Targets[1].Port)
	}
	if f := exported.Targets[1].Filter; f == nil || f.Port != 5061 {
		t.Errorf("filter = %+v", f)
	}

	data, err := exported.ToYAML()
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(exported) error = %v", err)
	}
	w2 := wizard.New(wizard.FlowCapture, target.NewRegistry(0), wizard.Config{})
	vars := map[string]string{
		PasswordEnvFor(target.DeviceCUBE):       "a",
		PasswordEnvFor(target.DeviceExpressway): "b",
	}
	if err := again.Apply(context.Background(), w2, env(vars)); err != nil {
		t.Fatalf("Apply(exported) error = %v", err)
	}
	if got, want := w2.Options().Capture, w.Options().Capture; got != want {
		t.Errorf("capture options = %+v, want %+v", got, want)
	}
}

func TestFromStateJobKeepsNodeSelection(t *testing.T) {
	m, _ := Parse([]byte(`
api_version: v1
kind: job
targets:
  - device_type: cucm
    host: pub.lab
    username: admin
    password: secret
    nodes: [sub1.lab]
    node_overrides:
      sub1.lab: 192.168.1.12
job:
  profile: callmanager
`))
	fake := backendtest.New()
	fake.Nodes = []target.Node{
		{IP: "10.0.0.11", FQDN: "pub.lab"},
		{IP: "10.0.0.12", FQDN: "sub1.lab"},
	}
	w := wizard.New(wizard.FlowJob, target.NewRegistry(0), wizard.Config{Discoverer: fake})
	if err := m.Apply(context.Background(), w, nil); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	exported := FromState(w.State(), "")
	spec := exported.Targets[0]
	if len(spec.Nodes) != 1 || spec.Nodes[0] != "sub1.lab" {
		t.Errorf("nodes = %v", spec.Nodes)
	}
	if spec.NodeOverrides["sub1.lab"] != "192.168.1.12" {
		t.Errorf("overrides = %v", spec.NodeOverrides)
	}
	if exported.Job == nil || exported.Job.Profile != "callmanager" || exported.Job.TimeRange.Minutes != 60 {
		t.Errorf("job = %+v", exported.Job)
	}
	if spec.PasswordEnv != "UCOPS_PASSWORD_CUCM" {
		t.Errorf("password env = %q", spec.PasswordEnv)
	}
}

func TestFromStateHealthChecks(t *testing.T) {
	state := wizard.State{
		Flow:    wizard.FlowHealth,
		Targets: []target.Target{{DeviceType: target.DeviceCSR1000v, Host: "r1", Port: 22}},
		Options: wizard.DefaultOptions(),
	}
	state.Options.Checks = map[target.DeviceType][]string{target.DeviceCUBE: {"sip_status"}}

	exported := FromState(state, "probe")
	got := exported.Health.Checks["csr1000v"]
	if len(got) != 1 || got[0] != "sip_status" {
		t.Errorf("checks = %v", exported.Health.Checks)
	}
}
