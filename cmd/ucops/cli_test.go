package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/tturner/ucops/internal/aggregate"
	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/orch/bundle"
	"github.com/tturner/ucops/internal/orch/controller"
	"github.com/tturner/ucops/internal/target"
	"github.com/tturner/ucops/internal/wizard"
)

func quietGlobals() *globalFlags {
	return &globalFlags{logLevel: "silent"}
}

func isolateEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("UCOPS_API_URL", "http://127.0.0.1:1")
	t.Setenv("UCOPS_DOWNLOAD_DIR", filepath.Join(dir, "downloads"))
	t.Setenv("UCOPS_HISTORY_DB", filepath.Join(dir, "history.db"))
	t.Setenv("UCOPS_LOG_FILE", "")
	t.Setenv("UCOPS_METRICS_ADDR", "")
	t.Setenv("UCOPS_TRACE_CSV", "")
	t.Setenv("UCOPS_TRACE_JSON", "")
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRequiredArgsErrors(t *testing.T) {
	tests := []struct {
		name    string
		cmd     func() *cobra.Command
		args    []string
		wantErr string
	}{
		{
			name:    "run missing manifest",
			cmd:     func() *cobra.Command { return newRunCmd(quietGlobals()) },
			wantErr: "accepts 1 arg(s), received 0",
		},
		{
			name:    "wizard missing flow",
			cmd:     func() *cobra.Command { return newWizardCmd(quietGlobals()) },
			wantErr: "accepts 1 arg(s), received 0",
		},
		{
			name:    "wizard unknown flow",
			cmd:     func() *cobra.Command { return newWizardCmd(quietGlobals()) },
			args:    []string{"backup"},
			wantErr: "backup",
		},
		{
			name:    "discover missing username",
			cmd:     func() *cobra.Command { return newDiscoverCmd(quietGlobals()) },
			args:    []string{"pub.lab"},
			wantErr: `required flag(s) "username" not set`,
		},
		{
			name:    "discover bad output",
			cmd:     func() *cobra.Command { return newDiscoverCmd(quietGlobals()) },
			args:    []string{"pub.lab", "--username", "admin", "--output", "xml"},
			wantErr: "invalid output format 'xml'",
		},
		{
			name:    "profiles unknown device",
			cmd:     func() *cobra.Command { return newProfilesCmd(quietGlobals()) },
			args:    []string{"pbx"},
			wantErr: `unknown device type "pbx"`,
		},
		{
			name:    "trace get missing node",
			cmd:     func() *cobra.Command { return newTraceCmd(quietGlobals()) },
			args:    []string{"get", "--username", "admin"},
			wantErr: "requires at least 1 arg(s), only received 0",
		},
		{
			name:    "trace set missing username",
			cmd:     func() *cobra.Command { return newTraceCmd(quietGlobals()) },
			args:    []string{"set", "verbose", "cucm-pub"},
			wantErr: `required flag(s) "username" not set`,
		},
		{
			name:    "trace set unknown level",
			cmd:     func() *cobra.Command { return newTraceCmd(quietGlobals()) },
			args:    []string{"set", "loud", "cucm-pub", "--username", "admin"},
			wantErr: "invalid trace level 'loud'",
		},
		{
			name:    "jobs too many ids",
			cmd:     func() *cobra.Command { return newJobsCmd(quietGlobals()) },
			args:    []string{"j1", "j2"},
			wantErr: "accepts at most 1 arg(s), received 2",
		},
		{
			name:    "jobs bad page",
			cmd:     func() *cobra.Command { return newJobsCmd(quietGlobals()) },
			args:    []string{"--page", "0"},
			wantErr: "--page must be >= 1",
		},
		{
			name:    "inspect missing capture",
			cmd:     newInspectCmd,
			wantErr: "requires at least 1 arg(s), only received 0",
		},
		{
			name:    "verify missing bundle",
			cmd:     newVerifyCmd,
			wantErr: "accepts 1 arg(s), received 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.cmd(), tt.args...)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error: got %q want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, newVersionCmd())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ucops version dev") {
		t.Errorf("output = %q", out)
	}
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := execute(t, newRootCmd(), "--help")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"run", "wizard", "discover", "profiles", "trace", "jobs", "history", "inspect", "verify"} {
		if !strings.Contains(out, name) {
			t.Errorf("help does not list %s:\n%s", name, out)
		}
	}
}

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wf.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunDryRunPrintsReview(t *testing.T) {
	isolateEnv(t)
	path := writeManifest(t, `
api_version: v1
kind: capture
name: sip-trace
targets:
  - {device_type: cube, host: 10.0.0.1, username: admin, password: secret}
capture:
  duration_seconds: 90
  packet_count: 1000
`)
	out, err := execute(t, newRunCmd(quietGlobals()), path, "--dry-run")
	if err != nil {
		t.Fatalf("run --dry-run: %v", err)
	}
	for _, want := range []string{"Workflow: capture", "CUBE 10.0.0.1:22 as admin", "Capture: 1m30s, up to 1000 packets"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunRejectsInvalidManifest(t *testing.T) {
	isolateEnv(t)
	path := writeManifest(t, "api_version: v1\nkind: capture\n")
	_, err := execute(t, newRunCmd(quietGlobals()), path, "--dry-run")
	if err == nil || !strings.Contains(err.Error(), "Invalid workflow manifest") {
		t.Fatalf("error = %v", err)
	}
}

func TestRunDryRunStopsAtGuard(t *testing.T) {
	isolateEnv(t)
	path := writeManifest(t, `
api_version: v1
kind: capture
targets:
  - {device_type: expressway, host: exp.lab, username: admin, password: secret}
capture:
  duration_seconds: 5
`)
	_, err := execute(t, newRunCmd(quietGlobals()), path, "--dry-run")
	if err == nil || !strings.Contains(err.Error(), "Invalid workflow manifest") {
		t.Fatalf("error = %v", err)
	}
}

func TestVerifyCommand(t *testing.T) {
	b, err := bundle.Create(t.TempDir(), "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	tgt := target.Target{ID: "t1", DeviceType: target.DeviceCUBE, Host: "10.0.0.1", Port: 22}
	rel, err := b.WriteTargetFile(tgt, "capture.pcap", []byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	meta := &bundle.WorkflowMeta{
		WorkflowID: "wf-1",
		Kind:       "capture",
		Status:     "completed",
		Targets:    []bundle.TargetMeta{{TargetID: "t1", Device: "cube", Host: "10.0.0.1", Files: []string{rel}}},
	}
	if err := b.WriteMeta(meta); err != nil {
		t.Fatal(err)
	}
	if err := b.Finalize(); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, newVerifyCmd(), b.Path)
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "PASSED") {
		t.Errorf("output = %q", out)
	}

	if err := os.WriteFile(filepath.Join(b.Path, rel), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, newVerifyCmd(), b.Path)
	if err == nil || !strings.Contains(out, "FAILED") {
		t.Errorf("tampered bundle: err = %v, output = %q", err, out)
	}
}

func TestInspectRejectsNonCapture(t *testing.T) {
	path := writeManifest(t, "not a capture")
	_, err := execute(t, newInspectCmd(), path)
	if err == nil || !strings.Contains(err.Error(), "summarize") {
		t.Fatalf("error = %v", err)
	}
}

func TestHistoryCommands(t *testing.T) {
	isolateEnv(t)
	out, err := execute(t, newHistoryCmd(quietGlobals()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No workflows recorded") {
		t.Errorf("output = %q", out)
	}

	_, err = execute(t, newHistoryCmd(quietGlobals()), "show", "missing")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("show missing: %v", err)
	}

	out, err = execute(t, newHistoryCmd(quietGlobals()), "prune", "--older-than", "1h")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Removed 0 workflow(s)") {
		t.Errorf("output = %q", out)
	}
}

func TestPrintResult(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	res := controller.Result{
		WorkflowID: "wf-9",
		Flow:       wizard.FlowCapture,
		Summary:    aggregate.Summary{Status: aggregate.Partial},
		StartedAt:  start,
		FinishedAt: start.Add(95 * time.Second),
		Targets: []target.Target{
			{ID: "a", DeviceType: target.DeviceCUBE, Host: "10.0.0.1", Port: 22},
			{ID: "b", DeviceType: target.DeviceExpressway, Host: "exp.lab", Port: 22},
		},
		Operations: []operation.Operation{
			{TargetID: "a", Status: operation.StatusCompleted},
			{TargetID: "b", Status: operation.StatusFailed, Error: "ssh timeout"},
		},
	}
	var buf bytes.Buffer
	printResult(&buf, res, []bundle.Result{{
		TargetID:  "a",
		Bytes:     2048,
		Artifacts: []backend.Artifact{{Filename: "cap-1.pcap"}, {Filename: "cap-2.pcap"}},
	}})
	out := buf.String()
	for _, want := range []string{"wf-9", "partial", "1m35s", "CUBE 10.0.0.1:22", "2.0 kB (2 files)", "ssh timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintJobs(t *testing.T) {
	var buf bytes.Buffer
	printJobPage(&buf, &backend.JobPage{
		Jobs: []backend.JobSummary{
			{ID: "j2", Status: operation.StatusRunning, Profile: "callmanager_full", NodeCount: 3, CreatedAt: time.Now().Add(-time.Hour)},
		},
		Total: 41, Page: 1, PageSize: 20,
	})
	out := buf.String()
	for _, want := range []string{"j2", "running", "callmanager_full", "1 hour ago", "Page 1 of 3 (41 job(s))"} {
		if !strings.Contains(out, want) {
			t.Errorf("list missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printJobPage(&buf, &backend.JobPage{Page: 1, PageSize: 20})
	if !strings.Contains(buf.String(), "No jobs found") {
		t.Errorf("empty list = %q", buf.String())
	}

	started := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	done := started.Add(150 * time.Second)
	buf.Reset()
	printJob(&buf, &backend.JobDetail{
		JobSummary:  backend.JobSummary{ID: "j1", Status: operation.StatusPartial, Profile: "basic"},
		StartedAt:   &started,
		CompletedAt: &done,
		Percent:     100,
		Nodes: []backend.NodeJob{
			{Node: "cucm-pub", Status: operation.StatusSucceeded, Artifacts: 4},
			{Node: "cucm-sub1", Status: operation.StatusFailed, Error: "auth failed"},
		},
	})
	out = buf.String()
	for _, want := range []string{"partial (100%)", "2m30s", "cucm-pub", "auth failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}
}

func TestPrintTraceReport(t *testing.T) {
	var buf bytes.Buffer
	printTraceReport(&buf, &backend.TraceReport{
		Level: "verbose",
		Nodes: []backend.NodeTrace{
			{Host: "cucm-pub", Success: true, Updated: []string{"Cisco CallManager"}},
			{Host: "cucm-sub1", Error: "ssh timeout"},
		},
		Message: "1 of 2 nodes updated",
	})
	out := buf.String()
	for _, want := range []string{"1 of 2 nodes updated", "Cisco CallManager", "verbose", "cucm-sub1", "ssh timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
