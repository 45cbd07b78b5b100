package bundle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tturner/ucops/internal/target"
)

func TestCreate(t *testing.T) {
	tmpDir := t.TempDir()

	b, err := Create(tmpDir, "wf-001")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	expectedPath := filepath.Join(tmpDir, "wf-001")
	if b.Path != expectedPath {
		t.Errorf("Bundle.Path = %v, want %v", b.Path, expectedPath)
	}
	if _, err := os.Stat(filepath.Join(b.Path, TargetsDir)); os.IsNotExist(err) {
		t.Errorf("targets directory not created")
	}
}

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	if _, err := Create(tmpDir, "wf"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	b, err := Open(filepath.Join(tmpDir, "wf"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if b.WorkflowID != "wf" {
		t.Errorf("Bundle.WorkflowID = %v, want wf", b.WorkflowID)
	}

	if _, err := Open(filepath.Join(tmpDir, "nonexistent")); err == nil {
		t.Error("Open() should fail for non-existent bundle")
	}
}

func TestTargetDirName(t *testing.T) {
	tests := []struct {
		target target.Target
		want   string
	}{
		{target.Target{DeviceType: target.DeviceCUBE, Host: "10.0.0.1", Port: 22}, "cube_10.0.0.1"},
		{target.Target{DeviceType: target.DeviceCUCM, Host: "pub.lab", Port: 2222}, "cucm_pub.lab_2222"},
	}
	for _, tt := range tests {
		if got := TargetDirName(tt.target); got != tt.want {
			t.Errorf("TargetDirName(%v) = %q, want %q", tt.target, got, tt.want)
		}
	}
}

func TestWriteTargetFileSanitizes(t *testing.T) {
	b, _ := Create(t.TempDir(), "wf")
	tgt := target.Target{DeviceType: target.DeviceCUBE, Host: "10.0.0.1", Port: 22}

	rel, err := b.WriteTargetFile(tgt, "../../etc/passwd", []byte("x"))
	if err != nil {
		t.Fatalf("WriteTargetFile() error = %v", err)
	}
	if !strings.HasPrefix(rel, filepath.Join(TargetsDir, "cube_10.0.0.1")) {
		t.Errorf("file escaped target dir: %s", rel)
	}
}

func TestWriteAndReadMeta(t *testing.T) {
	b, _ := Create(t.TempDir(), "wf")
	meta := &WorkflowMeta{
		WorkflowID:      "wf",
		Kind:            "capture",
		Status:          "partial",
		StartedAt:       time.Now().Add(-time.Minute),
		FinishedAt:      time.Now(),
		DurationSeconds: 60,
		Targets: []TargetMeta{
			{TargetID: "a", Device: "cube", Host: "10.0.0.1", Status: "completed", Progress: 100},
			{TargetID: "b", Device: "expressway", Host: "10.0.0.2", Status: "failed", Error: "ssh auth failed"},
		},
	}
	if err := b.WriteMeta(meta); err != nil {
		t.Fatalf("WriteMeta() error = %v", err)
	}
	got, err := b.ReadMeta()
	if err != nil {
		t.Fatalf("ReadMeta() error = %v", err)
	}
	if got.Status != "partial" || len(got.Targets) != 2 {
		t.Errorf("ReadMeta() = %+v", got)
	}
	if got.Targets[1].Error != "ssh auth failed" {
		t.Errorf("target error = %q", got.Targets[1].Error)
	}
}

func TestHashesRoundTripAndVerify(t *testing.T) {
	b, _ := Create(t.TempDir(), "wf")
	tgt := target.Target{DeviceType: target.DeviceCUBE, Host: "10.0.0.1", Port: 22}
	rel, err := b.WriteTargetFile(tgt, "cube.pcap", []byte("packets"))
	if err != nil {
		t.Fatalf("WriteTargetFile() error = %v", err)
	}
	meta := &WorkflowMeta{WorkflowID: "wf", Targets: []TargetMeta{{Host: "10.0.0.1", Files: []string{filepath.ToSlash(rel)}}}}
	if err := b.WriteMeta(meta); err != nil {
		t.Fatalf("WriteMeta() error = %v", err)
	}
	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	hashes, err := b.ReadHashes()
	if err != nil {
		t.Fatalf("ReadHashes() error = %v", err)
	}
	if len(hashes) != 2 {
		t.Errorf("expected 2 hashes, got %d: %v", len(hashes), hashes)
	}
	for file, h := range hashes {
		if !strings.HasPrefix(h, "sha256:") {
			t.Errorf("hash for %s missing prefix: %s", file, h)
		}
	}

	result, err := b.Verify()
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid {
		t.Fatalf("Verify() invalid: %s", result.FormatResult())
	}

	// Tamper with the capture.
	if err := os.WriteFile(filepath.Join(b.Path, rel), []byte("changed"), 0644); err != nil {
		t.Fatal(err)
	}
	result, _ = b.Verify()
	if result.Valid {
		t.Fatal("Verify() should fail after tampering")
	}
	if len(result.HashMismatches) != 1 {
		t.Errorf("HashMismatches = %v", result.HashMismatches)
	}
	if !strings.Contains(result.FormatResult(), "FAILED") {
		t.Errorf("FormatResult() = %s", result.FormatResult())
	}
}

func TestVerifyMissingFiles(t *testing.T) {
	b, _ := Create(t.TempDir(), "wf")
	meta := &WorkflowMeta{WorkflowID: "wf", Targets: []TargetMeta{{Host: "h", Files: []string{"targets/h/missing.pcap"}}}}
	if err := b.WriteMeta(meta); err != nil {
		t.Fatal(err)
	}
	result, err := b.Verify()
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Valid {
		t.Fatal("Verify() should fail without hashes and files")
	}
	if len(result.MissingFiles) != 1 {
		t.Errorf("MissingFiles = %v", result.MissingFiles)
	}
}
