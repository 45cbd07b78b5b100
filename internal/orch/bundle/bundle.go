// Package bundle stores the downloaded results of a workflow and
// coordinates when and how they are fetched.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/target"
)

// Standard bundle directory and file names.
const (
	MetaFile   = "workflow.json"
	HashesFile = "hashes.txt"
	TargetsDir = "targets"
)

// Bundle is the on-disk directory holding one workflow's results.
type Bundle struct {
	Path       string
	WorkflowID string
}

// WorkflowMeta summarizes a finished workflow.
type WorkflowMeta struct {
	WorkflowID      string       `json:"workflow_id"`
	Name            string       `json:"name,omitempty"`
	Kind            string       `json:"kind"`
	Status          string       `json:"status"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
	DurationSeconds float64      `json:"duration_seconds"`
	Health          string       `json:"health,omitempty"`
	Targets         []TargetMeta `json:"targets"`
}

// TargetMeta records one target's outcome.
type TargetMeta struct {
	TargetID    string   `json:"target_id"`
	Device      string   `json:"device"`
	Host        string   `json:"host"`
	OperationID string   `json:"operation_id,omitempty"`
	Status      string   `json:"status"`
	Progress    float64  `json:"progress"`
	Health      string   `json:"health,omitempty"`
	Files       []string `json:"files,omitempty"`
	Error       string   `json:"error,omitempty"`
	// Artifacts is the backend's listing of the files behind the
	// download, per node for CUCM jobs.
	Artifacts []backend.Artifact `json:"artifacts,omitempty"`
}

// Create creates the bundle directory for a workflow.
func Create(baseDir, workflowID string) (*Bundle, error) {
	bundlePath := filepath.Join(baseDir, workflowID)
	if err := os.MkdirAll(filepath.Join(bundlePath, TargetsDir), 0755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}
	return &Bundle{Path: bundlePath, WorkflowID: workflowID}, nil
}

// Open opens an existing bundle directory.
func Open(bundlePath string) (*Bundle, error) {
	info, err := os.Stat(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bundle path is not a directory: %s", bundlePath)
	}
	return &Bundle{Path: bundlePath, WorkflowID: filepath.Base(bundlePath)}, nil
}

// TargetDirName is the directory a target's files are saved under,
// relative to TargetsDir.
func TargetDirName(t target.Target) string {
	name := fmt.Sprintf("%s_%s", t.DeviceType, t.Host)
	if t.Port != 0 && t.Port != t.DeviceType.DefaultPort() {
		name = fmt.Sprintf("%s_%d", name, t.Port)
	}
	return sanitize(name)
}

// TargetDir returns the absolute directory of a target's files.
func (b *Bundle) TargetDir(t target.Target) string {
	return filepath.Join(b.Path, TargetsDir, TargetDirName(t))
}

// WriteMeta writes the workflow summary.
func (b *Bundle) WriteMeta(meta *WorkflowMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow meta: %w", err)
	}
	return b.writeFile(MetaFile, data)
}

// ReadMeta reads the workflow summary.
func (b *Bundle) ReadMeta() (*WorkflowMeta, error) {
	data, err := os.ReadFile(filepath.Join(b.Path, MetaFile))
	if err != nil {
		return nil, err
	}
	var meta WorkflowMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// WriteTargetFile stores data under the target's directory and returns
// the path relative to the bundle.
func (b *Bundle) WriteTargetFile(t target.Target, filename string, data []byte) (string, error) {
	rel := filepath.Join(TargetsDir, TargetDirName(t), sanitize(filename))
	return rel, b.writeFile(rel, data)
}

// CreateTargetFile opens a new file under the target's directory for
// streaming. The caller closes it.
func (b *Bundle) CreateTargetFile(t target.Target, filename string) (*os.File, string, error) {
	rel := filepath.Join(TargetsDir, TargetDirName(t), sanitize(filename))
	full := filepath.Join(b.Path, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, "", fmt.Errorf("create directory: %w", err)
	}
	f, err := os.Create(full)
	if err != nil {
		return nil, "", err
	}
	return f, rel, nil
}

// Files lists every file in the bundle relative to its root, sorted.
func (b *Bundle) Files() ([]string, error) {
	var out []string
	err := filepath.Walk(b.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.Path, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(out)
	return out, err
}

// ComputeHashes calculates SHA256 hashes for all files in the bundle.
func (b *Bundle) ComputeHashes() (map[string]string, error) {
	files, err := b.Files()
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(files))
	for _, rel := range files {
		if rel == HashesFile {
			continue
		}
		hash, err := hashFile(filepath.Join(b.Path, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", rel, err)
		}
		hashes[rel] = hash
	}
	return hashes, nil
}

// WriteHashes writes the hashes file to the bundle.
func (b *Bundle) WriteHashes(hashes map[string]string) error {
	keys := make([]string, 0, len(hashes))
	for k := range hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s  %s\n", hashes[k], k)
	}
	return b.writeFile(HashesFile, []byte(sb.String()))
}

// ReadHashes reads the hashes file from the bundle.
func (b *Bundle) ReadHashes() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(b.Path, HashesFile))
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 {
			continue
		}
		hashes[parts[1]] = parts[0]
	}
	return hashes, nil
}

// Finalize computes hashes and writes the hashes file.
func (b *Bundle) Finalize() error {
	hashes, err := b.ComputeHashes()
	if err != nil {
		return fmt.Errorf("compute hashes: %w", err)
	}
	return b.WriteHashes(hashes)
}

func (b *Bundle) writeFile(relPath string, data []byte) error {
	fullPath := filepath.Join(b.Path, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// sanitize keeps a backend-supplied name inside its directory.
func sanitize(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "artifact"
	}
	return name
}
