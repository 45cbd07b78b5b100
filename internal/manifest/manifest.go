// Package manifest provides workflow manifest loading, validation, and
// resolution for non-interactive runs.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tturner/ucops/internal/target"
)

// APIVersion is the current manifest schema version.
const APIVersion = "v1"

// Manifest describes one workflow: what to run and against which devices.
type Manifest struct {
	APIVersion string          `yaml:"api_version" json:"api_version"`
	Kind       string          `yaml:"kind" json:"kind"`
	Name       string          `yaml:"name,omitempty" json:"name,omitempty"`
	Targets    []TargetSpec    `yaml:"targets" json:"targets"`
	Capture    *CaptureSpec    `yaml:"capture,omitempty" json:"capture,omitempty"`
	Collection *CollectionSpec `yaml:"collection,omitempty" json:"collection,omitempty"`
	Job        *JobSpec        `yaml:"job,omitempty" json:"job,omitempty"`
	Health     *HealthSpec     `yaml:"health,omitempty" json:"health,omitempty"`
}

// TargetSpec is one device entry.
type TargetSpec struct {
	DeviceType string `yaml:"device_type" json:"device_type"`
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port,omitempty" json:"port,omitempty"`
	Interface  string `yaml:"interface,omitempty" json:"interface,omitempty"`
	Username   string `yaml:"username" json:"username"`
	// Password is read from PasswordEnv when empty.
	Password    string         `yaml:"password,omitempty" json:"-"`
	PasswordEnv string         `yaml:"password_env,omitempty" json:"password_env,omitempty"`
	Filter      *target.Filter `yaml:"filter,omitempty" json:"filter,omitempty"`
	// Nodes narrows a discovered CUCM cluster. Empty keeps every node.
	Nodes         []string          `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	NodeOverrides map[string]string `yaml:"node_overrides,omitempty" json:"node_overrides,omitempty"`
}

// CaptureSpec configures the capture workflow.
type CaptureSpec struct {
	DurationSeconds int    `yaml:"duration_seconds" json:"duration_seconds"`
	PacketCount     int    `yaml:"packet_count,omitempty" json:"packet_count,omitempty"`
	Filename        string `yaml:"filename,omitempty" json:"filename,omitempty"`
	// Filter applies to targets without their own.
	Filter *target.Filter `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// TimeRangeSpec is a relative or absolute log window.
type TimeRangeSpec struct {
	Mode    string    `yaml:"mode,omitempty" json:"mode,omitempty"` // relative, range
	Minutes int       `yaml:"minutes,omitempty" json:"minutes,omitempty"`
	Start   time.Time `yaml:"start,omitempty" json:"start,omitempty"`
	End     time.Time `yaml:"end,omitempty" json:"end,omitempty"`
}

// CollectionSpec configures multi-device log collection.
type CollectionSpec struct {
	// Profiles maps device type to log profile.
	Profiles             map[string]string `yaml:"profiles,omitempty" json:"profiles,omitempty"`
	TimeRange            TimeRangeSpec     `yaml:"time_range,omitempty" json:"time_range,omitempty"`
	DebugLevel           string            `yaml:"debug_level,omitempty" json:"debug_level,omitempty"`
	IncludeDebug         bool              `yaml:"include_debug,omitempty" json:"include_debug,omitempty"`
	DebugDurationSeconds int               `yaml:"debug_duration_seconds,omitempty" json:"debug_duration_seconds,omitempty"`
}

// JobSpec configures a CUCM cluster job.
type JobSpec struct {
	Profile    string        `yaml:"profile" json:"profile"`
	TimeRange  TimeRangeSpec `yaml:"time_range,omitempty" json:"time_range,omitempty"`
	DebugLevel string        `yaml:"debug_level,omitempty" json:"debug_level,omitempty"`
}

// HealthSpec configures health probes.
type HealthSpec struct {
	// Checks maps device type to checks. Types left out run every check.
	Checks map[string][]string `yaml:"checks,omitempty" json:"checks,omitempty"`
}

// Load reads a manifest from a YAML file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest file: %w", err)
	}

	return Parse(data)
}

// Parse parses manifest YAML data.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest YAML: %w", err)
	}

	// Apply defaults
	applyDefaults(&m)

	return &m, nil
}

// applyDefaults sets default values for optional fields.
func applyDefaults(m *Manifest) {
	if m.Name == "" || m.Name == "auto" {
		m.Name = generateName(m.Kind)
	}
	if m.Kind == "capture" && m.Capture == nil {
		m.Capture = &CaptureSpec{}
	}
	if m.Capture != nil && m.Capture.DurationSeconds == 0 {
		m.Capture.DurationSeconds = 60
	}
	for _, tr := range []*TimeRangeSpec{timeRange(m.Collection), jobTimeRange(m.Job)} {
		if tr == nil {
			continue
		}
		if tr.Mode == "" {
			tr.Mode = "relative"
		}
		if tr.Mode == "relative" && tr.Minutes == 0 {
			tr.Minutes = 60
		}
	}
}

func timeRange(c *CollectionSpec) *TimeRangeSpec {
	if c == nil {
		return nil
	}
	return &c.TimeRange
}

func jobTimeRange(j *JobSpec) *TimeRangeSpec {
	if j == nil {
		return nil
	}
	return &j.TimeRange
}

// generateName creates a timestamped workflow name.
func generateName(kind string) string {
	if kind == "" {
		kind = "workflow"
	}
	return kind + "_" + time.Now().UTC().Format("2006-01-02_15-04-05")
}

// ToYAML returns the manifest as YAML bytes.
func (m *Manifest) ToYAML() ([]byte, error) {
	return yaml.Marshal(m)
}

// SaveYAML writes the manifest to a YAML file.
func (m *Manifest) SaveYAML(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write manifest file: %w", err)
	}

	return nil
}
