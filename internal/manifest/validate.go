package manifest

import (
	"fmt"
	"strings"

	"github.com/tturner/ucops/internal/target"
	"github.com/tturner/ucops/internal/wizard"
)

// ValidationError represents a manifest validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("manifest validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the manifest's structure. Device reachability and
// option ranges are checked again by the wizard guards when the manifest
// is applied.
func (m *Manifest) Validate() error {
	var errs ValidationErrors

	// API version
	if m.APIVersion == "" {
		errs = append(errs, ValidationError{"api_version", "required"})
	} else if m.APIVersion != APIVersion {
		errs = append(errs, ValidationError{"api_version", fmt.Sprintf("must be '%s', got '%s'", APIVersion, m.APIVersion)})
	}

	flow, err := wizard.ParseFlow(m.Kind)
	if m.Kind == "" {
		errs = append(errs, ValidationError{"kind", "required"})
	} else if err != nil {
		errs = append(errs, ValidationError{"kind", "must be one of: capture, collection, health, job"})
	}

	// Targets
	if len(m.Targets) == 0 {
		errs = append(errs, ValidationError{"targets", "at least one target is required"})
	} else if len(m.Targets) > target.DefaultMaxTargets {
		errs = append(errs, ValidationError{"targets", fmt.Sprintf("at most %d targets", target.DefaultMaxTargets)})
	}
	seen := make(map[string]int)
	cucm := 0
	for i, t := range m.Targets {
		field := fmt.Sprintf("targets[%d]", i)
		dt, err := target.ParseDeviceType(t.DeviceType)
		if err != nil {
			errs = append(errs, ValidationError{field + ".device_type", err.Error()})
		}
		if dt == target.DeviceCUCM {
			cucm++
		}
		if strings.TrimSpace(t.Host) == "" {
			errs = append(errs, ValidationError{field + ".host", "required"})
		}
		if t.Port < 0 || t.Port > 65535 {
			errs = append(errs, ValidationError{field + ".port", "must be between 1 and 65535"})
		}
		key := fmt.Sprintf("%s|%s|%d", strings.ToLower(t.DeviceType), strings.ToLower(t.Host), t.Port)
		if j, dup := seen[key]; dup {
			errs = append(errs, ValidationError{field, fmt.Sprintf("duplicates targets[%d]", j)})
		}
		seen[key] = i
		if strings.TrimSpace(t.Username) == "" {
			errs = append(errs, ValidationError{field + ".username", "required"})
		}
		if t.Password == "" && t.PasswordEnv == "" {
			errs = append(errs, ValidationError{field + ".password", "one of password or password_env is required"})
		}
		if len(t.Nodes) > 0 && dt != target.DeviceCUCM {
			errs = append(errs, ValidationError{field + ".nodes", "only CUCM targets have cluster nodes"})
		}
	}

	// Kind-specific sections
	switch flow {
	case wizard.FlowCapture:
		if m.Capture != nil && m.Capture.DurationSeconds < 0 {
			errs = append(errs, ValidationError{"capture.duration_seconds", "must be > 0"})
		}
	case wizard.FlowJob:
		if cucm != 1 || len(m.Targets) != 1 {
			errs = append(errs, ValidationError{"targets", "a job needs exactly one CUCM publisher"})
		}
		if m.Job == nil || m.Job.Profile == "" {
			errs = append(errs, ValidationError{"job.profile", "required"})
		}
	case wizard.FlowHealth:
		if m.Health != nil {
			for dt := range m.Health.Checks {
				if _, err := target.ParseDeviceType(dt); err != nil {
					errs = append(errs, ValidationError{"health.checks." + dt, err.Error()})
				}
			}
		}
	case wizard.FlowCollection:
		if m.Collection != nil {
			for dt := range m.Collection.Profiles {
				if _, err := target.ParseDeviceType(dt); err != nil {
					errs = append(errs, ValidationError{"collection.profiles." + dt, err.Error()})
				}
			}
		}
	}
	for _, tr := range []struct {
		field string
		spec  *TimeRangeSpec
	}{{"collection.time_range", timeRange(m.Collection)}, {"job.time_range", jobTimeRange(m.Job)}} {
		if tr.spec == nil {
			continue
		}
		if err := validateTimeRangeMode(tr.spec.Mode); err != nil {
			errs = append(errs, ValidationError{tr.field + ".mode", err.Error()})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateTimeRangeMode(mode string) error {
	switch mode {
	case "", "relative", "range":
		return nil
	default:
		return fmt.Errorf("must be one of: relative, range")
	}
}
