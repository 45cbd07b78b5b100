package wizard

import (
	"fmt"
	"strings"

	"github.com/tturner/ucops/internal/operation"
)

// Flow selects the step sequence a wizard walks.
type Flow string

const (
	// FlowCapture starts packet captures on several devices.
	FlowCapture Flow = "capture"
	// FlowCollection collects logs from several devices of mixed types.
	FlowCollection Flow = "collection"
	// FlowHealth probes several devices.
	FlowHealth Flow = "health"
	// FlowJob runs one CUCM cluster log job.
	FlowJob Flow = "job"
)

// Flows lists the supported flows.
var Flows = []Flow{FlowCapture, FlowCollection, FlowHealth, FlowJob}

// ParseFlow accepts flow names case-insensitively.
func ParseFlow(s string) (Flow, error) {
	f := Flow(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Flows {
		if f == known {
			return f, nil
		}
	}
	if f == "logs" {
		return FlowCollection, nil
	}
	return "", fmt.Errorf("unknown workflow %q (want capture, collection, health or job)", s)
}

// Kind is the operation kind every target of the flow runs.
func (f Flow) Kind() operation.Kind {
	switch f {
	case FlowCapture:
		return operation.KindCapture
	case FlowHealth:
		return operation.KindHealthProbe
	}
	return operation.KindJob
}

// Step is one wizard screen.
type Step string

const (
	StepDevices       Step = "devices"
	StepConfigure     Step = "configure"
	StepCredentials   Step = "credentials"
	StepReview        Step = "review"
	StepActive        Step = "active"
	StepConnect       Step = "connect"
	StepSelectNodes   Step = "selectNodes"
	StepSelectProfile Step = "selectProfile"
)

var (
	multiDeviceSteps = []Step{StepDevices, StepConfigure, StepCredentials, StepReview, StepActive}
	clusterJobSteps  = []Step{StepConnect, StepSelectNodes, StepSelectProfile, StepReview, StepActive}
)

// Steps returns the ordered steps of f.
func (f Flow) Steps() []Step {
	if f == FlowJob {
		return append([]Step(nil), clusterJobSteps...)
	}
	return append([]Step(nil), multiDeviceSteps...)
}

// Initial is the first step of f.
func (f Flow) Initial() Step {
	return f.Steps()[0]
}

func (f Flow) index(s Step) int {
	for i, step := range f.Steps() {
		if step == s {
			return i
		}
	}
	return -1
}

// Title is the human label of a step.
func (s Step) Title() string {
	switch s {
	case StepDevices:
		return "Devices"
	case StepConfigure:
		return "Configure"
	case StepCredentials:
		return "Credentials"
	case StepReview:
		return "Review"
	case StepActive:
		return "Active"
	case StepConnect:
		return "Connect"
	case StepSelectNodes:
		return "Select nodes"
	case StepSelectProfile:
		return "Select profile"
	}
	return string(s)
}
