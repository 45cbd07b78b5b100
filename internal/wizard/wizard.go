// Package wizard drives workflow configuration through guarded steps
// and hands the finished configuration to a launcher.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/tturner/ucops/internal/logging"
	"github.com/tturner/ucops/internal/target"
)

var (
	// ErrSubmitting is returned while a submission is in flight.
	ErrSubmitting = errors.New("workflow submission already in progress")
	// ErrActive is returned for edits and moves after submission.
	ErrActive = errors.New("workflow is active; start a new workflow to change it")
	// ErrFirstStep is returned by Back on the first step.
	ErrFirstStep = errors.New("already at the first step")
	// ErrReset is returned by a Submit overtaken by Reset.
	ErrReset = errors.New("workflow was reset during submission")
)

// GuardError reports a blocked forward transition.
type GuardError struct {
	From   Step
	To     Step
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("cannot continue from %s to %s: %s", e.From.Title(), e.To.Title(), e.Reason)
}

// Submission is the finished configuration handed to a Launcher.
type Submission struct {
	Flow    Flow
	Options Options
	Targets []target.Target
}

// Launcher starts the operations of a submitted workflow.
type Launcher interface {
	Launch(ctx context.Context, sub Submission) error
}

// Resetter discards operation and polling state. It must cancel every
// scheduled poll before returning.
type Resetter interface {
	Reset()
}

// Discoverer finds the nodes of a CUCM cluster.
type Discoverer interface {
	DiscoverNodes(ctx context.Context, t target.Target) ([]target.Node, error)
}

// Config wires the collaborators of a Controller. Any may be nil.
type Config struct {
	Launcher   Launcher
	Resetter   Resetter
	Discoverer Discoverer
	Logger     *logging.Logger
}

// State is a read-only view of the wizard.
type State struct {
	Flow       Flow
	Step       Step
	Targets    []target.Target
	Options    Options
	Submitting bool
}

// Controller is the wizard state machine. Targets live in the registry;
// the controller owns the current step and options.
type Controller struct {
	mu         sync.Mutex
	flow       Flow
	step       Step
	options    Options
	submitting bool
	// gen is bumped by every Reset so an in-flight Submit can tell its
	// result is stale.
	gen uint64

	registry *target.Registry
	cfg      Config
}

// New creates a wizard for flow on top of reg, starting at the flow's
// first step with default options.
func New(flow Flow, reg *target.Registry, cfg Config) *Controller {
	return &Controller{
		flow:     flow,
		step:     flow.Initial(),
		options:  DefaultOptions(),
		registry: reg,
		cfg:      cfg,
	}
}

func (c *Controller) Flow() Flow { return c.flow }

// Step returns the current step.
func (c *Controller) Step() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

func (c *Controller) Registry() *target.Registry { return c.registry }

// State returns a snapshot of the wizard.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Flow:       c.flow,
		Step:       c.step,
		Targets:    c.registry.List(),
		Options:    c.options.clone(),
		Submitting: c.submitting,
	}
}

// Options returns a copy of the current options.
func (c *Controller) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options.clone()
}

// SetOptions edits the options in place. Refused once submitted.
func (c *Controller) SetOptions(fn func(*Options)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	next := c.options.clone()
	fn(&next)
	c.options = next
	return nil
}

func (c *Controller) editableLocked() error {
	if c.submitting {
		return ErrSubmitting
	}
	if c.step == StepActive {
		return ErrActive
	}
	return nil
}

// AddTarget registers a device.
func (c *Controller) AddTarget(t target.Target) (target.Target, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return target.Target{}, err
	}
	return c.registry.Add(t)
}

// RemoveTarget drops a device.
func (c *Controller) RemoveTarget(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	return c.registry.Remove(id)
}

// SetCredentials sets credentials for one target, or for every target of
// dt when id is empty.
func (c *Controller) SetCredentials(id string, dt target.DeviceType, creds target.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	if id == "" {
		return c.registry.SetAllCredentials(dt, creds)
	}
	return c.registry.SetCredentials(id, creds)
}

// Next moves forward one step if the guard for the move holds.
func (c *Controller) Next() (Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return c.step, err
	}
	steps := c.flow.Steps()
	i := c.flow.index(c.step)
	to := steps[i+1]
	if to == StepActive {
		return c.step, &GuardError{From: c.step, To: to, Reason: "submit the workflow to start it"}
	}
	if reason := c.guardLocked(c.step); reason != "" {
		return c.step, &GuardError{From: c.step, To: to, Reason: reason}
	}
	c.cfg.Logger.Verbose("wizard %s: %s -> %s", c.flow, c.step, to)
	c.step = to
	return c.step, nil
}

// Back moves to the previous step. Entered data is kept.
func (c *Controller) Back() (Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return c.step, err
	}
	i := c.flow.index(c.step)
	if i <= 0 {
		return c.step, ErrFirstStep
	}
	c.step = c.flow.Steps()[i-1]
	return c.step, nil
}

// CanAdvance reports the guard failure of the current step, if any.
func (c *Controller) CanAdvance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	steps := c.flow.Steps()
	i := c.flow.index(c.step)
	if reason := c.guardLocked(c.step); reason != "" {
		return &GuardError{From: c.step, To: steps[i+1], Reason: reason}
	}
	return nil
}

// Submit launches the workflow from the review step. Every guard is
// re-checked first. On launcher failure the wizard stays on review.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	if c.submitting {
		c.mu.Unlock()
		return ErrSubmitting
	}
	if c.step == StepActive {
		c.mu.Unlock()
		return ErrActive
	}
	if c.step != StepReview {
		from := c.step
		c.mu.Unlock()
		return &GuardError{From: from, To: StepActive, Reason: "finish the review step first"}
	}
	for _, s := range c.flow.Steps() {
		if s == StepReview {
			break
		}
		if reason := c.guardLocked(s); reason != "" {
			c.mu.Unlock()
			return &GuardError{From: StepReview, To: StepActive, Reason: reason}
		}
	}
	c.submitting = true
	gen := c.gen
	sub := Submission{Flow: c.flow, Options: c.options.clone(), Targets: c.registry.List()}
	launcher := c.cfg.Launcher
	c.mu.Unlock()

	var err error
	if launcher != nil {
		err = launcher.Launch(ctx, sub)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		c.cfg.Logger.Warn("workflow %s was reset while it was being submitted", c.flow)
		return ErrReset
	}
	c.submitting = false
	if err != nil {
		c.cfg.Logger.Error("workflow %s submission failed: %v", c.flow, err)
		return err
	}
	c.step = StepActive
	c.cfg.Logger.Info("workflow %s submitted with %d targets", c.flow, len(sub.Targets))
	return nil
}

// Reset returns the wizard to its first step with no targets and default
// options. Operation and polling state is discarded through the resetter
// before the registry is cleared. Safe to call from any step, repeatedly.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
	if c.cfg.Resetter != nil {
		c.cfg.Resetter.Reset()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry.Reset()
	c.options = DefaultOptions()
	c.step = c.flow.Initial()
	c.submitting = false
}

// Discover runs node discovery for a CUCM target and selects every node
// found.
func (c *Controller) Discover(ctx context.Context, id string) ([]target.Node, error) {
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	t, ok := c.registry.Get(id)
	discoverer := c.cfg.Discoverer
	c.mu.Unlock()

	switch {
	case !ok:
		return nil, target.ErrNotFound
	case t.DeviceType != target.DeviceCUCM:
		return nil, fmt.Errorf("%s: only CUCM publishers support discovery", t)
	case !t.Credentials.Complete():
		return nil, fmt.Errorf("%s: credentials are required for discovery", t)
	case discoverer == nil:
		return nil, errors.New("no discovery backend configured")
	}

	nodes, err := discoverer.DiscoverNodes(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", t, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("discover %s: no cluster nodes found", t)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return nil, err
	}
	_, err = c.registry.Update(id, func(t *target.Target) {
		t.Discovered = true
		t.Nodes = nodes
		t.SelectedNodes = make([]string, 0, len(nodes))
		for _, n := range nodes {
			t.SelectedNodes = append(t.SelectedNodes, n.Name())
		}
	})
	if err != nil {
		return nil, err
	}
	c.cfg.Logger.Verbose("discovered %d nodes on %s", len(nodes), t)
	return nodes, nil
}

// SelectNodes replaces the node selection of a discovered CUCM target.
func (c *Controller) SelectNodes(id string, names []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	t, ok := c.registry.Get(id)
	if !ok {
		return target.ErrNotFound
	}
	if !t.Discovered {
		return fmt.Errorf("%s: run discovery before selecting nodes", t)
	}
	known := make(map[string]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		known[n.Name()] = true
	}
	selected := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if !known[name] {
			return fmt.Errorf("%s: unknown node %q", t, name)
		}
		if !seen[name] {
			seen[name] = true
			selected = append(selected, name)
		}
	}
	_, err := c.registry.Update(id, func(t *target.Target) { t.SelectedNodes = selected })
	return err
}

// SetNodeOverride sets the address used to reach a node. An empty ip
// removes the override.
func (c *Controller) SetNodeOverride(id, node, ip string) error {
	ip = strings.TrimSpace(ip)
	if ip != "" && net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address %q", ip)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	_, err := c.registry.Update(id, func(t *target.Target) {
		if ip == "" {
			delete(t.NodeIPOverrides, node)
			return
		}
		if t.NodeIPOverrides == nil {
			t.NodeIPOverrides = make(map[string]string)
		}
		t.NodeIPOverrides[node] = ip
	})
	return err
}

// guardLocked returns why leaving step s forward is blocked, or "".
func (c *Controller) guardLocked(s Step) string {
	targets := c.registry.List()
	switch s {
	case StepDevices:
		if len(targets) == 0 {
			return "add at least one device"
		}
	case StepConfigure:
		return c.configureReason(targets)
	case StepCredentials:
		if r := credentialsReason(targets); r != "" {
			return r
		}
		if c.flow == FlowCollection {
			return discoveryReason(targets)
		}
	case StepConnect:
		if len(targets) != 1 || targets[0].DeviceType != target.DeviceCUCM {
			return "a cluster job needs exactly one CUCM publisher"
		}
		if r := credentialsReason(targets); r != "" {
			return r
		}
		if !targets[0].Discovered {
			return "discover the cluster nodes first"
		}
	case StepSelectNodes:
		return discoveryReason(targets)
	case StepSelectProfile:
		if strings.TrimSpace(c.options.Profile) == "" {
			return "choose a log profile"
		}
		if err := validateTimeRange(c.options.TimeRange); err != nil {
			return err.Error()
		}
		if err := validateDebugLevel(c.options.DebugLevel); err != nil {
			return err.Error()
		}
	}
	return ""
}

func (c *Controller) configureReason(targets []target.Target) string {
	switch c.flow {
	case FlowCapture:
		if err := validateCapture(c.options.Capture); err != nil {
			return err.Error()
		}
		for _, t := range targets {
			if err := validateFilter(t); err != nil {
				return err.Error()
			}
		}
	case FlowCollection:
		for _, dt := range presentTypes(targets) {
			if c.options.ProfileFor(dt) == "" {
				return fmt.Sprintf("choose a log profile for %s", dt.Label())
			}
		}
		if err := validateTimeRange(c.options.TimeRange); err != nil {
			return err.Error()
		}
		if err := validateDebugLevel(c.options.DebugLevel); err != nil {
			return err.Error()
		}
	case FlowHealth:
		for _, dt := range presentTypes(targets) {
			if err := validateChecks(dt, c.options.ChecksFor(dt)); err != nil {
				return err.Error()
			}
		}
	}
	return ""
}

func credentialsReason(targets []target.Target) string {
	for _, t := range targets {
		if !t.Credentials.Complete() {
			return fmt.Sprintf("%s needs a username and password", t)
		}
	}
	return ""
}

func discoveryReason(targets []target.Target) string {
	for _, t := range targets {
		if !t.NeedsDiscovery() {
			continue
		}
		if !t.Discovered {
			return fmt.Sprintf("%s has not been discovered", t)
		}
		if len(t.SelectedNodes) == 0 {
			return fmt.Sprintf("select at least one node on %s", t)
		}
	}
	return ""
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
	return out
}
