package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/target"
	"github.com/tturner/ucops/internal/wizard"
)

// ErrAborted is returned when the user cancels the wizard.
var ErrAborted = errors.New("wizard cancelled")

// ProfileLister lists the log profiles offered for a device type.
type ProfileLister interface {
	Profiles(ctx context.Context, dt target.DeviceType) ([]backend.Profile, error)
}

// WizardUI walks a wizard through one huh form per step.
type WizardUI struct {
	w        *wizard.Controller
	profiles ProfileLister
	out      io.Writer
	styles   Styles
	// runForm shows f, which writes into answers. Replaced in tests.
	runForm func(step wizard.Step, f *huh.Form, answers any) error
}

// NewWizardUI creates a form-driven front end for w. profiles may be nil,
// in which case profile names are typed in.
func NewWizardUI(w *wizard.Controller, profiles ProfileLister, out io.Writer) *WizardUI {
	return &WizardUI{
		w:        w,
		profiles: profiles,
		out:      out,
		styles:   DefaultStyles,
		runForm:  func(_ wizard.Step, f *huh.Form, _ any) error { return f.WithTheme(formTheme(DefaultTheme)).Run() },
	}
}

// Run shows forms until the workflow is submitted. Guard failures are
// printed and the step is shown again with the entered values.
func (u *WizardUI) Run(ctx context.Context) error {
	for {
		step := u.w.Step()
		if step == wizard.StepActive {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		u.heading(step)

		advance, err := u.runStep(ctx, step)
		if errors.Is(err, huh.ErrUserAborted) {
			return ErrAborted
		}
		if err != nil {
			u.warn(err.Error())
			var ge *wizard.GuardError
			if step == wizard.StepReview && !errors.As(err, &ge) {
				return err
			}
			continue
		}
		if !advance {
			continue
		}
		if _, err := u.w.Next(); err != nil {
			var ge *wizard.GuardError
			if !errors.As(err, &ge) {
				return err
			}
			u.warn(ge.Reason)
		}
	}
}

func (u *WizardUI) heading(step wizard.Step) {
	steps := u.w.Flow().Steps()
	pos := 0
	for i, s := range steps {
		if s == step {
			pos = i + 1
		}
	}
	fmt.Fprintf(u.out, "%s %s\n", u.styles.Header.Render(step.Title()),
		u.styles.Dim.Render(fmt.Sprintf("(%d/%d)", pos, len(steps)-1)))
}

func (u *WizardUI) warn(msg string) {
	fmt.Fprintln(u.out, u.styles.Warning.Render("! "+msg))
}

// runStep shows and applies the form of one step. advance is false when
// the step handled its own transition.
func (u *WizardUI) runStep(ctx context.Context, step wizard.Step) (advance bool, err error) {
	state := u.w.State()
	switch step {
	case wizard.StepDevices:
		a := devicesAnswers{Lines: FormatTargetLines(state.Targets)}
		if err := u.runForm(step, devicesForm(&a), &a); err != nil {
			return false, err
		}
		return true, u.applyDevices(a)

	case wizard.StepConfigure:
		return true, u.configure(ctx, step, state)

	case wizard.StepCredentials:
		a := newCredentialAnswers(state.Targets)
		if err := u.runForm(step, credentialsForm(a), a); err != nil {
			return false, err
		}
		if err := u.applyCredentials(a); err != nil {
			return false, err
		}
		if state.Flow == wizard.FlowCollection {
			return true, u.discoverAll(ctx)
		}
		return true, nil

	case wizard.StepConnect:
		a := connectAnswers{Port: "22"}
		if len(state.Targets) == 1 {
			t := state.Targets[0]
			a = connectAnswers{Host: t.Host, Port: strconv.Itoa(t.Port), Username: t.Credentials.Username}
		}
		if err := u.runForm(step, connectForm(&a), &a); err != nil {
			return false, err
		}
		if err := u.applyConnect(a); err != nil {
			return false, err
		}
		return true, u.discoverAll(ctx)

	case wizard.StepSelectNodes:
		if len(state.Targets) != 1 {
			return false, fmt.Errorf("a cluster job needs exactly one CUCM publisher")
		}
		t := state.Targets[0]
		a := nodeAnswers{Selected: append([]string(nil), t.SelectedNodes...)}
		if err := u.runForm(step, nodesForm(t, &a.Selected), &a); err != nil {
			return false, err
		}
		return true, u.w.SelectNodes(t.ID, a.Selected)

	case wizard.StepSelectProfile:
		a := newLogAnswers(state.Options)
		a.Profile = state.Options.Profile
		names := u.profileNames(ctx, target.DeviceCUCM)
		if err := u.runForm(step, jobProfileForm(&a, names), &a); err != nil {
			return false, err
		}
		return true, u.w.SetOptions(func(o *wizard.Options) {
			a.apply(o)
			o.Profile = strings.TrimSpace(a.Profile)
		})

	case wizard.StepReview:
		return false, u.review(ctx, state)
	}
	return false, fmt.Errorf("no form for step %q", step)
}

// ParseTargetLines reads "<type> <host>[:port]" lines. Blank lines and
// lines starting with # are skipped.
func ParseTargetLines(text string) ([]target.Target, error) {
	var out []target.Target
	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"<type> <host>[:port]\", got %q", i+1, line)
		}
		dt, err := target.ParseDeviceType(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		t := target.Target{DeviceType: dt, Host: fields[1]}
		if host, port, err := net.SplitHostPort(fields[1]); err == nil {
			p, err := strconv.Atoi(port)
			if err != nil || p < 1 || p > 65535 {
				return nil, fmt.Errorf("line %d: invalid port %q", i+1, port)
			}
			t.Host, t.Port = host, p
		}
		out = append(out, t)
	}
	return out, nil
}

// FormatTargetLines is the inverse of ParseTargetLines.
func FormatTargetLines(targets []target.Target) string {
	lines := make([]string, 0, len(targets))
	for _, t := range targets {
		lines = append(lines, fmt.Sprintf("%s %s", t.DeviceType, t.Address()))
	}
	return strings.Join(lines, "\n")
}

type devicesAnswers struct {
	Lines string
}

func devicesForm(a *devicesAnswers) *huh.Form {
	return huh.NewForm(huh.NewGroup(
		huh.NewText().
			Title("Devices").
			Description("One per line: <type> <host>[:port]. Types: cucm, cube, csr1000v, expressway.").
			Key("devices").
			Value(&a.Lines).
			Validate(func(s string) error {
				_, err := ParseTargetLines(s)
				return err
			}),
	))
}

// applyDevices makes the registry match the entered list, keeping
// existing targets and their credentials where the line is unchanged.
func (u *WizardUI) applyDevices(a devicesAnswers) error {
	wanted, err := ParseTargetLines(a.Lines)
	if err != nil {
		return err
	}
	key := func(dt target.DeviceType, host string, port int) string {
		if port == 0 {
			port = dt.DefaultPort()
		}
		return fmt.Sprintf("%s/%s:%d", dt, strings.ToLower(host), port)
	}
	keep := make(map[string]bool, len(wanted))
	for _, t := range wanted {
		keep[key(t.DeviceType, t.Host, t.Port)] = true
	}
	existing := make(map[string]bool)
	for _, t := range u.w.Registry().List() {
		k := key(t.DeviceType, t.Host, t.Port)
		if !keep[k] {
			if err := u.w.RemoveTarget(t.ID); err != nil {
				return err
			}
			continue
		}
		existing[k] = true
	}
	for _, t := range wanted {
		if existing[key(t.DeviceType, t.Host, t.Port)] {
			continue
		}
		if _, err := u.w.AddTarget(t); err != nil {
			return fmt.Errorf("%s %s: %w", t.DeviceType.Label(), t.Host, err)
		}
	}
	return nil
}

func (u *WizardUI) configure(ctx context.Context, step wizard.Step, state wizard.State) error {
	switch state.Flow {
	case wizard.FlowCapture:
		a := newCaptureAnswers(state)
		if err := u.runForm(step, captureForm(&a), &a); err != nil {
			return err
		}
		return u.applyCapture(a)
	case wizard.FlowCollection:
		a := newLogAnswers(state.Options)
		types := deviceTypes(state.Targets)
		choices := make(map[target.DeviceType][]string, len(types))
		for _, dt := range types {
			p := state.Options.ProfileFor(dt)
			a.Profiles[dt] = &p
			choices[dt] = u.profileNames(ctx, dt)
		}
		if err := u.runForm(step, collectionForm(&a, types, choices), &a); err != nil {
			return err
		}
		return u.w.SetOptions(func(o *wizard.Options) {
			a.apply(o)
			for dt, p := range a.Profiles {
				o.Profiles[dt] = strings.TrimSpace(*p)
			}
		})
	case wizard.FlowHealth:
		a := healthAnswers{Types: deviceTypes(state.Targets), Checks: make(map[target.DeviceType]*[]string)}
		for _, dt := range a.Types {
			selected := append([]string(nil), state.Options.ChecksFor(dt)...)
			a.Checks[dt] = &selected
		}
		if err := u.runForm(step, healthForm(&a), &a); err != nil {
			return err
		}
		return u.w.SetOptions(func(o *wizard.Options) {
			for dt, sel := range a.Checks {
				o.Checks[dt] = *sel
			}
		})
	}
	return nil
}

type captureAnswers struct {
	Seconds  string
	Packets  string
	Host     string
	Port     string
	Protocol string
}

func newCaptureAnswers(state wizard.State) captureAnswers {
	a := captureAnswers{Seconds: strconv.Itoa(int(state.Options.Capture.Duration / time.Second))}
	if n := state.Options.Capture.PacketCount; n > 0 {
		a.Packets = strconv.Itoa(n)
	}
	for _, t := range state.Targets {
		if t.Filter != nil {
			a.Host, a.Protocol = t.Filter.Host, t.Filter.Protocol
			if t.Filter.Port > 0 {
				a.Port = strconv.Itoa(t.Filter.Port)
			}
			break
		}
	}
	return a
}

func captureForm(a *captureAnswers) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Duration (seconds)").
				Description(fmt.Sprintf("Between %d and %d.", int(wizard.MinCaptureDuration.Seconds()), int(wizard.MaxCaptureDuration.Seconds()))).
				Key("capture_seconds").
				Value(&a.Seconds).
				Validate(positiveInt),
			huh.NewInput().
				Title("Packet limit (optional)").
				Description(fmt.Sprintf("Stop after this many packets (%d-%d).", wizard.MinPacketCount, wizard.MaxPacketCount)).
				Key("capture_packets").
				Value(&a.Packets).
				Validate(optionalInt),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Filter host (optional)").
				Description("Only capture traffic to or from this address.").
				Key("filter_host").
				Value(&a.Host),
			huh.NewInput().
				Title("Filter port (optional)").
				Description("For example 5060 for SIP.").
				Key("filter_port").
				Value(&a.Port).
				Validate(optionalInt),
			huh.NewSelect[string]().
				Title("Filter protocol").
				Key("filter_protocol").
				Options(
					huh.NewOption("any", ""),
					huh.NewOption("udp", "udp"),
					huh.NewOption("tcp", "tcp"),
					huh.NewOption("icmp", "icmp"),
				).
				Value(&a.Protocol),
		),
	)
}

func (u *WizardUI) applyCapture(a captureAnswers) error {
	seconds, _ := strconv.Atoi(strings.TrimSpace(a.Seconds))
	packets, _ := strconv.Atoi(strings.TrimSpace(a.Packets))
	if err := u.w.SetOptions(func(o *wizard.Options) {
		o.Capture.Duration = time.Duration(seconds) * time.Second
		o.Capture.PacketCount = packets
	}); err != nil {
		return err
	}

	port, _ := strconv.Atoi(strings.TrimSpace(a.Port))
	filter := target.Filter{Host: strings.TrimSpace(a.Host), Port: port, Protocol: a.Protocol}
	for _, t := range u.w.Registry().List() {
		_, err := u.w.Registry().Update(t.ID, func(t *target.Target) {
			if filter.Empty() {
				t.Filter = nil
				return
			}
			f := filter
			t.Filter = &f
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type logAnswers struct {
	Profile string
	// Profiles holds the collection profile per device type.
	Profiles     map[target.DeviceType]*string
	Minutes      string
	DebugLevel   string
	IncludeDebug bool
}

func newLogAnswers(o wizard.Options) logAnswers {
	a := logAnswers{
		Profiles:     make(map[target.DeviceType]*string),
		Minutes:      "60",
		DebugLevel:   o.DebugLevel,
		IncludeDebug: o.IncludeDebug,
	}
	if o.TimeRange.Mode == "relative" && o.TimeRange.RelativeMinutes > 0 {
		a.Minutes = strconv.Itoa(o.TimeRange.RelativeMinutes)
	}
	if a.DebugLevel == "" {
		a.DebugLevel = wizard.DebugLevels[0]
	}
	return a
}

func (a logAnswers) apply(o *wizard.Options) {
	minutes, _ := strconv.Atoi(strings.TrimSpace(a.Minutes))
	o.TimeRange = backend.TimeRange{Mode: "relative", RelativeMinutes: minutes}
	o.DebugLevel = a.DebugLevel
	o.IncludeDebug = a.IncludeDebug
}

func logFields(a *logAnswers) []huh.Field {
	levels := make([]huh.Option[string], 0, len(wizard.DebugLevels))
	for _, l := range wizard.DebugLevels {
		levels = append(levels, huh.NewOption(l, l))
	}
	return []huh.Field{
		huh.NewInput().
			Title("Time window (minutes)").
			Description("Collect logs from the last N minutes.").
			Key("minutes").
			Value(&a.Minutes).
			Validate(positiveInt),
		huh.NewSelect[string]().
			Title("Debug level").
			Key("debug_level").
			Options(levels...).
			Value(&a.DebugLevel),
		huh.NewConfirm().
			Title("Include debug traces?").
			Key("include_debug").
			Value(&a.IncludeDebug),
	}
}

// profileField offers a select when the backend listed profiles and a
// free-text input otherwise.
func profileField(title string, value *string, names []string) huh.Field {
	if len(names) == 0 {
		return huh.NewInput().Title(title).Value(value).Validate(required)
	}
	opts := make([]huh.Option[string], 0, len(names))
	for _, n := range names {
		opts = append(opts, huh.NewOption(n, n))
	}
	return huh.NewSelect[string]().Title(title).Options(opts...).Value(value)
}

func collectionForm(a *logAnswers, types []target.DeviceType, choices map[target.DeviceType][]string) *huh.Form {
	var profiles []huh.Field
	for _, dt := range types {
		profiles = append(profiles, profileField(dt.Label()+" log profile", a.Profiles[dt], choices[dt]))
	}
	return huh.NewForm(huh.NewGroup(profiles...), huh.NewGroup(logFields(a)...))
}

func jobProfileForm(a *logAnswers, names []string) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(profileField("CUCM log profile", &a.Profile, names)),
		huh.NewGroup(logFields(a)...),
	)
}

type healthAnswers struct {
	Types  []target.DeviceType
	Checks map[target.DeviceType]*[]string
}

func healthForm(a *healthAnswers) *huh.Form {
	groups := make([]*huh.Group, 0, len(a.Types))
	for _, dt := range a.Types {
		catalog := wizard.CatalogFor(dt)
		opts := make([]huh.Option[string], 0, len(catalog))
		for _, c := range catalog {
			opts = append(opts, huh.NewOption(c, c))
		}
		groups = append(groups, huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title(dt.Label()+" health checks").
				Options(opts...).
				Value(a.Checks[dt]),
		))
	}
	return huh.NewForm(groups...)
}

type credentialAnswers struct {
	Types []target.DeviceType
	Creds map[target.DeviceType]*target.Credentials
}

func newCredentialAnswers(targets []target.Target) *credentialAnswers {
	a := &credentialAnswers{Types: deviceTypes(targets), Creds: make(map[target.DeviceType]*target.Credentials)}
	for _, dt := range a.Types {
		a.Creds[dt] = &target.Credentials{}
	}
	for _, t := range targets {
		if c := a.Creds[t.DeviceType]; c.Username == "" {
			*c = t.Credentials
		}
	}
	return a
}

func credentialsForm(a *credentialAnswers) *huh.Form {
	groups := make([]*huh.Group, 0, len(a.Types))
	for _, dt := range a.Types {
		c := a.Creds[dt]
		groups = append(groups, huh.NewGroup(
			huh.NewInput().
				Title(dt.Label()+" username").
				Value(&c.Username).
				Validate(required),
			huh.NewInput().
				Title(dt.Label()+" password").
				EchoMode(huh.EchoModePassword).
				Value(&c.Password).
				Validate(required),
		))
	}
	return huh.NewForm(groups...)
}

func (u *WizardUI) applyCredentials(a *credentialAnswers) error {
	for _, dt := range a.Types {
		c := *a.Creds[dt]
		c.Username = strings.TrimSpace(c.Username)
		if err := u.w.SetCredentials("", dt, c); err != nil {
			return err
		}
	}
	return nil
}

type connectAnswers struct {
	Host     string
	Port     string
	Username string
	Password string
}

func connectForm(a *connectAnswers) *huh.Form {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("CUCM publisher").
			Description("Hostname or IP of the cluster publisher.").
			Value(&a.Host).
			Validate(required),
		huh.NewInput().
			Title("SSH port").
			Value(&a.Port).
			Validate(positiveInt),
		huh.NewInput().
			Title("Username").
			Value(&a.Username).
			Validate(required),
		huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&a.Password).
			Validate(required),
	))
}

func (u *WizardUI) applyConnect(a connectAnswers) error {
	port, _ := strconv.Atoi(strings.TrimSpace(a.Port))
	host := strings.TrimSpace(a.Host)
	for _, t := range u.w.Registry().List() {
		if t.Host == host && t.Port == port {
			continue
		}
		if err := u.w.RemoveTarget(t.ID); err != nil {
			return err
		}
	}
	if u.w.Registry().Len() == 0 {
		if _, err := u.w.AddTarget(target.Target{DeviceType: target.DeviceCUCM, Host: host, Port: port}); err != nil {
			return err
		}
	}
	creds := target.Credentials{Username: strings.TrimSpace(a.Username), Password: a.Password}
	return u.w.SetCredentials("", target.DeviceCUCM, creds)
}

// discoverAll discovers every CUCM target that has not been discovered.
func (u *WizardUI) discoverAll(ctx context.Context) error {
	for _, t := range u.w.Registry().List() {
		if !t.NeedsDiscovery() || t.Discovered {
			continue
		}
		fmt.Fprintf(u.out, "%s\n", u.styles.Dim.Render("discovering "+t.String()+"..."))
		nodes, err := u.w.Discover(ctx, t.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(u.out, "%s\n", u.styles.Success.Render(fmt.Sprintf("found %d nodes", len(nodes))))
	}
	return nil
}

type nodeAnswers struct {
	Selected []string
}

func nodesForm(t target.Target, selected *[]string) *huh.Form {
	opts := make([]huh.Option[string], 0, len(t.Nodes))
	for _, n := range t.Nodes {
		label := n.Name()
		if n.Role != "" {
			label += " (" + n.Role + ")"
		}
		if n.IP != "" && n.IP != n.Name() {
			label += " " + n.IP
		}
		opts = append(opts, huh.NewOption(label, n.Name()))
	}
	return huh.NewForm(huh.NewGroup(
		huh.NewMultiSelect[string]().
			Title("Cluster nodes").
			Description("Logs are collected from every selected node.").
			Options(opts...).
			Value(selected),
	))
}

func (u *WizardUI) review(ctx context.Context, state wizard.State) error {
	fmt.Fprintln(u.out, ReviewText(state))
	a := reviewAnswers{Action: "launch"}
	err := u.runForm(wizard.StepReview, huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Start this workflow?").
			Options(
				huh.NewOption("Launch", "launch"),
				huh.NewOption("Back", "back"),
				huh.NewOption("Cancel", "cancel"),
			).
			Value(&a.Action),
	)), &a)
	if err != nil {
		return err
	}
	switch a.Action {
	case "back":
		_, err := u.w.Back()
		return err
	case "cancel":
		return huh.ErrUserAborted
	}
	return u.w.Submit(ctx)
}

type reviewAnswers struct {
	Action string
}

// ReviewText summarizes the configured workflow.
func ReviewText(state wizard.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s\n", state.Flow)
	for _, t := range state.Targets {
		fmt.Fprintf(&b, "  %s", t)
		if t.Credentials.Username != "" {
			fmt.Fprintf(&b, " as %s", t.Credentials.Username)
		}
		if nodes := t.EffectiveNodes(); len(nodes) > 0 {
			fmt.Fprintf(&b, " nodes=%s", strings.Join(nodes, ","))
		}
		if t.Filter != nil && !t.Filter.Empty() {
			fmt.Fprintf(&b, " filter=%+v", *t.Filter)
		}
		b.WriteString("\n")
	}
	o := state.Options
	switch state.Flow {
	case wizard.FlowCapture:
		fmt.Fprintf(&b, "Capture: %s", o.Capture.Duration)
		if o.Capture.PacketCount > 0 {
			fmt.Fprintf(&b, ", up to %d packets", o.Capture.PacketCount)
		}
		b.WriteString("\n")
	case wizard.FlowCollection, wizard.FlowJob:
		if state.Flow == wizard.FlowJob {
			fmt.Fprintf(&b, "Profile: %s\n", o.Profile)
		} else {
			for _, dt := range deviceTypes(state.Targets) {
				fmt.Fprintf(&b, "%s profile: %s\n", dt.Label(), o.ProfileFor(dt))
			}
		}
		fmt.Fprintf(&b, "Window: last %d minutes, debug %s\n", o.TimeRange.RelativeMinutes, o.DebugLevel)
	case wizard.FlowHealth:
		for _, dt := range deviceTypes(state.Targets) {
			fmt.Fprintf(&b, "%s checks: %s\n", dt.Label(), strings.Join(o.ChecksFor(dt), ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (u *WizardUI) profileNames(ctx context.Context, dt target.DeviceType) []string {
	if u.profiles == nil {
		return nil
	}
	list, err := u.profiles.Profiles(ctx, dt)
	if err != nil {
		u.warn(fmt.Sprintf("could not list %s profiles: %v", dt.Label(), err))
		return nil
	}
	names := make([]string, 0, len(list))
	for _, p := range list {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

func deviceTypes(targets []target.Target) []target.DeviceType {
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

func required(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return errors.New("enter a positive whole number")
	}
	return nil
}

func optionalInt(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return positiveInt(s)
}
