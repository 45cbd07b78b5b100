package target

import (
	"fmt"
	"strings"
)

// DeviceType identifies the platform a target runs.
type DeviceType string

const (
	DeviceCUCM       DeviceType = "cucm"
	DeviceCUBE       DeviceType = "cube"
	DeviceCSR1000v   DeviceType = "csr1000v"
	DeviceExpressway DeviceType = "expressway"
)

// DeviceTypes lists the supported platforms in display order.
var DeviceTypes = []DeviceType{DeviceCUCM, DeviceCUBE, DeviceCSR1000v, DeviceExpressway}

// ParseDeviceType accepts the canonical names plus a few operator spellings.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cucm", "callmanager":
		return DeviceCUCM, nil
	case "cube":
		return DeviceCUBE, nil
	case "csr1000v", "csr", "csr1kv":
		return DeviceCSR1000v, nil
	case "expressway", "exp", "vcs":
		return DeviceExpressway, nil
	}
	return "", fmt.Errorf("unknown device type %q", s)
}

// Label is the human name shown in tables and forms.
func (d DeviceType) Label() string {
	switch d {
	case DeviceCUCM:
		return "CUCM"
	case DeviceCUBE:
		return "CUBE"
	case DeviceCSR1000v:
		return "CSR1000v"
	case DeviceExpressway:
		return "Expressway"
	}
	return string(d)
}

// DefaultPort is the SSH port the backend uses when none is given.
func (d DeviceType) DefaultPort() int {
	return 22
}

// DefaultInterface is the capture interface for the platform.
func (d DeviceType) DefaultInterface() string {
	switch d {
	case DeviceCUBE, DeviceCSR1000v:
		return "GigabitEthernet1"
	default:
		return "eth0"
	}
}

// IsIOSXE reports whether the platform is an IOS-XE router.
func (d DeviceType) IsIOSXE() bool {
	return d == DeviceCUBE || d == DeviceCSR1000v
}

// Credentials authenticate the backend against a device.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// Complete reports whether both fields are filled in.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.Username) != "" && c.Password != ""
}

// Filter narrows a packet capture.
type Filter struct {
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	SrcHost  string `json:"src,omitempty" yaml:"src,omitempty"`
	DestHost string `json:"dest,omitempty" yaml:"dest,omitempty"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// Empty reports whether no field is set.
func (f Filter) Empty() bool {
	return f == Filter{}
}

// Node is one member of a CUCM cluster as returned by discovery.
type Node struct {
	IP      string `json:"ip"`
	FQDN    string `json:"fqdn,omitempty"`
	Host    string `json:"host,omitempty"`
	Role    string `json:"role,omitempty"`
	Product string `json:"product,omitempty"`
}

// Name is the best display name for the node.
func (n Node) Name() string {
	switch {
	case n.FQDN != "":
		return n.FQDN
	case n.Host != "":
		return n.Host
	}
	return n.IP
}

// Target is one device the workflow acts on.
type Target struct {
	ID            string      `json:"id"`
	DeviceType    DeviceType  `json:"device_type"`
	Host          string      `json:"host"`
	Port          int         `json:"port"`
	InterfaceName string      `json:"interface,omitempty"`
	Filter        *Filter     `json:"filter,omitempty"`
	Credentials   Credentials `json:"credentials"`

	// CUCM cluster state.
	Discovered      bool              `json:"discovered,omitempty"`
	Nodes           []Node            `json:"nodes,omitempty"`
	SelectedNodes   []string          `json:"selected_nodes,omitempty"`
	NodeIPOverrides map[string]string `json:"node_ip_overrides,omitempty"`
}

// Address renders host:port.
func (t Target) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// String is used in log lines.
func (t Target) String() string {
	return fmt.Sprintf("%s %s", t.DeviceType.Label(), t.Address())
}

// NeedsDiscovery reports whether the target must be discovered before a
// log collection can start.
func (t Target) NeedsDiscovery() bool {
	return t.DeviceType == DeviceCUCM
}

// EffectiveNodes returns the selected nodes with IP overrides applied, in
// selection order.
func (t Target) EffectiveNodes() []string {
	out := make([]string, 0, len(t.SelectedNodes))
	for _, n := range t.SelectedNodes {
		if ip, ok := t.NodeIPOverrides[n]; ok && strings.TrimSpace(ip) != "" {
			out = append(out, strings.TrimSpace(ip))
			continue
		}
		out = append(out, n)
	}
	return out
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (t Target) Clone() Target {
	c := t
	if t.Filter != nil {
		f := *t.Filter
		c.Filter = &f
	}
	c.Nodes = append([]Node(nil), t.Nodes...)
	c.SelectedNodes = append([]string(nil), t.SelectedNodes...)
	if t.NodeIPOverrides != nil {
		c.NodeIPOverrides = make(map[string]string, len(t.NodeIPOverrides))
		for k, v := range t.NodeIPOverrides {
			c.NodeIPOverrides[k] = v
		}
	}
	return c
}
