package target

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxTargets caps a single workflow.
const DefaultMaxTargets = 10

var (
	ErrLocked       = errors.New("target registry is locked")
	ErrRegistryFull = errors.New("target registry is full")
	ErrNotFound     = errors.New("target not found")
	ErrDuplicate    = errors.New("target already registered")
)

// Registry holds the ordered set of targets for one workflow. Targets are
// freely editable until Lock is called at launch; after that only reads
// succeed.
type Registry struct {
	mu     sync.RWMutex
	max    int
	order  []string
	byID   map[string]*Target
	locked bool
}

// NewRegistry creates an empty registry. max <= 0 uses DefaultMaxTargets.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxTargets
	}
	return &Registry{max: max, byID: make(map[string]*Target)}
}

// Add validates t, fills in defaults and registers it. An empty ID gets a
// fresh UUID. The stored copy is returned.
func (r *Registry) Add(t Target) (Target, error) {
	if err := normalize(&t); err != nil {
		return Target{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return Target{}, ErrLocked
	}
	if len(r.order) >= r.max {
		return Target{}, fmt.Errorf("%w: at most %d devices", ErrRegistryFull, r.max)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := r.byID[t.ID]; ok {
		return Target{}, fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}
	for _, id := range r.order {
		existing := r.byID[id]
		if existing.DeviceType == t.DeviceType && existing.Host == t.Host && existing.Port == t.Port {
			return Target{}, fmt.Errorf("%w: %s", ErrDuplicate, t.String())
		}
	}
	stored := t.Clone()
	r.byID[t.ID] = &stored
	r.order = append(r.order, t.ID)
	return stored.Clone(), nil
}

// Remove drops a target.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return ErrLocked
	}
	if _, ok := r.byID[id]; !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Update applies fn to the stored target. The ID cannot be changed.
func (r *Registry) Update(id string, fn func(*Target)) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return Target{}, ErrLocked
	}
	cur, ok := r.byID[id]
	if !ok {
		return Target{}, ErrNotFound
	}
	next := cur.Clone()
	fn(&next)
	next.ID = id
	if err := normalize(&next); err != nil {
		return Target{}, err
	}
	*cur = next
	return next.Clone(), nil
}

// SetCredentials replaces the credentials of one target.
func (r *Registry) SetCredentials(id string, c Credentials) error {
	_, err := r.Update(id, func(t *Target) { t.Credentials = c })
	return err
}

// SetAllCredentials applies the same credentials to every target of the
// given device type. An empty device type matches all targets.
func (r *Registry) SetAllCredentials(dt DeviceType, c Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return ErrLocked
	}
	for _, id := range r.order {
		t := r.byID[id]
		if dt == "" || t.DeviceType == dt {
			t.Credentials = c
		}
	}
	return nil
}

// Get returns a copy of one target.
func (r *Registry) Get(id string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return Target{}, false
	}
	return t.Clone(), true
}

// List returns copies of all targets in registration order.
func (r *Registry) List() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Max returns the capacity.
func (r *Registry) Max() int {
	return r.max
}

// DeviceTypesPresent returns the distinct device types in registration order.
func (r *Registry) DeviceTypesPresent() []DeviceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[DeviceType]bool)
	var out []DeviceType
	for _, id := range r.order {
		dt := r.byID[id].DeviceType
		if !seen[dt] {
			seen[dt] = true
			out = append(out, dt)
		}
	}
	return out
}

// Lock freezes the registry. Called once operations start.
func (r *Registry) Lock() {
	r.mu.Lock()
	r.locked = true
	r.mu.Unlock()
}

// Locked reports whether Lock has been called since the last Reset.
func (r *Registry) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}

// Reset removes every target and unlocks the registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.byID = make(map[string]*Target)
	r.locked = false
}

func normalize(t *Target) error {
	if t.DeviceType == "" {
		return errors.New("device type is required")
	}
	dt, err := ParseDeviceType(string(t.DeviceType))
	if err != nil {
		return err
	}
	t.DeviceType = dt
	t.Host = strings.TrimSpace(t.Host)
	if t.Host == "" {
		return errors.New("host is required")
	}
	if strings.ContainsAny(t.Host, " /") {
		return fmt.Errorf("invalid host %q", t.Host)
	}
	if net.ParseIP(t.Host) == nil && !validHostname(t.Host) {
		return fmt.Errorf("invalid host %q", t.Host)
	}
	if t.Port == 0 {
		t.Port = t.DeviceType.DefaultPort()
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("invalid port %d", t.Port)
	}
	if t.InterfaceName == "" {
		t.InterfaceName = t.DeviceType.DefaultInterface()
	}
	if t.Filter != nil && t.Filter.Empty() {
		t.Filter = nil
	}
	return nil
}

func validHostname(h string) bool {
	if len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, c := range label {
			if !(c == '-' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
				return false
			}
		}
	}
	return true
}
