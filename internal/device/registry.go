// Package device keeps the registry of peripherals discovered by scanning.
package device

import (
	"slices"
	"strings"
	"sync"

	"github.com/chaz8081/blectl/internal/ble"
)

// DefaultPriorityPrefixes are the name prefixes of the hardware families this
// app controls.
var DefaultPriorityPrefixes = []string{"Guitar", "Robot"}

// State is a device's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "idle"
	}
}

// Device is a discovered peripheral.
type Device struct {
	ID         string
	Name       string // empty when never advertised
	RSSI       int16  // 0 when never reported
	State      State
	IsPriority bool
}

// DisplayName returns the name, or "Unnamed".
func (d Device) DisplayName() string {
	if d.Name == "" {
		return "Unnamed"
	}
	return d.Name
}

// Removable is the default Clear predicate: everything that is neither a
// priority device nor in an active connection.
func Removable(d Device) bool {
	return !d.IsPriority && d.State == StateIdle
}

type entry struct {
	Device
	seq uint64 // first-seen order
}

// Registry is a deduplicated set of devices keyed by ID. It is safe for
// concurrent use.
type Registry struct {
	prefixes []string

	mu      sync.RWMutex
	devices map[string]*entry
	nextSeq uint64
}

// NewRegistry creates an empty registry. Devices whose name starts with one of
// prefixes are listed first; nil uses DefaultPriorityPrefixes.
func NewRegistry(prefixes []string) *Registry {
	if prefixes == nil {
		prefixes = DefaultPriorityPrefixes
	}
	return &Registry{
		prefixes: slices.Clone(prefixes),
		devices:  make(map[string]*entry),
	}
}

// IsPriorityName reports whether name starts with any of prefixes.
func IsPriorityName(name string, prefixes []string) bool {
	if name == "" {
		return false
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Ingest records a sighting. A known ID only has its fields refreshed; a name
// or RSSI missing from the sighting keeps the previous value. It returns the
// updated device and whether it was new.
func (r *Registry) Ingest(s ble.Sighting) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[s.ID]
	if !ok {
		e = &entry{Device: Device{ID: s.ID}, seq: r.nextSeq}
		r.nextSeq++
		r.devices[s.ID] = e
	}
	if s.Name != "" {
		e.Name = s.Name
	}
	if s.RSSI != 0 {
		e.RSSI = s.RSSI
	}
	e.IsPriority = IsPriorityName(e.Name, r.prefixes)
	return e.Device, !ok
}

// Get returns the device with the given ID.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return e.Device, true
}

// SetState updates a device's connection state. It reports false for
// unknown IDs.
func (r *Registry) SetState(id string, s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[id]
	if !ok {
		return false
	}
	e.State = s
	return true
}

// List returns all devices, priority devices first, each group in first-seen
// order.
func (r *Registry) List() []Device {
	r.mu.RLock()
	entries := make([]entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, *e)
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b entry) int {
		if a.IsPriority != b.IsPriority {
			if a.IsPriority {
				return -1
			}
			return 1
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	out := make([]Device, len(entries))
	for i, e := range entries {
		out[i] = e.Device
	}
	return out
}

// Clear removes every device matching remove and returns how many were
// removed. A nil predicate uses Removable.
func (r *Registry) Clear(remove func(Device) bool) int {
	if remove == nil {
		remove = Removable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.devices {
		if remove(e.Device) {
			delete(r.devices, id)
			n++
		}
	}
	return n
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
