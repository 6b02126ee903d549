// Package registry holds the last known active host of every device this
// process has observed or been configured with.
package registry

import (
	"errors"

	"github.com/puzpuzpuz/xsync/v3"

	"flowkvm/models"
)

// ErrUnknownDevice is returned for remote writes to a device that was never observed or configured.
var ErrUnknownDevice = errors.New("registry: unknown device")

// entry host 0 means tracked but not yet observed.
type entry struct {
	host models.HostIndex
}

// Registry is a synchronized DeviceID -> HostIndex mapping with last-write-wins semantics.
type Registry struct {
	entries *xsync.MapOf[models.DeviceID, entry]
}

// New returns a registry that already knows the given devices.
func New(known ...models.DeviceID) *Registry {
	r := &Registry{entries: xsync.NewMapOf[models.DeviceID, entry]()}
	r.Track(known...)
	return r
}

// Track marks devices as known without recording a host for them.
func (r *Registry) Track(ids ...models.DeviceID) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		r.entries.LoadOrStore(id, entry{})
	}
}

// Known reports whether id was tracked or observed.
func (r *Registry) Known(id models.DeviceID) bool {
	_, ok := r.entries.Load(id)
	return ok
}

// Get returns the last recorded host of id.
func (r *Registry) Get(id models.DeviceID) (models.HostIndex, bool) {
	e, ok := r.entries.Load(id)
	if !ok || !e.host.Valid() {
		return 0, false
	}
	return e.host, true
}

// Set records a locally observed host, creating the entry when needed.
// It reports whether the stored value changed.
func (r *Registry) Set(id models.DeviceID, host models.HostIndex) bool {
	changed, _ := r.store(id, host, true)
	return changed
}

// Update records a host received from a remote peer. Unlike Set it never
// creates an entry and returns ErrUnknownDevice instead.
func (r *Registry) Update(id models.DeviceID, host models.HostIndex) (bool, error) {
	return r.store(id, host, false)
}

// Snapshot returns every device that has a recorded host.
func (r *Registry) Snapshot() map[models.DeviceID]models.HostIndex {
	out := make(map[models.DeviceID]models.HostIndex)
	r.entries.Range(func(id models.DeviceID, e entry) bool {
		if e.host.Valid() {
			out[id] = e.host
		}
		return true
	})
	return out
}

// store is the single write path; Compute serializes writers per key.
func (r *Registry) store(id models.DeviceID, host models.HostIndex, create bool) (bool, error) {
	if id == "" {
		return false, ErrUnknownDevice
	}

	var (
		changed bool
		unknown bool
	)
	r.entries.Compute(id, func(old entry, loaded bool) (entry, bool) {
		if !loaded && !create {
			unknown = true
			return old, true
		}
		changed = !loaded || old.host != host
		return entry{host: host}, false
	})

	if unknown {
		return false, ErrUnknownDevice
	}
	return changed, nil
}
