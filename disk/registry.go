package disk

import (
	"fmt"

	"github.com/zhangyunhao116/skipmap"
)

// Registry maps device IDs to devices. The cache resolves a buffer's
// device ID through a Registry at I/O time, so devices can be attached
// and detached while the cache is live.
type Registry struct {
	devs *skipmap.Uint64Map[Device]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devs: skipmap.NewUint64[Device]()}
}

// Attach registers d under id. Attaching an ID twice is an error; detach
// the old device first.
func (r *Registry) Attach(id uint64, d Device) error {
	if _, loaded := r.devs.LoadOrStore(id, d); loaded {
		return fmt.Errorf("%w: id %d", ErrDeviceExists, id)
	}
	return nil
}

// Lookup returns the device registered under id.
func (r *Registry) Lookup(id uint64) (Device, bool) {
	return r.devs.Load(id)
}

// Detach removes the device registered under id and reports whether one
// was present. Detaching a device does not invalidate cache slots that
// still name it; subsequent I/O on those slots fails with
// ErrUnknownDevice.
func (r *Registry) Detach(id uint64) bool {
	return r.devs.Delete(id)
}

// Len returns the number of attached devices.
func (r *Registry) Len() int {
	return r.devs.Len()
}
