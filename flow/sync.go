package flow

import (
	"context"

	"flowkvm/models"
	"flowkvm/registry"
)

// localSync serves the engine of the process that also hosts the Sync API.
// Writes land in the registry without triggering propagation.
type localSync struct {
	registry *registry.Registry
}

func (s localSync) PushDeviceHost(_ context.Context, id models.DeviceID, host models.HostIndex) error {
	s.registry.Set(id, host)
	return nil
}

func (s localSync) DeviceHost(_ context.Context, id models.DeviceID) (models.HostIndex, bool, error) {
	host, ok := s.registry.Get(id)
	return host, ok, nil
}

// fixedHost returns a LocalHost func for a configured host number, or nil
// when the host should be read from the device.
func fixedHost(host int) func(models.Device) (models.HostIndex, error) {
	if host <= 0 {
		return nil
	}
	return func(models.Device) (models.HostIndex, error) {
		return models.HostIndex(host), nil
	}
}
