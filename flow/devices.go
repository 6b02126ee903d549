package flow

import (
	"errors"
	"fmt"

	"flowkvm/hidpp"
	"flowkvm/models"
)

// ListDevices returns every device paired with an attached receiver.
func ListDevices(devices interface {
	Devices() ([]models.Device, error)
}) ([]models.Device, error) {
	out, err := devices.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

// SwitchToHost moves one device to host.
func SwitchToHost(devices DeviceAccess, id models.DeviceID, host models.HostIndex) error {
	if !host.Valid() {
		return userErrorf(nil, "host must be a positive number, got %d", host)
	}

	dev, err := lookup(devices, id)
	if err != nil {
		return err
	}

	err = switchHost(devices, dev, host)
	if errors.Is(err, hidpp.ErrCannotChangeHost) {
		return userErrorf(err, "device %s cannot change host", id)
	}
	return err
}

// lookup opens id locally, failing with a UserError when it is not attached.
func lookup(devices DeviceAccess, id models.DeviceID) (models.Device, error) {
	dev, ok, err := devices.Lookup(id)
	if err != nil {
		return models.Device{}, fmt.Errorf("open device %s: %w", id, err)
	}
	if !ok {
		return models.Device{}, userErrorf(hidpp.ErrDeviceNotFound, "device %s not found", id)
	}
	return dev, nil
}
