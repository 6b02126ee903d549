package models

import (
	"slices"
	"strconv"
)

// DeviceID is the stable identity of a physical input device.
type DeviceID string

// HostIndex identifies one of the computers a device can be paired with (1-based).
type HostIndex int

// Valid reports whether the host index can be addressed on a device.
func (h HostIndex) Valid() bool {
	return h > 0
}

func (h HostIndex) String() string {
	return strconv.Itoa(int(h))
}

// DeviceStatus is the last known active host of a device.
type DeviceStatus struct {
	Device DeviceID  `json:"device"`
	Host   HostIndex `json:"host"`
}

// Receiver is a wireless receiver exposing HID++ devices.
type Receiver struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Name      string `json:"name"`
	ProductID uint16 `json:"product_id"`
}

// Device is a paired device slot on a receiver.
type Device struct {
	ID          DeviceID `json:"id"`
	ReceiverID  string   `json:"receiver_id"`
	Index       int      `json:"index"`
	WirelessPID uint16   `json:"wireless_pid"`
}

// Configuration is the operator-supplied leader/follower role assignment.
type Configuration struct {
	Leader    DeviceID   `json:"leader"`
	Followers []DeviceID `json:"followers"`
}

// IsLeader reports whether id is the configured leader.
func (c Configuration) IsLeader(id DeviceID) bool {
	return c.Leader != "" && c.Leader == id
}

// IsFollower reports whether id is one of the configured followers.
func (c Configuration) IsFollower(id DeviceID) bool {
	return slices.Contains(c.Followers, id)
}

// Tracks reports whether id is the leader or a follower.
func (c Configuration) Tracks(id DeviceID) bool {
	return c.IsLeader(id) || c.IsFollower(id)
}

// Devices returns the leader followed by the followers, without duplicates.
func (c Configuration) Devices() []DeviceID {
	out := make([]DeviceID, 0, len(c.Followers)+1)
	if c.Leader != "" {
		out = append(out, c.Leader)
	}
	for _, id := range c.Followers {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
