package models

// LinkStatus is the connected/disconnected bit of a connection notification.
type LinkStatus uint8

const (
	LinkConnected    LinkStatus = 0
	LinkDisconnected LinkStatus = 1
)

// Notification is a raw HID++ notification received from a receiver.
type Notification struct {
	ReceiverID  string `json:"receiver_id"`
	DeviceIndex int    `json:"device_index"`
	SubID       byte   `json:"sub_id"`
	Address     byte   `json:"address"`
	Data        []byte `json:"data"`
}

// LinkNotification is the decoded device connection notification.
type LinkNotification struct {
	ConnectionReason uint8      `json:"connection_reason"`
	LinkStatus       LinkStatus `json:"link_status"`
	EncryptionStatus uint8      `json:"encryption_status"`
	SoftwarePresent  uint8      `json:"software_present"`
	DeviceType       uint8      `json:"device_type"`
	WirelessPID      uint16     `json:"wireless_pid"`
}

// Connected reports whether the link is established.
func (n LinkNotification) Connected() bool {
	return n.LinkStatus == LinkConnected
}
