package hidpp

import (
	"encoding/binary"

	"flowkvm/models"
)

// DecodeLinkNotification unpacks a device connection notification (sub-id 0x41).
// Other notifications report false.
func DecodeLinkNotification(n models.Notification) (models.LinkNotification, bool) {
	if n.SubID != subDeviceConnection || len(n.Data) < 3 {
		return models.LinkNotification{}, false
	}

	flags := n.Data[0]
	return models.LinkNotification{
		ConnectionReason: flags >> 7 & 0x01,
		LinkStatus:       models.LinkStatus(flags >> 6 & 0x01),
		EncryptionStatus: flags >> 5 & 0x01,
		SoftwarePresent:  flags >> 4 & 0x01,
		DeviceType:       flags & 0x0f,
		WirelessPID:      binary.LittleEndian.Uint16(n.Data[1:3]),
	}, true
}

// notificationFromReport converts a raw report that answered no request.
func notificationFromReport(receiverID string, report []byte) (models.Notification, bool) {
	if len(report) < 4 || (report[0] != reportShort && report[0] != reportLong) {
		return models.Notification{}, false
	}
	return models.Notification{
		ReceiverID:  receiverID,
		DeviceIndex: int(report[1]),
		SubID:       report[2],
		Address:     report[3],
		Data:        append([]byte(nil), params(report)...),
	}, true
}
