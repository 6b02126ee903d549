// Package hidpp talks to Logitech receivers over hidapi using the HID++ protocol.
package hidpp

import (
	"errors"
	"fmt"
)

const (
	logitechVendorID = 0x046d
	hidppUsagePage   = 0xff00

	reportShort    = 0x10
	reportLong     = 0x11
	shortReportLen = 7
	longReportLen  = 20

	receiverIndex = 0xff

	// HID++ 1.0 receiver registers.
	subSetRegister     = 0x80
	subGetRegister     = 0x81
	subGetLongRegister = 0x83
	subError10         = 0x8f

	registerNotifications = 0x00
	registerConnectionCmd = 0x02
	registerReceiverInfo  = 0xb5

	unifyingPairingInfo         = 0x20
	unifyingExtendedPairingInfo = 0x30
	boltPairingInfo             = 0x50

	// HID++ 2.0 features.
	featureRoot       = 0x0000
	featureChangeHost = 0x1814
	subError20        = 0xff

	fnRootGetFeature     = 0x00
	fnChangeHostGetInfo  = 0x00
	fnChangeHostSetHost  = 0x01
	softwareID           = 0x0b
	maxPairedDevices     = 6
	subDeviceConnection  = 0x41
	notifyWirelessStatus = 0x01
)

var (
	// ErrDeviceNotFound is returned when an identity does not resolve to a paired device.
	ErrDeviceNotFound = errors.New("hidpp: device not found")
	// ErrCannotChangeHost is returned when a device has no CHANGE_HOST feature.
	ErrCannotChangeHost = errors.New("hidpp: device cannot change host")
	// ErrTimeout is returned when a request gets no answer in time.
	ErrTimeout = errors.New("hidpp: request timed out")
	// ErrReceiverClosed is returned for requests on a receiver whose read loop stopped.
	ErrReceiverClosed = errors.New("hidpp: receiver closed")
)

// ProtocolError is an error reply from a receiver or device.
type ProtocolError struct {
	Version int
	Code    byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("hidpp %d.0 error 0x%02x", e.Version, e.Code)
}

// shortReport builds a 7 byte HID++ report.
func shortReport(index, subID, address byte, params ...byte) []byte {
	out := make([]byte, shortReportLen)
	out[0] = reportShort
	out[1] = index
	out[2] = subID
	out[3] = address
	copy(out[4:], params)
	return out
}

// featureRequest builds a HID++ 2.0 call, switching to a long report when params do not fit.
func featureRequest(index, featureIndex, function byte, params ...byte) []byte {
	if len(params) <= shortReportLen-4 {
		return shortReport(index, featureIndex, function<<4|softwareID, params...)
	}
	out := make([]byte, longReportLen)
	out[0] = reportLong
	out[1] = index
	out[2] = featureIndex
	out[3] = function<<4 | softwareID
	copy(out[4:], params)
	return out
}

// matcher decides whether a report answers an outstanding request.
type matcher func(report []byte) bool

// replyTo matches a reply or an error for the request whose header is req[1:4].
// Receivers answer with a HID++ 1.0 error when a device is unreachable, so
// feature calls accept both error forms.
func replyTo(req []byte) matcher {
	index, subID, address := req[1], req[2], req[3]
	featureCall := subID < 0x80
	return func(report []byte) bool {
		if len(report) < 5 || report[1] != index {
			return false
		}
		if report[2] == subID && report[3] == address {
			return true
		}
		isError := report[2] == subError10 || (featureCall && report[2] == subError20)
		return isError && report[3] == subID && report[4] == address
	}
}

// replyError extracts the error carried by an error reply.
func replyError(report []byte) error {
	if len(report) < 6 {
		return nil
	}
	switch report[2] {
	case subError10:
		return &ProtocolError{Version: 1, Code: report[5]}
	case subError20:
		return &ProtocolError{Version: 2, Code: report[5]}
	}
	return nil
}

// params returns the payload following the 4 byte header.
func params(report []byte) []byte {
	if len(report) <= 4 {
		return nil
	}
	return report[4:]
}
