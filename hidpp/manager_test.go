package hidpp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sstallion/go-hid"
	"go.uber.org/zap/zaptest"

	"flowkvm/models"
)

func TestManagerListsPairedDevices(t *testing.T) {
	rx := newFakeReceiver()
	rx.pair(1, 0x1a2b3c4d, 0x404b, nil)
	rx.pair(3, 0, 0x4082, nil)
	mgr := newTestManager(t, rx)

	receivers, err := mgr.Receivers()
	if err != nil {
		t.Fatalf("Receivers failed: %v", err)
	}
	if len(receivers) != 1 || receivers[0].ID != "ABC123" {
		t.Fatalf("expected one HID++ receiver, got %+v", receivers)
	}

	devices, err := mgr.Devices()
	if err != nil {
		t.Fatalf("Devices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 paired devices, got %+v", devices)
	}
	if devices[0].ID != "1A2B3C4D" || devices[0].Index != 1 || devices[0].WirelessPID != 0x404b {
		t.Fatalf("expected the serial number as identity, got %+v", devices[0])
	}
	if devices[1].ID != "ABC123:3" || devices[1].Index != 3 {
		t.Fatalf("expected a slot identity without serial number, got %+v", devices[1])
	}

	if dev, ok, err := mgr.Lookup("1A2B3C4D"); err != nil || !ok || dev.Index != 1 {
		t.Fatalf("expected serial lookup to find slot 1, got %+v ok=%v err=%v", dev, ok, err)
	}
	if dev, ok, err := mgr.Lookup("ABC123:1"); err != nil || !ok || dev.ID != "1A2B3C4D" {
		t.Fatalf("expected slot lookup to report the serial, got %+v ok=%v err=%v", dev, ok, err)
	}
	if _, ok, err := mgr.Lookup("DEADBEEF"); err != nil || ok {
		t.Fatalf("expected unknown serial to be absent, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := mgr.Lookup("ABC123:2"); err != nil || ok {
		t.Fatalf("expected empty slot to be absent, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := mgr.Lookup("missing-receiver:1"); err != nil || ok {
		t.Fatalf("expected unknown receiver to be absent, got ok=%v err=%v", ok, err)
	}
}

func TestSerialIdentityIsIndependentOfReceiver(t *testing.T) {
	server := newFakeReceiver()
	server.pair(1, 0x1a2b3c4d, 0x404b, nil)
	client := newFakeReceiver()
	client.pair(4, 0x1a2b3c4d, 0x404b, nil)

	onServer, ok, err := newTestManager(t, server).Open("ABC123", 1)
	if err != nil || !ok {
		t.Fatalf("Open on first receiver failed: ok=%v err=%v", ok, err)
	}
	onClient, ok, err := newTestManagerWithSerial(t, client, "XYZ789").Lookup(onServer.ID)
	if err != nil || !ok {
		t.Fatalf("expected %s to resolve on the second receiver, ok=%v err=%v", onServer.ID, ok, err)
	}
	if onClient.ReceiverID != "XYZ789" || onClient.Index != 4 {
		t.Fatalf("expected slot 4 of the second receiver, got %+v", onClient)
	}
}

func TestSetHostUsesChangeHostFeature(t *testing.T) {
	rx := newFakeReceiver()
	rx.pair(1, 0, 0x404b, &fakeHosts{count: 3, current: 1, featureIndex: 0x09})
	rx.pair(2, 0, 0x4082, nil)
	mgr := newTestManager(t, rx)

	keyboard, ok, err := mgr.Lookup("ABC123:1")
	if err != nil || !ok {
		t.Fatalf("Lookup failed: ok=%v err=%v", ok, err)
	}

	current, err := mgr.CurrentHost(keyboard)
	if err != nil {
		t.Fatalf("CurrentHost failed: %v", err)
	}
	if current != 1 {
		t.Fatalf("expected host 1, got %v", current)
	}

	applied, err := mgr.SetHost(keyboard, 2)
	if err != nil {
		t.Fatalf("SetHost failed: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected applied host 2, got %v", applied)
	}
	waitFor(t, func() bool { return rx.currentHost(1) == 2 })

	if _, err := mgr.SetHost(keyboard, 4); err == nil {
		t.Fatalf("expected out of range host to fail")
	}

	mouse, _, err := mgr.Lookup("ABC123:2")
	if err != nil {
		t.Fatalf("Lookup mouse failed: %v", err)
	}
	if _, err := mgr.SetHost(mouse, 2); !errors.Is(err, ErrCannotChangeHost) {
		t.Fatalf("expected ErrCannotChangeHost, got %v", err)
	}
}

func TestSetHostReportsTheHostReadBack(t *testing.T) {
	rx := newFakeReceiver()
	rx.pair(1, 0, 0x404b, &fakeHosts{count: 3, current: 1, featureIndex: 0x09, dropsOff: true})
	rx.pair(2, 0, 0x4082, &fakeHosts{count: 3, current: 1, featureIndex: 0x09, ignoresSet: true})
	mgr := newTestManager(t, rx)

	keyboard, _, err := mgr.Lookup("ABC123:1")
	if err != nil {
		t.Fatalf("Lookup keyboard failed: %v", err)
	}
	if applied, err := mgr.SetHost(keyboard, 3); err != nil || applied != 3 {
		t.Fatalf("expected a device leaving the receiver to count as switched, got %v %v", applied, err)
	}

	mouse, _, err := mgr.Lookup("ABC123:2")
	if err != nil {
		t.Fatalf("Lookup mouse failed: %v", err)
	}
	applied, err := mgr.SetHost(mouse, 2)
	if err != nil {
		t.Fatalf("SetHost failed: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected the device to report the host it stayed on, got %v", applied)
	}
}

func TestSubscribeDeliversArrivalNotifications(t *testing.T) {
	rx := newFakeReceiver()
	rx.pair(1, 0, 0x404b, &fakeHosts{count: 3, current: 1, featureIndex: 0x09})
	mgr := newTestManager(t, rx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan models.HostIndex, 1)
	err := mgr.Subscribe(ctx, "ABC123", func(n models.Notification) {
		link, ok := DecodeLinkNotification(n)
		if !ok || !link.Connected() {
			return
		}
		dev, ok, err := mgr.Open(n.ReceiverID, n.DeviceIndex)
		if err != nil || !ok {
			t.Errorf("Open from callback failed: ok=%v err=%v", ok, err)
			return
		}
		host, err := mgr.CurrentHost(dev)
		if err != nil {
			t.Errorf("CurrentHost from callback failed: %v", err)
			return
		}
		got <- host
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case host := <-got:
		if host != 1 {
			t.Fatalf("expected host 1, got %v", host)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an arrival notification")
	}
}

func TestRequestTimesOut(t *testing.T) {
	rx := newFakeReceiver()
	rx.silent = true
	mgr := newTestManager(t, rx)

	if _, _, err := mgr.Open("ABC123", 1); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestParseSlotIdentity(t *testing.T) {
	receiverID, index, ok := ParseSlotIdentity(SlotIdentity("1-2:1.2", 3))
	if !ok || receiverID != "1-2:1.2" || index != 3 {
		t.Fatalf("unexpected parse result: %q %d %v", receiverID, index, ok)
	}

	for _, raw := range []models.DeviceID{"", "abc", ":1", "abc:", "abc:0", "abc:7", "abc:x"} {
		if _, _, ok := ParseSlotIdentity(raw); ok {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func newTestManager(t *testing.T, rx *fakeReceiver) *Manager {
	t.Helper()
	return newTestManagerWithSerial(t, rx, "ABC123")
}

func newTestManagerWithSerial(t *testing.T, rx *fakeReceiver, serial string) *Manager {
	t.Helper()

	mgr, err := NewManager(Options{
		Logger:         zaptest.NewLogger(t),
		RequestTimeout: 200 * time.Millisecond,
		enumerateFn: func() ([]hid.DeviceInfo, error) {
			return []hid.DeviceInfo{
				{Path: "/dev/hidraw0", VendorID: logitechVendorID, ProductID: 0xc52b, UsagePage: 0x0001, Usage: 0x0006},
				{Path: "/dev/hidraw1", VendorID: logitechVendorID, ProductID: 0xc52b, UsagePage: hidppUsagePage, Usage: 0x0001, SerialNbr: serial, ProductStr: "USB Receiver"},
				{Path: "/dev/hidraw1", VendorID: logitechVendorID, ProductID: 0xc52b, UsagePage: hidppUsagePage, Usage: 0x0002, SerialNbr: serial, ProductStr: "USB Receiver"},
			}, nil
		},
		openFn: func(path string) (transport, error) {
			if path != "/dev/hidraw1" {
				t.Errorf("unexpected open of %q", path)
			}
			return rx, nil
		},
		exitFn: func() error { return nil },
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() {
		if err := mgr.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return mgr
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}

type fakeHosts struct {
	count        int
	current      int
	featureIndex byte
	// dropsOff makes the device unreachable after a host switch.
	dropsOff   bool
	ignoresSet bool
}

type fakeDevice struct {
	serial uint32
	wpid   uint16
	hosts  *fakeHosts
	gone   bool
}

// fakeReceiver answers HID++ requests the way a Unifying receiver does.
type fakeReceiver struct {
	mu      sync.Mutex
	devices map[int]*fakeDevice
	silent  bool

	reports   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{
		devices: make(map[int]*fakeDevice),
		reports: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeReceiver) pair(index int, serial uint32, wpid uint16, hosts *fakeHosts) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[index] = &fakeDevice{serial: serial, wpid: wpid, hosts: hosts}
}

func (f *fakeReceiver) currentHost(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dev, ok := f.devices[index]; ok && dev.hosts != nil {
		return dev.hosts.current
	}
	return 0
}

func (f *fakeReceiver) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.silent {
		return len(p), nil
	}
	req := append([]byte(nil), p...)
	index, sub, address := int(req[1]), req[2], req[3]

	switch {
	case req[1] == receiverIndex && sub == subGetLongRegister && address == registerReceiverInfo:
		base := byte(unifyingPairingInfo)
		if req[4] >= unifyingExtendedPairingInfo {
			base = unifyingExtendedPairingInfo
		}
		dev, ok := f.devices[int(req[4]-base)+1]
		if req[4] < base || req[4] >= base+maxPairedDevices || !ok {
			f.emit(shortReport(receiverIndex, subError10, sub, address, 0x03))
			break
		}
		reply := make([]byte, longReportLen)
		if base == unifyingExtendedPairingInfo {
			copy(reply, []byte{reportLong, receiverIndex, sub, address, req[4], byte(dev.serial >> 24), byte(dev.serial >> 16), byte(dev.serial >> 8), byte(dev.serial)})
		} else {
			copy(reply, []byte{reportLong, receiverIndex, sub, address, req[4], 0x01, 0x08, byte(dev.wpid >> 8), byte(dev.wpid)})
		}
		f.emit(reply)
	case req[1] == receiverIndex && sub == subSetRegister:
		if address == registerConnectionCmd {
			for slot := 1; slot <= maxPairedDevices; slot++ {
				if dev, ok := f.devices[slot]; ok {
					f.emit(shortReport(byte(slot), subDeviceConnection, 0x04, 0x21, byte(dev.wpid), byte(dev.wpid>>8)))
				}
			}
		}
		f.emit(shortReport(receiverIndex, subSetRegister, address))
	case sub == featureRoot:
		dev, ok := f.devices[index]
		if !ok {
			f.emit(shortReport(byte(index), subError10, sub, address, 0x09))
			break
		}
		featureIndex := byte(0)
		if dev.hosts != nil && uint16(req[4])<<8|uint16(req[5]) == featureChangeHost {
			featureIndex = dev.hosts.featureIndex
		}
		f.emit(shortReport(byte(index), sub, address, featureIndex))
	default:
		dev, ok := f.devices[index]
		if ok && dev.gone {
			f.emit(shortReport(byte(index), subError10, sub, address, 0x09))
			break
		}
		if !ok || dev.hosts == nil || sub != dev.hosts.featureIndex {
			f.emit(shortReport(byte(index), subError20, sub, address, 0x07))
			break
		}
		switch address >> 4 {
		case fnChangeHostGetInfo:
			f.emit(shortReport(byte(index), sub, address, byte(dev.hosts.count), byte(dev.hosts.current-1)))
		case fnChangeHostSetHost:
			if dev.hosts.ignoresSet {
				break
			}
			dev.hosts.current = int(req[4]) + 1
			dev.gone = dev.hosts.dropsOff
		}
	}
	return len(p), nil
}

func (f *fakeReceiver) emit(report []byte) {
	f.reports <- report
}

func (f *fakeReceiver) ReadWithTimeout(p []byte, timeout time.Duration) (int, error) {
	select {
	case report := <-f.reports:
		return copy(p, report), nil
	case <-f.closed:
		return 0, errors.New("device closed")
	case <-time.After(timeout):
		return 0, hid.ErrTimeout
	}
}

func (f *fakeReceiver) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}
