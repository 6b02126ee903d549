package flow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"flowkvm/hidpp"
	"flowkvm/models"
)

type setCall struct {
	device models.DeviceID
	host   models.HostIndex
}

type fakeDevices struct {
	mu          sync.Mutex
	devices     []models.Device
	hosts       map[models.DeviceID]models.HostIndex
	applied     map[models.DeviceID]models.HostIndex
	noFeature   map[models.DeviceID]bool
	calls       []setCall
	subscribers map[string]func(models.Notification)
	subscribed  chan string
}

type slotRef struct {
	receiver string
	index    int
}

// serverSlots pairs the test devices with the receivers of the leader's computer.
var serverSlots = map[models.DeviceID]slotRef{
	leaderID:    {receiver: "receiver-a", index: 1},
	follower1ID: {receiver: "receiver-a", index: 2},
	follower2ID: {receiver: "receiver-b", index: 1},
	strangerID:  {receiver: "receiver-b", index: 3},
}

// clientSlots pairs the same devices with another computer's single receiver.
var clientSlots = map[models.DeviceID]slotRef{
	leaderID:    {receiver: "receiver-c", index: 3},
	follower1ID: {receiver: "receiver-c", index: 1},
	follower2ID: {receiver: "receiver-c", index: 2},
}

func newFakeDevices(ids ...models.DeviceID) *fakeDevices {
	return newFakeDevicesOn(serverSlots, ids...)
}

func newFakeDevicesOn(slots map[models.DeviceID]slotRef, ids ...models.DeviceID) *fakeDevices {
	f := &fakeDevices{
		hosts:       make(map[models.DeviceID]models.HostIndex),
		applied:     make(map[models.DeviceID]models.HostIndex),
		noFeature:   make(map[models.DeviceID]bool),
		subscribers: make(map[string]func(models.Notification)),
		subscribed:  make(chan string, 16),
	}
	for _, id := range ids {
		slot, ok := slots[id]
		if !ok {
			panic("no test slot for device " + string(id))
		}
		f.devices = append(f.devices, models.Device{ID: id, ReceiverID: slot.receiver, Index: slot.index, WirelessPID: 0x4082})
	}
	return f
}

func (f *fakeDevices) Receivers() ([]models.Receiver, error) {
	seen := make(map[string]bool)
	var out []models.Receiver
	for _, dev := range f.devices {
		if seen[dev.ReceiverID] {
			continue
		}
		seen[dev.ReceiverID] = true
		out = append(out, models.Receiver{ID: dev.ReceiverID, Path: "/dev/" + dev.ReceiverID})
	}
	return out, nil
}

func (f *fakeDevices) Devices() ([]models.Device, error) {
	return append([]models.Device(nil), f.devices...), nil
}

func (f *fakeDevices) Open(receiverID string, index int) (models.Device, bool, error) {
	for _, dev := range f.devices {
		if dev.ReceiverID == receiverID && dev.Index == index {
			return dev, true, nil
		}
	}
	return models.Device{}, false, nil
}

func (f *fakeDevices) Lookup(id models.DeviceID) (models.Device, bool, error) {
	for _, dev := range f.devices {
		if dev.ID == id {
			return dev, true, nil
		}
	}
	return models.Device{}, false, nil
}

func (f *fakeDevices) Subscribe(_ context.Context, receiverID string, fn func(models.Notification)) error {
	f.mu.Lock()
	f.subscribers[receiverID] = fn
	f.mu.Unlock()
	f.subscribed <- receiverID
	return nil
}

func (f *fakeDevices) CurrentHost(dev models.Device) (models.HostIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noFeature[dev.ID] {
		return 0, hidpp.ErrCannotChangeHost
	}
	return f.hosts[dev.ID], nil
}

func (f *fakeDevices) SetHost(dev models.Device, host models.HostIndex) (models.HostIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noFeature[dev.ID] {
		return 0, hidpp.ErrCannotChangeHost
	}
	f.calls = append(f.calls, setCall{device: dev.ID, host: host})
	if applied, ok := f.applied[dev.ID]; ok {
		return applied, nil
	}
	f.hosts[dev.ID] = host
	return host, nil
}

func (f *fakeDevices) setCalls() []setCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]setCall(nil), f.calls...)
}

// notify delivers a link notification through the receiver's subscriber.
func (f *fakeDevices) notify(t *testing.T, id models.DeviceID, connected bool) {
	t.Helper()
	dev, ok, _ := f.Lookup(id)
	if !ok {
		t.Fatalf("unknown fake device %s", id)
	}
	f.mu.Lock()
	fn := f.subscribers[dev.ReceiverID]
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("receiver %s has no subscriber", dev.ReceiverID)
	}
	fn(linkNotification(dev, connected))
}

func (f *fakeDevices) waitSubscribed(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.subscribed:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for subscription %d", i+1)
		}
	}
}

func linkNotification(dev models.Device, connected bool) models.Notification {
	flags := byte(0x02)
	if !connected {
		flags |= 0x40
	}
	return models.Notification{
		ReceiverID:  dev.ReceiverID,
		DeviceIndex: dev.Index,
		SubID:       0x41,
		Address:     0x04,
		Data:        []byte{flags, byte(dev.WirelessPID), byte(dev.WirelessPID >> 8)},
	}
}

type fakeSync struct {
	mu      sync.Mutex
	hosts   map[models.DeviceID]models.HostIndex
	pushes  []models.DeviceStatus
	queries int
	err     error
}

func newFakeSync() *fakeSync {
	return &fakeSync{hosts: make(map[models.DeviceID]models.HostIndex)}
}

func (s *fakeSync) PushDeviceHost(_ context.Context, id models.DeviceID, host models.HostIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pushes = append(s.pushes, models.DeviceStatus{Device: id, Host: host})
	s.hosts[id] = host
	return nil
}

func (s *fakeSync) DeviceHost(_ context.Context, id models.DeviceID) (models.HostIndex, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.err != nil {
		return 0, false, s.err
	}
	host, ok := s.hosts[id]
	return host, ok, nil
}

func (s *fakeSync) setHost(id models.DeviceID, host models.HostIndex) {
	s.mu.Lock()
	s.hosts[id] = host
	s.mu.Unlock()
}

func (s *fakeSync) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

func (s *fakeSync) pushed() []models.DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DeviceStatus(nil), s.pushes...)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func containsLine(out, line string) bool {
	for _, got := range strings.Split(out, "\n") {
		if got == line {
			return true
		}
	}
	return false
}
