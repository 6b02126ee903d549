package hidpp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sstallion/go-hid"
	"go.uber.org/zap"

	"flowkvm/models"
)

// DefaultRequestTimeout bounds every HID++ request.
const DefaultRequestTimeout = 2 * time.Second

// Options configures a Manager.
type Options struct {
	Logger         *zap.Logger
	RequestTimeout time.Duration

	enumerateFn func() ([]hid.DeviceInfo, error)
	openFn      func(path string) (transport, error)
	exitFn      func() error
}

func (o Options) withDefaults() Options {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.enumerateFn == nil {
		out.enumerateFn = enumerateLogitech
	}
	if out.openFn == nil {
		out.openFn = func(path string) (transport, error) {
			return hid.OpenPath(path)
		}
	}
	if out.exitFn == nil {
		out.exitFn = hid.Exit
	}
	return out
}

type slotRef struct {
	receiverID string
	index      int
}

type featureKey struct {
	device  models.DeviceID
	feature uint16
}

// Manager is the device access layer over Logitech receivers.
type Manager struct {
	opts Options
	log  *zap.Logger

	infos     *xsync.MapOf[string, models.Receiver]
	receivers *xsync.MapOf[string, *receiver]
	features  *xsync.MapOf[featureKey, byte]
	slots     *xsync.MapOf[models.DeviceID, slotRef]

	openMu    sync.Mutex
	closeOnce sync.Once
}

// NewManager initializes hidapi and returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.enumerateFn == nil {
		if err := hid.Init(); err != nil {
			return nil, fmt.Errorf("initialize hidapi: %w", err)
		}
	}
	opts = opts.withDefaults()

	return &Manager{
		opts:      opts,
		log:       opts.Logger,
		infos:     xsync.NewMapOf[string, models.Receiver](),
		receivers: xsync.NewMapOf[string, *receiver](),
		features:  xsync.NewMapOf[featureKey, byte](),
		slots:     xsync.NewMapOf[models.DeviceID, slotRef](),
	}, nil
}

// SlotIdentity names pairing slot index of a receiver. It only means
// something on the computer the receiver is plugged into, so it is used as a
// device identity only when the device does not report a serial number.
func SlotIdentity(receiverID string, index int) models.DeviceID {
	return models.DeviceID(receiverID + ":" + strconv.Itoa(index))
}

// ParseSlotIdentity splits an identity produced by SlotIdentity.
func ParseSlotIdentity(id models.DeviceID) (string, int, bool) {
	raw := string(id)
	sep := strings.LastIndex(raw, ":")
	if sep <= 0 || sep == len(raw)-1 {
		return "", 0, false
	}
	index, err := strconv.Atoi(raw[sep+1:])
	if err != nil || index < 1 || index > maxPairedDevices {
		return "", 0, false
	}
	return raw[:sep], index, true
}

// Receivers enumerates attached HID++ receivers.
func (m *Manager) Receivers() ([]models.Receiver, error) {
	infos, err := m.opts.enumerateFn()
	if err != nil {
		return nil, fmt.Errorf("enumerate hid devices: %w", err)
	}

	seen := make(map[string]models.Receiver)
	for _, info := range infos {
		if info.VendorID != logitechVendorID || info.UsagePage != hidppUsagePage {
			continue
		}
		id := strings.TrimSpace(info.SerialNbr)
		if id == "" {
			id = info.Path
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = models.Receiver{
			ID:        id,
			Path:      info.Path,
			Name:      strings.TrimSpace(info.ProductStr),
			ProductID: info.ProductID,
		}
	}

	out := make([]models.Receiver, 0, len(seen))
	for id, rx := range seen {
		m.infos.Store(id, rx)
		out = append(out, rx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Devices lists every device paired with an attached receiver.
func (m *Manager) Devices() ([]models.Device, error) {
	receivers, err := m.Receivers()
	if err != nil {
		return nil, err
	}

	var out []models.Device
	for _, rx := range receivers {
		for index := 1; index <= maxPairedDevices; index++ {
			dev, ok, err := m.Open(rx.ID, index)
			if err != nil {
				m.log.Debug("read pairing slot failed", zap.String("receiver", rx.ID), zap.Int("index", index), zap.Error(err))
				continue
			}
			if ok {
				out = append(out, dev)
			}
		}
	}
	return out, nil
}

// Open returns the device paired in slot index, or false when the slot is empty.
// The device identity is its serial number, which is the same on every
// receiver the device is paired with.
func (m *Manager) Open(receiverID string, index int) (models.Device, bool, error) {
	if index < 1 || index > maxPairedDevices {
		return models.Device{}, false, nil
	}

	r, err := m.receiver(receiverID)
	if errors.Is(err, ErrDeviceNotFound) {
		return models.Device{}, false, nil
	}
	if err != nil {
		return models.Device{}, false, err
	}

	info, ok, err := pairingInfo(r, index)
	if err != nil || !ok {
		return models.Device{}, false, err
	}

	id := models.DeviceID(info.serial)
	if id == "" {
		id = SlotIdentity(receiverID, index)
	}
	m.slots.Store(id, slotRef{receiverID: receiverID, index: index})

	return models.Device{
		ID:          id,
		ReceiverID:  receiverID,
		Index:       index,
		WirelessPID: info.wpid,
	}, true, nil
}

// Lookup resolves a device serial number, or a slot identity, to the
// device paired with one of this computer's receivers.
func (m *Manager) Lookup(id models.DeviceID) (models.Device, bool, error) {
	if receiverID, index, ok := ParseSlotIdentity(id); ok {
		return m.Open(receiverID, index)
	}

	if ref, ok := m.slots.Load(id); ok {
		dev, ok, err := m.Open(ref.receiverID, ref.index)
		if err != nil {
			return models.Device{}, false, err
		}
		if ok && dev.ID == id {
			return dev, true, nil
		}
		m.slots.Delete(id)
	}

	devices, err := m.Devices()
	if err != nil {
		return models.Device{}, false, err
	}
	for _, dev := range devices {
		if dev.ID == id {
			return dev, true, nil
		}
	}
	return models.Device{}, false, nil
}

// Subscribe delivers the receiver's notifications to fn until ctx ends.
//
// After registering fn it enables wireless notifications and asks the
// receiver to announce every paired device, so fn sees the current link state.
func (m *Manager) Subscribe(ctx context.Context, receiverID string, fn func(models.Notification)) error {
	r, err := m.receiver(receiverID)
	if err != nil {
		return err
	}
	r.subscribe(ctx.Done(), fn)

	if _, err := r.request(shortReport(receiverIndex, subSetRegister, registerNotifications, 0x00, notifyWirelessStatus, 0x00)); err != nil {
		return fmt.Errorf("enable receiver notifications: %w", err)
	}
	if _, err := r.request(shortReport(receiverIndex, subSetRegister, registerConnectionCmd, 0x02)); err != nil {
		r.log.Warn("trigger device arrival notifications failed", zap.Error(err))
	}
	return nil
}

// CurrentHost reads the host a device is currently connected to.
func (m *Manager) CurrentHost(dev models.Device) (models.HostIndex, error) {
	r, featureIndex, err := m.changeHost(dev)
	if err != nil {
		return 0, err
	}
	_, current, err := hostInfo(r, dev.Index, featureIndex)
	return current, err
}

// SetHost switches a device to host and returns the host it reports afterwards.
//
// A device that accepted the command drops off this receiver, so a read-back
// that fails with a protocol error or a timeout counts as the switch having
// been applied. A device still answering reports the host it stayed on.
func (m *Manager) SetHost(dev models.Device, host models.HostIndex) (models.HostIndex, error) {
	r, featureIndex, err := m.changeHost(dev)
	if err != nil {
		return 0, err
	}

	count, current, err := hostInfo(r, dev.Index, featureIndex)
	if err != nil {
		return 0, err
	}
	if host < 1 || int(host) > count {
		return 0, fmt.Errorf("host %d out of range 1..%d for %s", host, count, dev.ID)
	}
	if current == host {
		return current, nil
	}

	if err := r.send(featureRequest(byte(dev.Index), featureIndex, fnChangeHostSetHost, byte(host-1))); err != nil {
		return 0, fmt.Errorf("set current host: %w", err)
	}

	_, applied, err := hostInfo(r, dev.Index, featureIndex)
	var perr *ProtocolError
	switch {
	case err == nil:
		return applied, nil
	case errors.As(err, &perr), errors.Is(err, ErrTimeout):
		return host, nil
	default:
		return 0, fmt.Errorf("confirm current host: %w", err)
	}
}

// Close stops every receiver loop and releases hidapi.
func (m *Manager) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.receivers.Range(func(id string, r *receiver) bool {
			if err := r.shutdown(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close receiver %s: %w", id, err))
			}
			return true
		})
		if err := m.opts.exitFn(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("exit hidapi: %w", err))
		}
	})
	return closeErr
}

func (m *Manager) receiver(id string) (*receiver, error) {
	if r, ok := m.receivers.Load(id); ok {
		return r, nil
	}

	m.openMu.Lock()
	defer m.openMu.Unlock()

	if r, ok := m.receivers.Load(id); ok {
		return r, nil
	}

	info, ok := m.infos.Load(id)
	if !ok {
		if _, err := m.Receivers(); err != nil {
			return nil, err
		}
		if info, ok = m.infos.Load(id); !ok {
			return nil, fmt.Errorf("%w: receiver %s", ErrDeviceNotFound, id)
		}
	}

	dev, err := m.opts.openFn(info.Path)
	if err != nil {
		return nil, fmt.Errorf("open receiver %s: %w", id, err)
	}

	var r *receiver
	r = newReceiver(info, dev, m.log, m.opts.RequestTimeout, func() {
		m.receivers.Compute(id, func(old *receiver, loaded bool) (*receiver, bool) {
			return old, loaded && old == r
		})
	})
	m.receivers.Store(id, r)
	m.log.Debug("opened receiver", zap.String("receiver", id), zap.String("path", info.Path))
	return r, nil
}

func (m *Manager) changeHost(dev models.Device) (*receiver, byte, error) {
	r, err := m.receiver(dev.ReceiverID)
	if err != nil {
		return nil, 0, err
	}

	key := featureKey{device: dev.ID, feature: featureChangeHost}
	if index, ok := m.features.Load(key); ok {
		return r, index, nil
	}

	hi, lo := byte(featureChangeHost>>8), byte(featureChangeHost&0xff)
	reply, err := r.request(featureRequest(byte(dev.Index), featureRoot, fnRootGetFeature, hi, lo))
	if err != nil {
		return nil, 0, fmt.Errorf("query CHANGE_HOST feature: %w", err)
	}
	p := params(reply)
	if len(p) < 1 || p[0] == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrCannotChangeHost, dev.ID)
	}

	m.features.Store(key, p[0])
	return r, p[0], nil
}

func hostInfo(r *receiver, index int, featureIndex byte) (int, models.HostIndex, error) {
	reply, err := r.request(featureRequest(byte(index), featureIndex, fnChangeHostGetInfo))
	if err != nil {
		return 0, 0, fmt.Errorf("get host info: %w", err)
	}
	p := params(reply)
	if len(p) < 2 {
		return 0, 0, fmt.Errorf("get host info: short reply")
	}
	return int(p[0]), models.HostIndex(p[1]) + 1, nil
}

type slotInfo struct {
	wpid   uint16
	serial string
}

// pairingInfo reads the wireless PID and serial number of a pairing slot,
// trying the Unifying registers first and the Bolt register second.
func pairingInfo(r *receiver, index int) (slotInfo, bool, error) {
	reply, err := r.request(shortReport(receiverIndex, subGetLongRegister, registerReceiverInfo, byte(unifyingPairingInfo+index-1)))
	if err == nil {
		p := params(reply)
		if len(p) < 5 {
			return slotInfo{}, false, nil
		}
		info := slotInfo{wpid: binary.BigEndian.Uint16(p[3:5])}
		if info.wpid == 0 {
			return slotInfo{}, false, nil
		}
		info.serial, err = unifyingSerial(r, index)
		if err != nil {
			r.log.Debug("read device serial failed", zap.Int("index", index), zap.Error(err))
		}
		return info, true, nil
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		return slotInfo{}, false, err
	}

	reply, err = r.request(shortReport(receiverIndex, subGetLongRegister, registerReceiverInfo, byte(boltPairingInfo+index-1)))
	if errors.As(err, &perr) {
		return slotInfo{}, false, nil
	}
	if err != nil {
		return slotInfo{}, false, err
	}
	p := params(reply)
	if len(p) < 4 {
		return slotInfo{}, false, nil
	}
	info := slotInfo{wpid: binary.LittleEndian.Uint16(p[2:4])}
	if info.wpid == 0 {
		return slotInfo{}, false, nil
	}
	if len(p) >= 8 {
		info.serial = formatSerial(p[4:8])
	}
	return info, true, nil
}

// unifyingSerial reads the serial number from the extended pairing register.
func unifyingSerial(r *receiver, index int) (string, error) {
	reply, err := r.request(shortReport(receiverIndex, subGetLongRegister, registerReceiverInfo, byte(unifyingExtendedPairingInfo+index-1)))
	if err != nil {
		return "", fmt.Errorf("read extended pairing info: %w", err)
	}
	p := params(reply)
	if len(p) < 5 {
		return "", fmt.Errorf("read extended pairing info: short reply")
	}
	return formatSerial(p[1:5]), nil
}

// formatSerial renders a 4 byte serial as upper-case hex, empty when unset.
func formatSerial(raw []byte) string {
	if binary.BigEndian.Uint32(raw) == 0 {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(raw))
}

func enumerateLogitech() ([]hid.DeviceInfo, error) {
	var out []hid.DeviceInfo
	err := hid.Enumerate(logitechVendorID, hid.ProductIDAny, func(info *hid.DeviceInfo) error {
		out = append(out, *info)
		return nil
	})
	return out, err
}
