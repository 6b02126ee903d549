package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"flowkvm/hidpp"
	"flowkvm/models"
	"flowkvm/registry"
)

// DefaultGraceInterval is the wait after a leader disconnect before asking
// the server for the leader's new host.
const DefaultGraceInterval = 250 * time.Millisecond

// DeviceAccess is the hardware side of the protocol.
type DeviceAccess interface {
	Receivers() ([]models.Receiver, error)
	Open(receiverID string, index int) (models.Device, bool, error)
	Lookup(id models.DeviceID) (models.Device, bool, error)
	Subscribe(ctx context.Context, receiverID string, fn func(models.Notification)) error
	CurrentHost(dev models.Device) (models.HostIndex, error)
	SetHost(dev models.Device, host models.HostIndex) (models.HostIndex, error)
}

// SyncAPI is the subset of the Sync API the engine talks to.
type SyncAPI interface {
	PushDeviceHost(ctx context.Context, id models.DeviceID, host models.HostIndex) error
	DeviceHost(ctx context.Context, id models.DeviceID) (models.HostIndex, bool, error)
}

// DeviceState is the link state of a tracked device.
type DeviceState int

const (
	StateUnknown DeviceState = iota
	StateConnected
	StateDisconnected
)

func (s DeviceState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type deviceState struct {
	state DeviceState
	host  models.HostIndex
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Logger        *zap.Logger
	Devices       DeviceAccess
	Sync          SyncAPI
	Registry      *registry.Registry
	Configuration models.Configuration
	// LocalHost returns the host index of this computer as seen by dev.
	LocalHost     func(dev models.Device) (models.HostIndex, error)
	GraceInterval time.Duration
	Sleep         func(ctx context.Context, d time.Duration) error
	Output        io.Writer
	// PushConnects reports every tracked device that connects here, not only the leader.
	PushConnects bool
}

func (o EngineOptions) withDefaults() EngineOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Registry == nil {
		out.Registry = registry.New(out.Configuration.Devices()...)
	}
	if out.LocalHost == nil && out.Devices != nil {
		out.LocalHost = out.Devices.CurrentHost
	}
	if out.GraceInterval <= 0 {
		out.GraceInterval = DefaultGraceInterval
	}
	if out.Sleep == nil {
		out.Sleep = sleepContext
	}
	if out.Output == nil {
		out.Output = io.Discard
	}
	return out
}

// Engine reacts to link notifications of tracked devices and keeps followers
// on the leader's host.
type Engine struct {
	opts   EngineOptions
	log    *zap.Logger
	states *xsync.MapOf[models.DeviceID, deviceState]
}

// NewEngine returns an engine for opts.Configuration.
func NewEngine(opts EngineOptions) (*Engine, error) {
	opts = opts.withDefaults()
	if opts.Devices == nil {
		return nil, errors.New("device access is required")
	}
	if opts.Sync == nil {
		return nil, errors.New("sync api is required")
	}
	if opts.Configuration.Leader == "" {
		return nil, errors.New("leader device is required")
	}

	return &Engine{
		opts:   opts,
		log:    opts.Logger,
		states: xsync.NewMapOf[models.DeviceID, deviceState](),
	}, nil
}

// Registry returns the registry the engine records local observations in.
func (e *Engine) Registry() *registry.Registry {
	return e.opts.Registry
}

// State returns the last link state of id and, when connected, its host.
func (e *Engine) State(id models.DeviceID) (DeviceState, models.HostIndex) {
	s, ok := e.states.Load(id)
	if !ok {
		return StateUnknown, 0
	}
	return s.state, s.host
}

// HandleNotification processes one receiver notification. Failures are
// logged and reported to the operator, never returned.
func (e *Engine) HandleNotification(ctx context.Context, n models.Notification) {
	link, ok := hidpp.DecodeLinkNotification(n)
	if !ok {
		return
	}

	dev, ok, err := e.opts.Devices.Open(n.ReceiverID, n.DeviceIndex)
	if err != nil {
		e.log.Debug("resolve notified device", zap.String("receiver", n.ReceiverID), zap.Int("index", n.DeviceIndex), zap.Error(err))
		return
	}
	if !ok || !e.opts.Configuration.Tracks(dev.ID) {
		return
	}

	if link.Connected() {
		e.handleConnect(ctx, dev)
		return
	}
	e.handleDisconnect(ctx, dev)
}

func (e *Engine) handleConnect(ctx context.Context, dev models.Device) {
	host, err := e.opts.LocalHost(dev)
	if err != nil {
		e.log.Warn("read local host", zap.String("device", string(dev.ID)), zap.Error(err))
		return
	}

	e.states.Store(dev.ID, deviceState{state: StateConnected, host: host})
	e.opts.Registry.Set(dev.ID, host)
	fmt.Fprintf(e.opts.Output, "Device %s connected on host %d\n", dev.ID, host)

	if !e.opts.Configuration.IsLeader(dev.ID) && !e.opts.PushConnects {
		return
	}
	if err := e.opts.Sync.PushDeviceHost(ctx, dev.ID, host); err != nil {
		e.log.Warn("report device host", zap.String("device", string(dev.ID)), zap.Int("host", int(host)), zap.Error(err))
		fmt.Fprintf(e.opts.Output, "Could not report %s to the server: %v\n", dev.ID, err)
	}
}

func (e *Engine) handleDisconnect(ctx context.Context, dev models.Device) {
	e.states.Store(dev.ID, deviceState{state: StateDisconnected})
	fmt.Fprintf(e.opts.Output, "Device %s disconnected\n", dev.ID)

	if !e.opts.Configuration.IsLeader(dev.ID) {
		return
	}

	if err := e.opts.Sleep(ctx, e.opts.GraceInterval); err != nil {
		return
	}

	host, ok, err := e.opts.Sync.DeviceHost(ctx, dev.ID)
	if err != nil {
		e.log.Warn("query leader host", zap.String("device", string(dev.ID)), zap.Error(err))
		fmt.Fprintf(e.opts.Output, "Could not ask the server where %s went: %v\n", dev.ID, err)
		return
	}
	if !ok {
		e.log.Info("server has no host for leader", zap.String("device", string(dev.ID)))
		return
	}

	if err := e.SwitchFollowers(ctx, host); err != nil {
		e.log.Error("switch followers", zap.Int("host", int(host)), zap.Error(err))
	}
}

// SwitchFollowers moves every follower reachable from this computer to host.
// Each follower is switched at most once per call, and followers the
// registry already places on host are left alone.
func (e *Engine) SwitchFollowers(ctx context.Context, host models.HostIndex) error {
	var errs []error
	for _, id := range e.opts.Configuration.Devices() {
		if e.opts.Configuration.IsLeader(id) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if current, ok := e.opts.Registry.Get(id); ok && current == host {
			e.log.Debug("follower already on host", zap.String("device", string(id)), zap.Int("host", int(host)))
			continue
		}

		dev, ok, err := e.opts.Devices.Lookup(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("open follower %s: %w", id, err))
			continue
		}
		if !ok {
			e.log.Debug("follower not reachable here", zap.String("device", string(id)))
			continue
		}

		fmt.Fprintf(e.opts.Output, "Asking follower %s to switch to %d\n", id, host)
		if err := switchHost(e.opts.Devices, dev, host); err != nil {
			errs = append(errs, err)
			continue
		}
		e.opts.Registry.Set(id, host)
	}
	return errors.Join(errs...)
}

// switchHost applies host to dev and checks the applied value.
func switchHost(devices DeviceAccess, dev models.Device, host models.HostIndex) error {
	applied, err := devices.SetHost(dev, host)
	if err != nil {
		return fmt.Errorf("switch %s to host %d: %w", dev.ID, host, err)
	}
	if applied != host {
		return fmt.Errorf("%w: %s reports host %d, requested %d", ErrChangeHostFailed, dev.ID, applied, host)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
