package flow

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowkvm/crypto"
	"flowkvm/discovery"
	"flowkvm/hidpp"
	"flowkvm/models"
	"flowkvm/network"
	"flowkvm/registry"
)

// ServerOptions configures RunServer.
type ServerOptions struct {
	Logger            *zap.Logger
	Devices           DeviceAccess
	Tokens            network.TokenStore
	Certificate       tls.Certificate
	CertificatePEM    []byte
	Configuration     models.Configuration
	HostNumber        int
	ListenAddress     string
	Port              int
	InstanceID        string
	Name              string
	Advertise         bool
	GraceInterval     time.Duration
	PairingTimeout    time.Duration
	ClipboardMaxBytes int64
	Input             io.Reader
	Output            io.Writer

	listener    net.Listener
	broadcastFn func(discovery.Config) (*discovery.Broadcaster, error)
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Output == nil {
		out.Output = io.Discard
	}
	if out.Input == nil {
		out.Input = strings.NewReader("")
	}
	if out.broadcastFn == nil {
		out.broadcastFn = discovery.StartBroadcaster
	}
	return out
}

// RunServer follows the leader device from this computer and serves the Sync
// API until ctx ends.
func RunServer(ctx context.Context, opts ServerOptions) error {
	opts = opts.withDefaults()
	log := opts.Logger

	if opts.Configuration.Leader == "" {
		return userErrorf(nil, "a leader device is required")
	}
	if len(opts.Configuration.Followers) == 0 {
		return userErrorf(nil, "at least one follower device is required")
	}

	devices, err := resolveDevices(opts.Devices, opts.Configuration)
	if err != nil {
		return err
	}
	for _, id := range opts.Configuration.Followers {
		if !attached(devices, id) {
			log.Info("follower not attached here, a client will switch it", zap.String("device", string(id)))
			fmt.Fprintf(opts.Output, "Follower %s is not attached to this computer\n", id)
		}
	}

	reg := registry.New(opts.Configuration.Devices()...)
	engine, err := NewEngine(EngineOptions{
		Logger:        log.Named("flow"),
		Devices:       opts.Devices,
		Sync:          localSync{registry: reg},
		Registry:      reg,
		Configuration: opts.Configuration,
		LocalHost:     fixedHost(opts.HostNumber),
		GraceInterval: opts.GraceInterval,
		Output:        opts.Output,
	})
	if err != nil {
		return err
	}

	pairing, err := network.NewPairingManager(network.PairingOptions{
		Logger:         log.Named("pairing"),
		Tokens:         opts.Tokens,
		CertificatePEM: opts.CertificatePEM,
		Timeout:        opts.PairingTimeout,
	})
	if err != nil {
		return err
	}

	api, err := network.NewServer(network.ServerOptions{
		Logger:        log.Named("api"),
		Registry:      reg,
		Configuration: opts.Configuration,
		Tokens:        opts.Tokens,
		Pairing:       pairing,
		OnLeaderChange: func(ctx context.Context, status models.DeviceStatus) {
			if err := engine.SwitchFollowers(ctx, status.Host); err != nil {
				log.Error("switch followers", zap.Int("host", int(status.Host)), zap.Error(err))
			}
		},
		Certificate:       opts.Certificate,
		ClipboardMaxBytes: opts.ClipboardMaxBytes,
	})
	if err != nil {
		return err
	}

	ln := opts.listener
	if ln == nil {
		addr := net.JoinHostPort(opts.ListenAddress, strconv.Itoa(opts.Port))
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return userErrorf(err, "cannot listen on %s", addr)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, receiverID := range distinctReceivers(devices) {
		if err := opts.Devices.Subscribe(gctx, receiverID, func(n models.Notification) {
			engine.HandleNotification(gctx, n)
		}); err != nil {
			_ = ln.Close()
			return fmt.Errorf("subscribe to receiver %s: %w", receiverID, err)
		}
	}

	g.Go(func() error { return api.Serve(gctx, ln) })
	g.Go(func() error { return pairing.Run(gctx) })
	g.Go(func() error {
		prompter := &network.ConsolePrompter{
			In:      opts.Input,
			Out:     opts.Output,
			Manager: pairing,
			Logger:  log.Named("pairing"),
		}
		return prompter.Run(gctx)
	})

	if opts.Advertise {
		broadcaster, err := opts.broadcastFn(discovery.Config{
			InstanceID:  opts.InstanceID,
			Name:        opts.Name,
			Port:        listenerPort(ln, opts.Port),
			Fingerprint: fingerprint(opts.CertificatePEM),
		})
		if err != nil {
			log.Named("discovery").Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer broadcaster.Stop()
		}
	}

	fmt.Fprintf(opts.Output, "Following %s\n", opts.Configuration.Leader)
	fmt.Fprintf(opts.Output, "Certificate fingerprint: %s\n", crypto.FormatFingerprint(fingerprint(opts.CertificatePEM)))
	fmt.Fprintln(opts.Output, "Press CTRL+C to exit")

	return g.Wait()
}

// resolveDevices opens the configured devices attached to this computer.
// The leader must be one of them; followers may be attached to clients only.
func resolveDevices(access DeviceAccess, cfg models.Configuration) ([]models.Device, error) {
	var out []models.Device
	for _, id := range cfg.Devices() {
		dev, ok, err := access.Lookup(id)
		if err != nil {
			return nil, fmt.Errorf("open device %s: %w", id, err)
		}
		if !ok {
			if cfg.IsLeader(id) {
				return nil, userErrorf(hidpp.ErrDeviceNotFound, "leader device %s not found", id)
			}
			continue
		}
		out = append(out, dev)
	}
	return out, nil
}

func attached(devices []models.Device, id models.DeviceID) bool {
	for _, dev := range devices {
		if dev.ID == id {
			return true
		}
	}
	return false
}

func distinctReceivers(devices []models.Device) []string {
	var out []string
	seen := make(map[string]bool)
	for _, dev := range devices {
		if seen[dev.ReceiverID] {
			continue
		}
		seen[dev.ReceiverID] = true
		out = append(out, dev.ReceiverID)
	}
	return out
}

func listenerPort(ln net.Listener, fallback int) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return fallback
}

func fingerprint(certPEM []byte) string {
	value, err := crypto.CertificateFingerprint(certPEM)
	if err != nil {
		return ""
	}
	return value
}
