package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowkvm/models"
	"flowkvm/network"
	"flowkvm/registry"
	"flowkvm/trust"
)

// ClientOptions configures RunClient.
type ClientOptions struct {
	Logger         *zap.Logger
	Devices        DeviceAccess
	Trust          *trust.Store
	ServerURL      string
	Name           string
	HostNumber     int
	GraceInterval  time.Duration
	RequestTimeout time.Duration
	PollInterval   time.Duration
	ForcePairing   bool
	Output         io.Writer

	connectFn func(ctx context.Context) (SyncAPI, models.Configuration, error)
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Output == nil {
		out.Output = io.Discard
	}
	return out
}

// Connect establishes trust with the server at opts.ServerURL and returns an
// authenticated client with the server's configuration.
func Connect(ctx context.Context, opts ClientOptions) (*network.Client, models.Configuration, error) {
	opts = opts.withDefaults()
	fmt.Fprintf(opts.Output, "Connecting to server at %s...\n", opts.ServerURL)

	client, cfg, err := network.EnsureTrust(ctx, network.EnsureTrustOptions{
		Address: opts.ServerURL,
		Name:    opts.Name,
		Store:   opts.Trust,
		Display: opts.Output,
		Logger:  opts.Logger.Named("api"),
		Timeout: opts.RequestTimeout,
		Force:   opts.ForcePairing,
	})
	switch {
	case err == nil:
		return client, cfg, nil
	case errors.Is(err, context.Canceled):
		return nil, models.Configuration{}, err
	case errors.Is(err, network.ErrServerUnavailable):
		return nil, models.Configuration{}, userErrorf(err, "server %s is not available", opts.ServerURL)
	case errors.Is(err, network.ErrPairingRejected):
		return nil, models.Configuration{}, userErrorf(err, "the server operator entered a different pairing code")
	case errors.Is(err, network.ErrPairingExpired):
		return nil, models.Configuration{}, userErrorf(err, "the pairing request was not answered in time")
	case errors.Is(err, network.ErrCertificateMismatch), errors.Is(err, network.ErrUnauthorized):
		return nil, models.Configuration{}, userErrorf(err, "could not establish trust with %s", opts.ServerURL)
	default:
		return nil, models.Configuration{}, err
	}
}

// RunClient mirrors the leader's host on this computer's follower devices
// until ctx ends.
func RunClient(ctx context.Context, opts ClientOptions) error {
	opts = opts.withDefaults()
	log := opts.Logger
	if opts.Devices == nil {
		return errors.New("device access is required")
	}

	connect := opts.connectFn
	if connect == nil {
		connect = func(ctx context.Context) (SyncAPI, models.Configuration, error) {
			client, cfg, err := Connect(ctx, opts)
			if err != nil {
				return nil, models.Configuration{}, err
			}
			return client, cfg, nil
		}
	}

	api, cfg, err := connect(ctx)
	if err != nil {
		return err
	}
	if closer, ok := api.(interface{ Close() }); ok {
		defer closer.Close()
	}

	fmt.Fprintf(opts.Output, "Leader device: %s\n", cfg.Leader)
	fmt.Fprintf(opts.Output, "Follower devices: %s\n", joinIDs(cfg.Followers))

	engine, err := NewEngine(EngineOptions{
		Logger:        log.Named("flow"),
		Devices:       opts.Devices,
		Sync:          api,
		Registry:      registry.New(cfg.Devices()...),
		Configuration: cfg,
		LocalHost:     fixedHost(opts.HostNumber),
		GraceInterval: opts.GraceInterval,
		Output:        opts.Output,
		PushConnects:  true,
	})
	if err != nil {
		return err
	}

	receivers, err := opts.Devices.Receivers()
	if err != nil {
		return fmt.Errorf("list receivers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rx := range receivers {
		if err := opts.Devices.Subscribe(gctx, rx.ID, func(n models.Notification) {
			engine.HandleNotification(gctx, n)
		}); err != nil {
			return fmt.Errorf("subscribe to receiver %s: %w", rx.ID, err)
		}
	}

	if opts.PollInterval > 0 {
		g.Go(func() error {
			pollLeader(gctx, log.Named("flow"), engine, api, cfg.Leader, opts.PollInterval)
			return nil
		})
	}

	fmt.Fprintln(opts.Output, "Ready.")
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// pollLeader switches local followers whenever the server's recorded host of
// the leader changes. The first observation only sets the baseline.
func pollLeader(ctx context.Context, log *zap.Logger, engine *Engine, api SyncAPI, leader models.DeviceID, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last models.HostIndex
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		host, ok, err := api.DeviceHost(ctx, leader)
		if err != nil {
			log.Debug("poll leader host", zap.Error(err))
			continue
		}
		if !ok || host == last {
			continue
		}

		previous := last
		last = host
		if previous == 0 {
			continue
		}

		log.Info("leader moved", zap.Int("from", int(previous)), zap.Int("to", int(host)))
		if err := engine.SwitchFollowers(ctx, host); err != nil {
			log.Error("switch followers", zap.Int("host", int(host)), zap.Error(err))
		}
	}
}

func joinIDs(ids []models.DeviceID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, string(id))
	}
	return strings.Join(parts, ", ")
}
