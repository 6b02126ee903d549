package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"flowkvm/crypto"
	"flowkvm/models"
	"flowkvm/trust"
)

// EnsureTrustOptions configures EnsureTrust.
type EnsureTrustOptions struct {
	Address      string
	Name         string
	Store        *trust.Store
	Display      io.Writer
	Logger       *zap.Logger
	Timeout      time.Duration
	PollInterval time.Duration
	// Force skips the stored credential and pairs again.
	Force bool

	newCode func() (string, error)
}

func (o EnsureTrustOptions) withDefaults() EnsureTrustOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Display == nil {
		out.Display = io.Discard
	}
	if out.newCode == nil {
		out.newCode = crypto.NewPairingCode
	}
	return out
}

// EnsureTrust returns an authenticated client for opts.Address together with
// the server's configuration. A missing, rejected or mismatched credential
// starts the pairing handshake; an unreachable server does not.
func EnsureTrust(ctx context.Context, opts EnsureTrustOptions) (*Client, models.Configuration, error) {
	opts = opts.withDefaults()
	if opts.Store == nil {
		return nil, models.Configuration{}, errors.New("credential store is required")
	}
	log := opts.Logger

	bootstrap, err := NewClient(opts.clientOptions(nil))
	if err != nil {
		return nil, models.Configuration{}, err
	}
	defer bootstrap.Close()
	peer := bootstrap.Address()

	if !opts.Force {
		cred, ok, err := opts.Store.Load(peer)
		if err != nil {
			return nil, models.Configuration{}, err
		}
		if ok {
			client, cfg, err := connect(ctx, opts, cred)
			switch {
			case err == nil:
				return client, cfg, nil
			case errors.Is(err, ErrCertificateMismatch), errors.Is(err, ErrUnauthorized):
				log.Warn("stored credential rejected, pairing again", zap.String("server", peer), zap.Error(err))
			default:
				return nil, models.Configuration{}, err
			}
		}
	}

	if err := bootstrap.Probe(ctx); err != nil {
		return nil, models.Configuration{}, err
	}

	code, err := opts.newCode()
	if err != nil {
		return nil, models.Configuration{}, err
	}
	fmt.Fprintf(opts.Display, "Pairing code: %s, read it to the operator of %s\n", code, peer)

	cred, err := bootstrap.Pair(ctx, opts.Name, code)
	if err != nil {
		return nil, models.Configuration{}, fmt.Errorf("pair with %s: %w", peer, err)
	}
	cred.PeerName = peer
	if err := opts.Store.Save(cred); err != nil {
		return nil, models.Configuration{}, err
	}
	fmt.Fprintf(opts.Display, "Paired with %s.\n", peer)

	return connect(ctx, opts, cred)
}

func connect(ctx context.Context, opts EnsureTrustOptions, cred models.PeerCredential) (*Client, models.Configuration, error) {
	client, err := NewClient(opts.clientOptions(&cred))
	if err != nil {
		return nil, models.Configuration{}, err
	}
	cfg, err := client.Configuration(ctx)
	if err != nil {
		client.Close()
		return nil, models.Configuration{}, err
	}
	return client, cfg, nil
}

func (o EnsureTrustOptions) clientOptions(cred *models.PeerCredential) ClientOptions {
	return ClientOptions{
		BaseURL:      o.Address,
		Logger:       o.Logger,
		Timeout:      o.Timeout,
		Credential:   cred,
		PollInterval: o.PollInterval,
	}
}
