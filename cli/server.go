package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowkvm/config"
	"flowkvm/crypto"
	"flowkvm/flow"
	"flowkvm/storage"
)

type serverFlags struct {
	bind        string
	port        int
	regenerate  bool
	save        bool
	noAdvertise bool
}

func NewFlowServer(app appProvider) *cobra.Command {
	var flags serverFlags
	cmd := &cobra.Command{
		Use:   "flow-server [host_number] [leader] [followers...]",
		Short: "Follow a leader device and serve its host to flow clients",
		Long: `flow-server watches the leader device attached to this computer, keeps
local follower devices on the leader's host and serves the Sync API to
flow clients. Positional arguments override the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			cfg := a.cfg
			if err := applyServerArgs(cfg, args, flags, cmd.Flags().Changed("port")); err != nil {
				return err
			}
			if flags.save {
				if err := config.Save(a.cfgPath, cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved configuration to %s\n", a.cfgPath)
			}

			addresses, err := crypto.LocalAddresses()
			if err != nil {
				a.log.Warn("list local addresses", zap.Error(err))
			}
			pair, certPEM, created, err := crypto.EnsureCertificate(cfg.Paths.CertificatePath, cfg.Paths.PrivateKeyPath, cfg.Name, addresses, flags.regenerate)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintln(cmd.OutOrStdout(), "Generated a new server certificate; clients will pair again.")
			}

			store, _, err := storage.Open(cfg.Paths.DatabaseDir, storage.Options{
				Logger:    a.log.Named("storage"),
				Retention: cfg.EventRetention,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					a.log.Warn("close database", zap.Error(err))
				}
			}()

			devices, err := a.devices()
			if err != nil {
				return err
			}
			defer devices.Close()

			return flow.RunServer(cmd.Context(), flow.ServerOptions{
				Logger:            a.log,
				Devices:           devices,
				Tokens:            store,
				Certificate:       pair,
				CertificatePEM:    certPEM,
				Configuration:     cfg.Configuration(),
				HostNumber:        cfg.HostNumber,
				ListenAddress:     cfg.ListenAddress,
				Port:              cfg.Port,
				InstanceID:        cfg.InstanceID,
				Name:              cfg.Name,
				Advertise:         cfg.AdvertiseEnabled() && !flags.noAdvertise,
				GraceInterval:     cfg.GraceInterval,
				PairingTimeout:    cfg.PairingTimeout,
				ClipboardMaxBytes: cfg.ClipboardMaxBytes,
				Input:             cmd.InOrStdin(),
				Output:            cmd.OutOrStdout(),
			})
		},
	}
	cmd.Flags().StringVarP(&flags.bind, "binding-interface", "b", "", "interface address to listen on")
	cmd.Flags().IntVarP(&flags.port, "port", "p", config.DefaultPort, "port to listen on")
	cmd.Flags().BoolVar(&flags.regenerate, "regenerate-certificate", false, "mint a new server certificate")
	cmd.Flags().BoolVar(&flags.save, "save", false, "save positional arguments and flags to the configuration file")
	cmd.Flags().BoolVar(&flags.noAdvertise, "no-advertise", false, "do not announce the server over mDNS")
	return cmd
}

// applyServerArgs overrides cfg with positional arguments and explicit flags.
func applyServerArgs(cfg *config.Config, args []string, flags serverFlags, portChanged bool) error {
	if len(args) > 0 {
		host, err := parseHost(args[0])
		if err != nil {
			return err
		}
		cfg.HostNumber = int(host)
	}
	if len(args) > 1 {
		cfg.Leader = args[1]
	}
	if len(args) > 2 {
		cfg.Followers = append([]string(nil), args[2:]...)
	}
	if flags.bind != "" {
		cfg.ListenAddress = flags.bind
	}
	if portChanged {
		if flags.port <= 0 || flags.port > 65535 {
			return &flow.UserError{Message: fmt.Sprintf("invalid port %d", flags.port)}
		}
		cfg.Port = flags.port
	}

	if cfg.Leader == "" {
		return &flow.UserError{Message: "no leader device configured; pass it as the second argument"}
	}
	if len(cfg.Followers) == 0 {
		return &flow.UserError{Message: "no follower devices configured; pass them after the leader"}
	}
	return nil
}
