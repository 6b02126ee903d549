package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowkvm/config"
	"flowkvm/discovery"
	"flowkvm/flow"
	"flowkvm/network"
	"flowkvm/trust"
)

type findServersFunc func(ctx context.Context, cfg discovery.Config) ([]discovery.Server, error)

// resolveServer returns the Sync API URL for an explicit address, the
// remembered server, or the first server found over mDNS.
func resolveServer(ctx context.Context, cfg *config.Config, address string, port int, find findServersFunc) (string, error) {
	if address != "" {
		return network.BaseURL(address, port), nil
	}
	if cfg.Server != nil && cfg.Server.Address != "" {
		remembered := cfg.Server.Port
		if remembered <= 0 {
			remembered = port
		}
		return network.BaseURL(cfg.Server.Address, remembered), nil
	}

	servers, err := find(ctx, discovery.Config{InstanceID: cfg.InstanceID})
	if err != nil {
		return "", fmt.Errorf("look for flow servers: %w", err)
	}
	if len(servers) == 0 {
		return "", &flow.UserError{Message: "no flow server found on the local network; pass its address"}
	}
	return network.BaseURL(servers[0].Address(), port), nil
}

// rememberServer stores the server a client connected to.
func rememberServer(a *app, serverURL string) {
	host, rawPort, err := net.SplitHostPort(strings.TrimPrefix(serverURL, "https://"))
	if err != nil {
		return
	}
	port, _ := strconv.Atoi(rawPort)
	if a.cfg.Server != nil && a.cfg.Server.Address == host && a.cfg.Server.Port == port {
		return
	}
	a.cfg.Server = &config.ServerEndpoint{Address: host, Port: port}
	if err := config.Save(a.cfgPath, a.cfg); err != nil {
		a.log.Warn("remember server", zap.Error(err))
	}
}

func clientOptions(a *app, cmd *cobra.Command, serverURL string) (flow.ClientOptions, error) {
	store, err := trust.NewStore(a.cfg.Paths.PeersDir)
	if err != nil {
		return flow.ClientOptions{}, err
	}
	return flow.ClientOptions{
		Logger:         a.log,
		Trust:          store,
		ServerURL:      serverURL,
		Name:           a.cfg.Name,
		HostNumber:     a.cfg.HostNumber,
		GraceInterval:  a.cfg.GraceInterval,
		RequestTimeout: a.cfg.RequestTimeout,
		PollInterval:   a.cfg.PollInterval,
		Output:         cmd.OutOrStdout(),
	}, nil
}

func NewFlowClient(app appProvider) *cobra.Command {
	var (
		port  int
		sleep time.Duration
	)
	cmd := &cobra.Command{
		Use:   "flow-client [host_number] [server]",
		Short: "Mirror the leader's host on this computer's follower devices",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			if len(args) > 0 {
				host, err := parseHost(args[0])
				if err != nil {
					return err
				}
				a.cfg.HostNumber = int(host)
			}
			if cmd.Flags().Changed("sleep-time") {
				a.cfg.GraceInterval = sleep
			}

			var address string
			if len(args) > 1 {
				address = args[1]
			}
			serverURL, err := resolveServer(cmd.Context(), a.cfg, address, port, discovery.FindServers)
			if err != nil {
				return err
			}

			opts, err := clientOptions(a, cmd, serverURL)
			if err != nil {
				return err
			}
			devices, err := a.devices()
			if err != nil {
				return err
			}
			defer devices.Close()
			opts.Devices = devices

			rememberServer(a, serverURL)
			return flow.RunClient(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "server port")
	cmd.Flags().DurationVarP(&sleep, "sleep-time", "s", config.DefaultGraceInterval, "wait after a leader disconnect before asking the server")
	return cmd
}

func NewPair(app appProvider) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "pair [server]",
		Short: "Pair with a flow server, replacing any stored credential",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			var address string
			if len(args) > 0 {
				address = args[0]
			}
			serverURL, err := resolveServer(cmd.Context(), a.cfg, address, port, discovery.FindServers)
			if err != nil {
				return err
			}

			opts, err := clientOptions(a, cmd, serverURL)
			if err != nil {
				return err
			}
			opts.ForcePairing = true

			client, cfg, err := flow.Connect(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer client.Close()

			rememberServer(a, serverURL)
			fmt.Fprintf(cmd.OutOrStdout(), "Leader device: %s\n", cfg.Leader)
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "server port")
	return cmd
}

func NewForget(app appProvider) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "forget [server]",
		Short: "Delete the credential stored for a flow server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			var address string
			if len(args) > 0 {
				address = args[0]
			}
			serverURL, err := resolveServer(cmd.Context(), a.cfg, address, port, discovery.FindServers)
			if err != nil {
				return err
			}
			peer := strings.TrimPrefix(serverURL, "https://")

			store, err := trust.NewStore(a.cfg.Paths.PeersDir)
			if err != nil {
				return err
			}
			_, stored, err := store.Load(peer)
			if err != nil {
				a.log.Warn("read stored credential", zap.String("server", peer), zap.Error(err))
				stored = true
			}
			// Partial leftovers are removed as well.
			if err := store.Delete(peer); err != nil {
				return fmt.Errorf("forget %s: %w", peer, err)
			}
			if !stored {
				return &flow.UserError{Message: fmt.Sprintf("no credential is stored for %s in %s", peer, store.Dir())}
			}

			if host, rawPort, err := net.SplitHostPort(peer); err == nil && a.cfg.Server != nil {
				remembered, _ := strconv.Atoi(rawPort)
				if a.cfg.Server.Address == host && a.cfg.Server.Port == remembered {
					a.cfg.Server = nil
					if err := config.Save(a.cfgPath, a.cfg); err != nil {
						a.log.Warn("forget remembered server", zap.Error(err))
					}
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s; the next connection pairs again.\n", peer)
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "server port")
	return cmd
}

func NewClipboard(app appProvider) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "clipboard",
		Short: "Relay clipboard contents through a flow server",
	}
	cmd.PersistentFlags().IntVarP(&port, "port", "p", config.DefaultPort, "server port")

	connect := func(cmd *cobra.Command, args []string) (*network.Client, error) {
		a := app()
		var address string
		if len(args) > 0 {
			address = args[0]
		}
		serverURL, err := resolveServer(cmd.Context(), a.cfg, address, port, discovery.FindServers)
		if err != nil {
			return nil, err
		}
		opts, err := clientOptions(a, cmd, serverURL)
		if err != nil {
			return nil, err
		}
		opts.Output = cmd.ErrOrStderr()
		client, _, err := flow.Connect(cmd.Context(), opts)
		return client, err
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [server]",
		Short: "Write the relayed clipboard to stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd, args)
			if err != nil {
				return err
			}
			defer client.Close()

			data, _, err := client.Clipboard(cmd.Context())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	var contentType string
	set := &cobra.Command{
		Use:   "set [server]",
		Short: "Relay stdin as the clipboard",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			client, err := connect(cmd, args)
			if err != nil {
				return err
			}
			defer client.Close()

			return client.SetClipboard(cmd.Context(), data, contentType)
		},
	}
	set.Flags().StringVarP(&contentType, "type", "t", "text/plain; charset=utf-8", "content type of the payload")
	cmd.AddCommand(set)

	return cmd
}
