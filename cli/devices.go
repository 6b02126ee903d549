package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"flowkvm/flow"
	"flowkvm/models"
)

func NewListDevices(app appProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List devices paired with attached receivers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := app().devices()
			if err != nil {
				return err
			}
			defer devices.Close()

			list, err := flow.ListDevices(devices)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRECEIVER\tINDEX\tWPID")
			for _, dev := range list {
				fmt.Fprintf(w, "%s\t%s\t%d\t%04X\n", dev.ID, dev.ReceiverID, dev.Index, dev.WirelessPID)
			}
			return w.Flush()
		},
	}
}

func NewSwitchToHost(app appProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "switch-to-host <device> <host>",
		Short: "Switch a device to another host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := parseHost(args[1])
			if err != nil {
				return err
			}

			devices, err := app().devices()
			if err != nil {
				return err
			}
			defer devices.Close()

			return flow.SwitchToHost(devices, models.DeviceID(args[0]), host)
		},
	}
}

func NewWatch(app appProvider) *cobra.Command {
	var onConnect, onDisconnect []string
	cmd := &cobra.Command{
		Use:   "watch <device>",
		Short: "Print link changes of a device and run commands on them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			devices, err := a.devices()
			if err != nil {
				return err
			}
			defer devices.Close()

			return flow.Watch(cmd.Context(), flow.WatchOptions{
				Logger:       a.log.Named("flow"),
				Devices:      devices,
				Device:       models.DeviceID(args[0]),
				OnConnect:    onConnect,
				OnDisconnect: onDisconnect,
				Output:       cmd.OutOrStdout(),
			})
		},
	}
	cmd.Flags().StringArrayVarP(&onConnect, "on-connect-execute", "c", nil, "shell command to run when the device connects")
	cmd.Flags().StringArrayVarP(&onDisconnect, "on-disconnect-execute", "d", nil, "shell command to run when the device disconnects")
	return cmd
}

func parseHost(raw string) (models.HostIndex, error) {
	value, err := strconv.Atoi(raw)
	host := models.HostIndex(value)
	if err != nil || !host.Valid() {
		return 0, &flow.UserError{Message: fmt.Sprintf("host must be a positive number, got %q", raw)}
	}
	return host, nil
}
