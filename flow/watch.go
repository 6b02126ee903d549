package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"go.uber.org/zap"

	"flowkvm/hidpp"
	"flowkvm/models"
)

// WatchOptions configures Watch.
type WatchOptions struct {
	Logger       *zap.Logger
	Devices      DeviceAccess
	Device       models.DeviceID
	OnConnect    []string
	OnDisconnect []string
	Output       io.Writer

	runFn func(ctx context.Context, command string, out io.Writer) error
}

func (o WatchOptions) withDefaults() WatchOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Output == nil {
		out.Output = io.Discard
	}
	if out.runFn == nil {
		out.runFn = runShell
	}
	return out
}

// Watch prints link changes of one device and runs the matching shell
// commands until ctx ends.
func Watch(ctx context.Context, opts WatchOptions) error {
	opts = opts.withDefaults()
	if opts.Devices == nil {
		return errors.New("device access is required")
	}

	dev, err := lookup(opts.Devices, opts.Device)
	if err != nil {
		return err
	}

	fmt.Fprintf(opts.Output, "Listening for connection events for %s\n", dev.ID)
	fmt.Fprintln(opts.Output, "Press CTRL+C to exit")

	err = opts.Devices.Subscribe(ctx, dev.ReceiverID, func(n models.Notification) {
		if n.DeviceIndex != dev.Index {
			return
		}
		link, ok := hidpp.DecodeLinkNotification(n)
		if !ok {
			return
		}

		commands := opts.OnDisconnect
		if link.Connected() {
			fmt.Fprintln(opts.Output, "Device connected")
			commands = opts.OnConnect
		} else {
			fmt.Fprintln(opts.Output, "Device disconnected")
		}

		for _, command := range commands {
			if err := opts.runFn(ctx, command, opts.Output); err != nil {
				opts.Logger.Warn("command failed", zap.String("command", command), zap.Error(err))
				fmt.Fprintf(opts.Output, "Command %q failed: %v\n", command, err)
				continue
			}
			fmt.Fprintf(opts.Output, "Executed %q\n", command)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to receiver %s: %w", dev.ReceiverID, err)
	}

	<-ctx.Done()
	return nil
}

func runShell(ctx context.Context, command string, out io.Writer) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}
