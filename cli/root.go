package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowkvm/config"
	"flowkvm/hidpp"
)

// Main runs the flowkvm command line with the given arguments and streams.
func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	cmd := NewRootCmd(errOut)
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type app struct {
	dataDir string
	verbose bool

	cfg     *config.Config
	cfgPath string
	log     *zap.Logger
}

type appProvider func() *app

// devices opens the HID++ device access layer.
func (a *app) devices() (*hidpp.Manager, error) {
	return hidpp.NewManager(hidpp.Options{Logger: a.log.Named("hidpp")})
}

// NewRootCmd builds the command tree. Logs go to logOut.
func NewRootCmd(logOut io.Writer) *cobra.Command {
	a := &app{}
	provider := func() *app { return a }

	rootCmd := &cobra.Command{
		Use:           "flowkvm",
		Short:         "Share one Logitech Flow mouse and keyboard across computers",
		Long:          `flowkvm keeps follower devices on the same host as a leader device by relaying host changes between computers over an authenticated HTTPS link.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (default: per-user config directory)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		if a.dataDir != "" {
			a.cfg, a.cfgPath, err = config.LoadOrCreateIn(a.dataDir)
		} else {
			a.cfg, a.cfgPath, err = config.LoadOrCreate()
		}
		if err != nil {
			return err
		}
		a.log = newLogger(logOut, a.verbose)
		a.log.Debug("configuration loaded", zap.String("path", a.cfgPath))
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if a.log != nil {
			_ = a.log.Sync()
		}
	}

	rootCmd.AddCommand(NewListDevices(provider))
	rootCmd.AddCommand(NewSwitchToHost(provider))
	rootCmd.AddCommand(NewWatch(provider))
	rootCmd.AddCommand(NewFlowServer(provider))
	rootCmd.AddCommand(NewFlowClient(provider))
	rootCmd.AddCommand(NewPair(provider))
	rootCmd.AddCommand(NewClipboard(provider))
	rootCmd.AddCommand(NewForget(provider))
	rootCmd.AddCommand(NewTokens(provider))
	rootCmd.AddCommand(NewSecurityEvents(provider))
	return rootCmd
}
