package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowkvm/flow"
	"flowkvm/storage"
)

// openStore opens the server database for an administrative command.
func openStore(a *app) (*storage.Store, func(), error) {
	store, _, err := storage.Open(a.cfg.Paths.DatabaseDir, storage.Options{
		Logger:             a.log.Named("storage"),
		Retention:          a.cfg.EventRetention,
		CheckpointInterval: -1,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			a.log.Warn("close database", zap.Error(err))
		}
	}, nil
}

func NewTokens(app appProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage the tokens issued to paired flow clients",
	}
	cmd.AddCommand(newTokensList(app), newTokensRevoke(app))
	return cmd
}

func newTokensList(app appProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paired clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, done, err := openStore(app())
			if err != nil {
				return err
			}
			defer done()

			tokens, err := store.ListAuthTokens()
			if err != nil {
				return err
			}
			if len(tokens) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No paired clients.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPAIRED\tLAST USED")
			for _, token := range tokens {
				lastUsed := "never"
				if token.LastUsedAt != nil {
					lastUsed = formatMillis(*token.LastUsedAt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", token.Name, formatMillis(token.UpdatedAt), lastUsed)
			}
			return w.Flush()
		},
	}
}

func newTokensRevoke(app appProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <name>",
		Short: "Revoke the token of a paired client; it has to pair again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			store, done, err := openStore(a)
			if err != nil {
				return err
			}
			defer done()

			name := args[0]
			if err := store.DeleteAuthToken(name); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return &flow.UserError{Message: fmt.Sprintf("no client named %q is paired", name), Err: err}
				}
				return err
			}

			details, _ := json.Marshal(map[string]string{"source": "cli"})
			if err := store.LogSecurityEvent(storage.SecurityEvent{
				EventType: storage.SecurityEventTokenRevoked,
				PeerName:  &name,
				Details:   string(details),
				Severity:  storage.SecuritySeverityWarning,
			}); err != nil {
				a.log.Warn("log token revocation", zap.Error(err))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Revoked the token of %q.\n", name)
			return nil
		},
	}
}

func NewSecurityEvents(app appProvider) *cobra.Command {
	var (
		filter storage.SecurityEventFilter
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "security-events",
		Short: "Show pairing and authentication events recorded by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, done, err := openStore(app())
			if err != nil {
				return err
			}
			defer done()

			if since > 0 {
				from := time.Now().Add(-since).UnixMilli()
				filter.FromTimestamp = &from
			}
			events, err := store.GetSecurityEvents(filter)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No security events.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tSEVERITY\tCLIENT\tADDRESS\tDETAILS")
			for _, event := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					formatMillis(event.Timestamp), event.EventType, event.Severity,
					orDash(event.PeerName), orDash(event.RemoteAddr), event.Details)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.EventType, "type", "", "only show events of this type")
	cmd.Flags().StringVar(&filter.PeerName, "client", "", "only show events of this client")
	cmd.Flags().StringVar(&filter.Severity, "severity", "", "only show events of this severity (info, warning, critical)")
	cmd.Flags().DurationVar(&since, "since", 0, "only show events newer than this")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum number of events")
	return cmd
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format(time.DateTime)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
