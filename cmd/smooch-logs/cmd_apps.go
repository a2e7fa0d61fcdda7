package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fivehealth/smooch-logs/internal/session"
)

var appsFlags struct {
	noLogout  bool
	sessionID string
}

func init() {
	rootCmd.AddCommand(appsCmd)
	appsCmd.Flags().BoolVar(&appsFlags.noLogout, "no-logout", false, "keep the session alive when done")
	appsCmd.Flags().StringVar(&appsFlags.sessionID, "session-id", "", "existing console session token to try before logging in")
}

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List the applications of the account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		logger := setupLogging(cfg)

		ctx := context.Background()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		mgr, err := a.sessions(appsFlags.sessionID, appsFlags.noLogout)()
		if err != nil {
			return err
		}

		return mgr.Do(ctx, func(ctx context.Context, s *session.Session) error {
			apps, err := s.Client().ListApps(ctx)
			if err != nil {
				return fmt.Errorf("list apps: %w", err)
			}
			if len(apps) == 0 {
				fmt.Println("No applications found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME")
			for _, app := range apps {
				fmt.Fprintf(w, "%s\t%s\n", app.ID, app.Name)
			}
			return w.Flush()
		})
	},
}
