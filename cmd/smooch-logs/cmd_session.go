package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fivehealth/smooch-logs/internal/logs"
	"github.com/fivehealth/smooch-logs/internal/types"
)

var sessionIDFlag string

func init() {
	rootCmd.AddCommand(sessionCmd, checkpointCmd)
	sessionCmd.AddCommand(sessionLoginCmd, sessionCheckCmd, sessionLogoutCmd)
	sessionCmd.PersistentFlags().StringVar(&sessionIDFlag, "session-id", "", "session token to use instead of the cached one")
	checkpointCmd.AddCommand(checkpointListCmd, checkpointClearCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the console session",
}

var sessionLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and print the session token",
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

		mgr, err := a.sessions(sessionIDFlag, true)()
		if err != nil {
			return err
		}
		s, err := mgr.Acquire(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, s.Token)
		return nil
	},
}

var sessionCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether the cached session is still valid",
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

		token, err := a.currentToken(ctx, sessionIDFlag)
		if err != nil {
			return err
		}
		if token == "" {
			fmt.Println("No session found.")
			return nil
		}
		if err := a.client.WithToken(token).Me(ctx); err != nil {
			return fmt.Errorf("session for %s is not valid: %w", cfg.Username, err)
		}
		fmt.Fprintf(os.Stdout, "Session for %s is valid.\n", cfg.Username)
		return nil
	},
}

var sessionLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out of the cached session",
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

		token, err := a.currentToken(ctx, sessionIDFlag)
		if err != nil {
			return err
		}
		if token == "" {
			fmt.Println("No session found.")
			return nil
		}
		if err := a.client.WithToken(token).Logout(ctx); err != nil {
			logger.Warn("error while logging out", "error", err)
		}
		if a.tokens != nil {
			if err := a.tokens.Delete(ctx, cfg.Username); err != nil {
				return fmt.Errorf("drop cached session: %w", err)
			}
		}
		fmt.Fprintf(os.Stdout, "Session for %s logged out.\n", cfg.Username)
		return nil
	},
}

// currentToken returns the explicit token, the configured session id or
// the cached token, in that order.
func (a *app) currentToken(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if a.cfg.SessionID != "" {
		return a.cfg.SessionID, nil
	}
	if a.tokens == nil || a.cfg.Username == "" {
		return "", nil
	}
	token, err := a.tokens.Load(ctx, a.cfg.Username)
	if err != nil {
		return "", fmt.Errorf("load cached session: %w", err)
	}
	return token, nil
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage export checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all checkpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		a := &app{cfg: cfg}

		list, err := a.checkpoints().List(context.Background())
		if err != nil {
			return fmt.Errorf("list checkpoints: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No checkpoints found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "APP\tNEWEST\tEVENTS\tUPDATED")
		for _, cp := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				cp.AppID,
				logs.FromUnix(cp.Newest).Format(time.RFC3339),
				cp.Count,
				cp.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear <app|all>",
	Short: "Clear the checkpoint of one application or all of them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := (&app{cfg: cfg}).checkpoints()
		ctx := context.Background()

		if args[0] == "all" {
			list, err := store.List(ctx)
			if err != nil {
				return fmt.Errorf("list checkpoints: %w", err)
			}
			for _, cp := range list {
				if err := store.Delete(ctx, cp.AppID); err != nil {
					return fmt.Errorf("clear checkpoint %s: %w", cp.AppID, err)
				}
			}
			fmt.Println("All checkpoints cleared.")
			return nil
		}

		id := types.AppID(args[0])
		cp, err := store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}
		if cp == nil {
			return fmt.Errorf("checkpoint not found: %s", args[0])
		}
		if err := store.Delete(ctx, id); err != nil {
			return fmt.Errorf("clear checkpoint: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Checkpoint %s cleared.\n", args[0])
		return nil
	},
}
