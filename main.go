package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cppla/passbook/routes"
	"github.com/cppla/passbook/services"
	"github.com/cppla/passbook/utils"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "passbook",
		Short: "Loyalty pass service for Apple and Google wallets",
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rotateSecretCmd())
	rootCmd.AddCommand(promoteHouseCmd())
	rootCmd.AddCommand(pruneChangesCmd())
	rootCmd.AddCommand(hashPasswordCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	if app.google != nil {
		if err := app.google.EnsureClass(ctx); err != nil {
			// issuing still works once the class exists; do not block boot on it
			utils.Logger.Error("ensure google loyalty class", zap.Error(err))
		}
	}

	if app.dispatcher != nil {
		app.dispatcher.OnDone(func(r *services.PushReport, err error) {
			if r != nil && len(r.Removed) > 0 {
				utils.Logger.Info("dead push registrations removed",
					zap.Uint("member_id", r.MemberID), zap.Strings("devices", r.Removed))
			}
		})
		app.dispatcher.Start(app.cfg.PushWorkers)
	}

	retention := time.Duration(app.cfg.ChangeRetentionDays) * 24 * time.Hour
	waitJanitor := utils.StartJanitor(ctx, utils.JanitorJob{
		Name:     "prune-changes",
		Interval: 6 * time.Hour,
		Run: func(ctx context.Context) error {
			n, err := app.feed.Prune(ctx, time.Now().Add(-retention))
			if err == nil && n > 0 {
				utils.Sugar.Infof("pruned %d change events", n)
			}
			return err
		},
	})

	r := routes.SetupRouter(app.cfg, app.svc)

	utils.Sugar.Infof("Starting server on port %s (graceful)", app.cfg.AppPort)
	err = utils.GraceServer(":"+app.cfg.AppPort, r, func(ctx context.Context) {
		cancel()
		if app.dispatcher != nil {
			if err := app.dispatcher.Stop(ctx); err != nil {
				utils.Logger.Warn("push queue not drained", zap.Error(err))
			}
		}
		waitJanitor()
	})
	if err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func rotateSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-secret <serial>",
		Short: "Issue a new device secret for a pass and notify its devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer app.close()
			if app.dispatcher != nil {
				app.dispatcher.Start(1)
				defer app.dispatcher.Stop(context.Background())
			}

			if _, err := app.svc.RotateAuthSecret(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated secret for %s\n", args[0])
			return nil
		},
	}
}

func promoteHouseCmd() *cobra.Command {
	var demote bool
	cmd := &cobra.Command{
		Use:   "promote-house <email>",
		Short: "Mark a member as a house account, hidden from the leaderboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			role := "house"
			if demote {
				role = "member"
			}
			m, err := app.svc.SetRole(ctx, args[0], role)
			if errors.Is(err, services.ErrMemberNotFound) {
				return fmt.Errorf("no member with email %s", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", m.Email, m.Role)
			return nil
		},
	}
	cmd.Flags().BoolVar(&demote, "demote", false, "turn a house account back into a member")
	return cmd
}

func pruneChangesCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune-changes",
		Short: "Delete old change events, keeping the latest per member",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			if days <= 0 {
				days = app.cfg.ChangeRetentionDays
			}
			n, err := app.feed.Prune(ctx, time.Now().Add(-time.Duration(days)*24*time.Hour))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d change events\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (defaults to CHANGE_RETENTION_DAYS)")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for ADMIN_PASSWORD_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := utils.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
