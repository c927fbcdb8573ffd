package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"kingtg-userbot/internal/adapters/cli"
	"kingtg-userbot/internal/app"
	"kingtg-userbot/internal/infra/pr"
)

var (
	logoutTerminate bool
	logoutKeepData  bool
	connectKeep     bool
	sessionVariant  string
	sessionRemember bool

	userCmd = &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	userBanCmd = &cobra.Command{
		Use:   "ban <user_id> [reason...]",
		Short: "Ban a user, log them out and unload their plugins",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Executor().Ban(ctx, userID, strings.Join(args[1:], " ")); err != nil {
					return err
				}
				pr.Printf("user %d banned\n", userID)
				return nil
			})
		},
	}

	userUnbanCmd = &cobra.Command{
		Use:   "unban <user_id>",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Executor().Unban(ctx, userID); err != nil {
					return err
				}
				pr.Printf("user %d unbanned\n", userID)
				return nil
			})
		},
	}

	userSudoCmd = &cobra.Command{
		Use:       "sudo <user_id> on|off",
		Short:     "Grant or revoke sudo",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			var on bool
			switch args[1] {
			case "on":
				on = true
			case "off":
			default:
				return errors.Errorf("expected on or off, got %q", args[1])
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Executor().SetSudo(ctx, userID, on); err != nil {
					return err
				}
				pr.Printf("user %d sudo=%v\n", userID, on)
				return nil
			})
		},
	}

	userEnableCmd = &cobra.Command{
		Use:   "enable <user_id> <plugin>",
		Short: "Enable a plugin for a user, connecting their client if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				msg, err := a.Executor().EnableUserPlugin(ctx, userID, args[1])
				if err != nil {
					return err
				}
				pr.Printf("user %d: %s\n", userID, msg)
				return nil
			})
		},
	}

	userDisableCmd = &cobra.Command{
		Use:   "disable <user_id> <plugin>",
		Short: "Disable a plugin for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				changed, err := a.Executor().DisableUserPlugin(ctx, userID, args[1])
				if err != nil {
					return err
				}
				if !changed {
					pr.Printf("user %d: %s was not enabled\n", userID, args[1])
					return nil
				}
				pr.Printf("user %d: %s disabled\n", userID, args[1])
				return nil
			})
		},
	}

	userPluginsCmd = &cobra.Command{
		Use:   "plugins <user_id>",
		Short: "Show a user's active, loaded and available plugins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Executor().UserPlugins(ctx, userID)
				if err != nil {
					return err
				}
				cli.PrintUserPlugins(pr.Stdout(), res)
				return nil
			})
		},
	}

	userConnectCmd = &cobra.Command{
		Use:   "connect <user_id>",
		Short: "Bring a user's client up from the stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Executor().ConnectUser(ctx, userID, connectKeep); err != nil {
					return err
				}
				pr.Printf("user %d: connected\n", userID)
				return nil
			})
		},
	}

	userLogoutCmd = &cobra.Command{
		Use:   "logout <user_id>",
		Short: "Log a user out and drop their stored session",
		Long: `logout disconnects the user's client and removes the stored session.
--terminate also ends the session on the Telegram side; --keep-data keeps the
user's plugin sets so they come back on the next login.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Executor().LogoutUser(ctx, userID, logoutTerminate, logoutKeepData); err != nil {
					return err
				}
				pr.Printf("user %d logged out\n", userID)
				return nil
			})
		},
	}

	userSessionCmd = &cobra.Command{
		Use:   "session <user_id> <session_string>",
		Short: "Log a user in with an existing session string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Executor().LoginUserSession(ctx, userID, args[1], sessionVariant, sessionRemember)
				if err != nil {
					return err
				}
				cli.PrintLogin(pr.Stdout(), res)
				return nil
			})
		},
	}
)

func init() {
	userLogoutCmd.Flags().BoolVar(&logoutTerminate, "terminate", false, "also log out on the Telegram side")
	userLogoutCmd.Flags().BoolVar(&logoutKeepData, "keep-data", false, "keep plugin sets for the next login")
	userConnectCmd.Flags().BoolVar(&connectKeep, "keep-alive", false, "move the user to always-on")
	userSessionCmd.Flags().StringVar(&sessionVariant, "variant", "", "session format (default gotd)")
	userSessionCmd.Flags().BoolVar(&sessionRemember, "remember", true, "persist the session for restarts")

	userCmd.AddCommand(userBanCmd, userUnbanCmd, userSudoCmd,
		userEnableCmd, userDisableCmd, userPluginsCmd, userConnectCmd, userLogoutCmd, userSessionCmd)
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid user id %q", raw)
	}
	return id, nil
}
