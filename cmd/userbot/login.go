package main

import (
	"context"

	"github.com/spf13/cobra"

	"kingtg-userbot/internal/adapters/telegram/auth"
	"kingtg-userbot/internal/app"
	"kingtg-userbot/internal/infra/pr"
)

var (
	loginRemember bool

	loginCmd = &cobra.Command{
		Use:   "login <user_id> [phone]",
		Short: "Log a user's Telegram account in from this terminal",
		Long: `login runs the phone login for the given user id: it sends a code to the
Telegram app of the phone, asks for the code and, if enabled, the 2FA password.
The resulting session is stored for the user unless --remember=false.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			var phone string
			if len(args) > 1 {
				phone = args[1]
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.Accounts().Register(ctx, userID, "", ""); err != nil {
					return err
				}
				term := auth.Terminal{
					Logins:   a.Sessions(),
					In:       terminalPrompter{},
					Remember: loginRemember,
					Notice:   func(format string, vals ...any) { pr.Printf(format+"\n", vals...) },
				}
				ident, err := term.Login(ctx, userID, phone)
				if err != nil {
					return err
				}
				pr.Printf("Logged in as %s (@%s, id %d)\n", ident.FirstName, ident.Username, ident.ID)
				return nil
			})
		},
	}
)

func init() {
	loginCmd.Flags().BoolVar(&loginRemember, "remember", true, "persist the session for restarts")
}

// terminalPrompter читает ответы оператора через консоль pr.
type terminalPrompter struct{}

func (terminalPrompter) ReadLine(prompt string) (string, error)   { return pr.ReadLine(prompt) }
func (terminalPrompter) ReadSecret(prompt string) (string, error) { return pr.ReadSecret(prompt) }
