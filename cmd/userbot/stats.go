package main

import (
	"context"

	"github.com/spf13/cobra"

	"kingtg-userbot/internal/adapters/cli"
	"kingtg-userbot/internal/app"
	"kingtg-userbot/internal/infra/pr"
)

var (
	logsLimit int
	logsKind  string

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print service counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Executor().Stats(ctx)
				if err != nil {
					return err
				}
				cli.PrintStats(pr.Stdout(), st)
				return nil
			})
		},
	}

	logsCmd = &cobra.Command{
		Use:   "logs",
		Short: "Print recent journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Executor().Logs(ctx, logsLimit, logsKind)
				if err != nil {
					return err
				}
				cli.PrintLogs(pr.Stdout(), entries)
				return nil
			})
		},
	}
)

func init() {
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 20, "number of entries")
	logsCmd.Flags().StringVar(&logsKind, "kind", "", "only entries of this kind")
}
