package main

import (
	"context"

	"github.com/spf13/cobra"

	"kingtg-userbot/internal/adapters/cli"
	"kingtg-userbot/internal/app"
	"kingtg-userbot/internal/domain/commands"
	"kingtg-userbot/internal/domain/plugins"
	"kingtg-userbot/internal/infra/pr"
)

var (
	addPublic bool

	pluginCmd = &cobra.Command{
		Use:     "plugin",
		Aliases: []string{"plugins"},
		Short:   "Manage the plugin catalog",
	}

	pluginListCmd = &cobra.Command{
		Use:   "list",
		Short: "List catalog entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Executor().ListPlugins(ctx)
				if err != nil {
					return err
				}
				cli.PrintPlugins(pr.Stdout(), list)
				return nil
			})
		},
	}

	pluginShowCmd = &cobra.Command{
		Use:   "show <name>",
		Short: "Show a catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Executor().ShowPlugin(ctx, args[0])
				if err != nil {
					return err
				}
				cli.PrintPlugin(pr.Stdout(), res)
				return nil
			})
		},
	}

	pluginAddCmd = &cobra.Command{
		Use:   "add <path>",
		Short: "Register a plugin source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Executor().AddPlugin(ctx, args[0], plugins.RegisterOptions{Public: addPublic})
				if err != nil {
					return err
				}
				pr.Printf("plugin %s registered\n", p.Name)
				return nil
			})
		},
	}

	pluginRemoveCmd = sweepCommand("remove <name>", "Unload a plugin everywhere and delete it",
		func(ctx context.Context, e commands.Executor, name string) (*commands.SweepResult, error) {
			return e.DeletePlugin(ctx, name)
		})

	pluginEnableCmd = sweepCommand("enable <name>", "Clear the disabled flag",
		func(ctx context.Context, e commands.Executor, name string) (*commands.SweepResult, error) {
			return nil, e.EnablePlugin(ctx, name)
		})

	pluginDisableCmd = sweepCommand("disable <name>", "Disable a plugin and unload it for everyone",
		func(ctx context.Context, e commands.Executor, name string) (*commands.SweepResult, error) {
			return e.DisablePlugin(ctx, name)
		})

	pluginPublicCmd = sweepCommand("public <name>", "Make a plugin available to everyone",
		func(ctx context.Context, e commands.Executor, name string) (*commands.SweepResult, error) {
			return e.SetPublic(ctx, name, true)
		})

	pluginPrivateCmd = sweepCommand("private <name>", "Restrict a plugin to its allow-list",
		func(ctx context.Context, e commands.Executor, name string) (*commands.SweepResult, error) {
			return e.SetPublic(ctx, name, false)
		})
)

func init() {
	pluginAddCmd.Flags().BoolVar(&addPublic, "public", false, "make the plugin available to everyone")
	pluginCmd.AddCommand(
		pluginListCmd, pluginShowCmd, pluginAddCmd, pluginRemoveCmd,
		pluginEnableCmd, pluginDisableCmd, pluginPublicCmd, pluginPrivateCmd,
	)
}

// sweepCommand строит подкоманду над одним расширением с выводом итога обхода.
func sweepCommand(use, short string, run func(context.Context, commands.Executor, string) (*commands.SweepResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := run(ctx, a.Executor(), args[0])
				if err != nil {
					return err
				}
				cli.PrintSweep(pr.Stdout(), cmd.Name(), args[0], res)
				return nil
			})
		},
	}
}
