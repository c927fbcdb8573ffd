package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kingtg-userbot/internal/app"
	"kingtg-userbot/internal/infra/config"
	"kingtg-userbot/internal/infra/logger"
)

var (
	noConsole bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the service until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().BoolVar(&noConsole, "no-console", false, "do not start the interactive admin console")
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Контекст с обработкой Ctrl+C/SIGTERM; stop передаётся консоли для команды exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(config.Env())
	if err != nil {
		logger.Error("App init failed", zap.Error(err))
		return err
	}

	runner := app.NewRunner(a, app.RunOptions{Console: !noConsole})
	if err := runner.Run(ctx, stop); err != nil {
		logger.Error("App run failed", zap.Error(err))
		return err
	}
	logger.Info("Graceful shutdown complete")
	return nil
}
