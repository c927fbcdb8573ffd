package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kingtg-userbot/internal/app"
	"kingtg-userbot/internal/infra/config"
	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/internal/infra/pr"
)

// shutdownGrace — сколько одноразовая команда ждёт отключения поднятых ею клиентов.
const shutdownGrace = 10 * time.Second

var (
	// envPath — расположение .env с секретами и общими настройками.
	envPath string

	rootCmd = &cobra.Command{
		Use:   "userbot",
		Short: "Multi-tenant Telegram userbot hub",
		Long: `userbot hosts Telegram userbot sessions for many users behind one bot,
loads their Go plugins on demand and keeps always-on plugins running.

Without a subcommand it runs the service (same as "serve").
One-shot commands open the same database and must not run next to a live service.`,
		SilenceUsage:      true,
		PersistentPreRunE: bootstrap,
		RunE:              runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "assets/.env", "path to .env file")
	rootCmd.AddCommand(serveCmd, pluginCmd, userCmd, loginCmd, statsCmd, logsCmd)
}

// bootstrap выполняется перед любой командой: консоль, конфигурация, логгер.
func bootstrap(_ *cobra.Command, _ []string) error {
	if err := pr.Init(); err != nil {
		// Без терминала (контейнер, systemd) работаем с обычными stdout/stderr.
		pr.SetOutput(os.Stdout, os.Stderr)
	}

	if err := config.Load(envPath); err != nil {
		return errors.Wrap(err, "load config")
	}
	env := config.Env()
	time.Local = config.AppLocation //nolint:reassign // процесс работает в часовой зоне приложения

	logger.Init(env.LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	if env.LogFile != "" {
		logger.EnableFile(logger.FileOptions{
			Path:       env.LogFile,
			Level:      env.LogFileLevel,
			MaxSizeMB:  env.LogFileMaxSize,
			MaxBackups: env.LogFileMaxBackups,
			MaxAgeDays: env.LogFileMaxAge,
			Compress:   env.LogFileCompress,
		})
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}
	return nil
}

// withApp собирает сервис без фоновых циклов, выполняет fn и всё освобождает.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(config.Env())
	if err != nil {
		return err
	}
	defer a.Close()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if errStop := a.Sessions().Shutdown(shutdownCtx); errStop != nil {
			logger.Warn("Session shutdown failed", zap.Error(errStop))
		}
	}()
	return fn(ctx, a)
}
