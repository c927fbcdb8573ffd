// Package app — верхний уровень сборки сервиса: конфигурация, хранилище, MTProto-кэш,
// фабрики клиентов, реестр и каталог расширений, бот, менеджер сессий и
// административные команды. Runner запускает собранное через lifecycle и
// останавливает в обратном порядке.
package app

import (
	"context"
	"io"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/adapters/botapi"
	"kingtg-userbot/internal/adapters/interp"
	"kingtg-userbot/internal/adapters/telegram/core"
	"kingtg-userbot/internal/domain/accounts"
	"kingtg-userbot/internal/domain/audit"
	"kingtg-userbot/internal/domain/commands"
	"kingtg-userbot/internal/domain/plugins"
	"kingtg-userbot/internal/domain/session"
	"kingtg-userbot/internal/infra/clock"
	"kingtg-userbot/internal/infra/config"
	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/internal/infra/store"
	"kingtg-userbot/internal/infra/telegram/peersmgr"
)

// installMaxElapsed ограничивает повторы клонирования одного репозитория зависимостей.
const installMaxElapsed = 2 * time.Minute

// App агрегирует зависимости сервиса. Собирается целиком в New; фоновые циклы
// не запускаются до Runner.Run, поэтому одноразовые CLI-команды используют App напрямую.
type App struct {
	env config.EnvConfig

	store    *store.Store
	mtproto  *peersmgr.Cache
	bot      *botapi.Client
	registry *plugins.Registry
	catalog  *plugins.Catalog
	audit    *audit.Log
	sessions *session.Manager
	accounts *accounts.Service
	executor *commands.CommandExecutor

	log *zap.Logger
}

// New собирает сервис по снимку конфигурации. Ошибка открытия хранилищ фатальна;
// открытые к этому моменту ресурсы закрываются.
func New(env config.EnvConfig) (_ *App, err error) {
	a := &App{env: env, log: logger.Named("app")}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = store.Open(env.DBFile)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	a.mtproto, err = peersmgr.Open(env.MTProtoFile)
	if err != nil {
		return nil, errors.Wrap(err, "open mtproto cache")
	}

	coreCfg := core.Config{
		AppID:   env.APIID,
		AppHash: env.APIHash,
		TestDC:  env.TestDC,
		RPS:     env.ThrottleRPS,
	}
	factory := core.NewFactory(coreCfg, a.mtproto)
	loginFactory := core.NewLoginFactory(coreCfg)

	a.bot = botapi.New(botapi.Options{
		Token:  env.BotToken,
		TestDC: env.TestDC,
		RPS:    env.ThrottleRPS,
		Burst:  env.ThrottleBurst,
	})

	loader := interp.NewLoader(env.PluginsGoPath, pluginOutput())
	a.registry = plugins.NewRegistry(a.store, plugins.Options{
		Dir:         env.PluginsDir,
		MaxAttempts: env.PluginInstallAttempts,
		Loader: plugins.LoaderFunc(func(ctx context.Context, name string, src []byte) (plugins.Module, error) {
			mod, errLoad := loader.Load(ctx, name, src)
			if errLoad != nil {
				return nil, errLoad
			}
			return mod, nil
		}),
		Resolver:  interp.NewResolver(env.PluginsGoPath),
		Installer: interp.NewGoPathInstaller(env.PluginsGoPath, installMaxElapsed),
	})

	clk := clock.Real{}
	a.catalog = plugins.NewCatalog(a.store, a.registry, env.PluginsDir, clk)
	a.audit = audit.New(a.store, a.bot, env.LogChannel, clk)

	a.sessions = session.NewManager(a.store, factory, a.registry, session.Options{
		OnDemandTimeout:      env.OnDemandTimeout(),
		CleanupInterval:      env.CleanupInterval(),
		ConfirmInterval:      env.ConfirmInterval(),
		ConfirmWait:          env.ConfirmWait(),
		ConfirmCheckInterval: env.ConfirmCheckInterval(),
		WatchdogInterval:     env.WatchdogInterval(),
		RestoreConcurrency:   env.RestoreConcurrency,
		AlwaysOnDefaults:     env.AlwaysOnDefaults,
		Clock:                clk,
		Messenger:            a.bot,
		OnTerminated:         a.onTerminated,
		LoginFactory:         loginFactory,
	})

	a.accounts = accounts.New(a.store, accounts.Options{
		OwnerID:      env.OwnerID,
		SyncInterval: env.SyncInterval(),
		Retention:    env.DeletedRetention(),
		Clock:        clk,
		Lookup:       a.bot,
		Sessions:     a.sessions,
		Audit:        a.audit,
	})

	a.executor = commands.NewExecutor(commands.Deps{
		Catalog:  a.catalog,
		Users:    a.store,
		Sessions: a.sessions,
		Loaded:   a.registry,
		Accounts: a.accounts,
		Audit:    a.audit,
		Actor:    env.OwnerID,
	})
	return a, nil
}

// onTerminated фиксирует в журнале сессию, отозванную на стороне Telegram.
func (a *App) onTerminated(ctx context.Context, userID int64) {
	a.audit.SendLog(ctx, audit.KindLogout, "Session terminated, credential is no longer valid", userID)
}

// Executor возвращает исполнитель административных команд.
func (a *App) Executor() commands.Executor { return a.executor }

// Sessions возвращает менеджер сессий.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Accounts возвращает сервис пользователей.
func (a *App) Accounts() *accounts.Service { return a.accounts }

// Close освобождает хранилища. Для собранного, но не запущенного App.
func (a *App) Close() {
	if a.mtproto != nil {
		if err := a.mtproto.Close(); err != nil {
			a.log.Error("Failed to close mtproto cache", zap.Error(err))
		}
		a.mtproto = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("Failed to close store", zap.Error(err))
		}
		a.store = nil
	}
}

// pluginOutput направляет stdout/stderr расширений в лог.
func pluginOutput() io.Writer {
	return zap.NewStdLog(logger.Named("plugin.out")).Writer()
}
