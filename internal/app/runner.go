package app

import (
	"context"
	"fmt"
	"os"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/term"

	"kingtg-userbot/internal/adapters/botapi"
	"kingtg-userbot/internal/adapters/cli"
	"kingtg-userbot/internal/adapters/web"
	"kingtg-userbot/internal/domain/audit"
	"kingtg-userbot/internal/domain/plugins"
	"kingtg-userbot/internal/infra/lifecycle"
	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/internal/infra/metrics"
	"kingtg-userbot/internal/infra/pr"
)

// Имена узлов lifecycle.
const (
	nodeStore    = "store"
	nodeSessions = "sessions"
	nodeAccounts = "accounts"
	nodePoller   = "bot_poller"
	nodeWatcher  = "plugin_watcher"
	nodeMetrics  = "metrics"
	nodeWeb      = "web"
	nodeConsole  = "console"
)

// RunOptions — что поднимать помимо ядра.
type RunOptions struct {
	// Console включает интерактивную консоль администратора, если stdin — терминал.
	Console bool
}

// Runner поднимает узлы сервиса в порядке зависимостей и гасит их в обратном.
type Runner struct {
	app  *App
	opts RunOptions
	lc   *lifecycle.Manager
	log  *zap.Logger
}

// NewRunner готовит запуск собранного App.
func NewRunner(a *App, opts RunOptions) *Runner {
	return &Runner{app: a, opts: opts, log: logger.Named("runner")}
}

// Run запускает сервис и блокируется до отмены ctx. stop позволяет узлам (консоль)
// инициировать общий shutdown.
func (r *Runner) Run(ctx context.Context, stop context.CancelFunc) error {
	r.lc = lifecycle.New(ctx)
	if err := r.register(stop); err != nil {
		return err
	}

	r.log.Info("Userbot hub starting", zap.Strings("order", r.lc.StartOrder()))
	if err := r.lc.StartAll(); err != nil {
		r.log.Error("Startup failed, shutting down", zap.Error(err))
		if errStop := r.lc.Shutdown(); errStop != nil {
			r.log.Error("Shutdown after failed start", zap.Error(errStop))
		}
		return err
	}
	r.app.audit.SendLog(ctx, audit.KindSystem, "Userbot hub started", 0)
	r.log.Info("Userbot hub running")

	<-ctx.Done()
	r.log.Info("Shutdown signal received, stopping services...")
	return r.lc.Shutdown()
}

func (r *Runner) register(stop context.CancelFunc) error {
	a := r.app
	env := a.env

	nodes := []lifecycle.Node{
		{
			Name: nodeStore,
			Start: func(ctx context.Context) (context.Context, error) {
				return nil, a.store.Ping()
			},
			Stop: func(context.Context) error {
				a.Close()
				return nil
			},
		},
		{
			Name: nodeSessions,
			Deps: []string{nodeStore},
			Start: func(ctx context.Context) (context.Context, error) {
				res, err := a.sessions.Restore(ctx)
				if err != nil {
					return nil, errors.Wrap(err, "restore sessions")
				}
				r.log.Info("Sessions restored",
					zap.Int("restored", res.Restored),
					zap.Int("cached", res.Cached),
					zap.Int("failed", res.Failed))
				return nil, a.sessions.Start(ctx)
			},
			Stop: func(ctx context.Context) error {
				return a.sessions.Shutdown(context.WithoutCancel(ctx))
			},
		},
		{
			Name: nodeAccounts,
			Deps: []string{nodeSessions},
			Start: func(ctx context.Context) (context.Context, error) {
				a.accounts.Start(ctx)
				return nil, nil
			},
			Stop: func(context.Context) error {
				a.accounts.Stop()
				return nil
			},
		},
	}

	poller := botapi.NewPoller(a.bot, a.sessions)
	nodes = append(nodes, lifecycle.Node{
		Name: nodePoller,
		Deps: []string{nodeSessions},
		Start: func(ctx context.Context) (context.Context, error) {
			poller.Start(ctx)
			return nil, nil
		},
		Stop: func(context.Context) error {
			poller.Stop()
			return nil
		},
	})

	if env.WatchPlugins {
		watcher := plugins.NewWatcher(a.catalog, plugins.RegisterOptions{AddedBy: env.OwnerID}, a.executor.OnSourceChanged, 0)
		nodes = append(nodes, lifecycle.Node{
			Name: nodeWatcher,
			Deps: []string{nodeSessions},
			Start: func(ctx context.Context) (context.Context, error) {
				if err := os.MkdirAll(env.PluginsDir, 0o755); err != nil {
					return nil, errors.Wrap(err, "create plugins dir")
				}
				return nil, watcher.Start(ctx)
			},
			Stop: func(context.Context) error {
				watcher.Stop()
				return nil
			},
		})
	}

	if env.MetricsAddress != "" {
		srv := metrics.NewServer(env.MetricsAddress,
			map[string]metrics.Check{"sessions": r.lc.Check(nodeSessions)},
			map[string]metrics.Check{"store": a.store.Ping, "accounts": r.lc.Check(nodeAccounts)},
		)
		nodes = append(nodes, lifecycle.Node{
			Name: nodeMetrics,
			Deps: []string{nodeStore},
			Start: func(ctx context.Context) (context.Context, error) {
				return nil, srv.Start(ctx)
			},
			Stop: srv.Shutdown,
		})
	}

	if env.WebAddress != "" {
		srv := web.NewServer(a.executor, web.Options{Addr: env.WebAddress, PublicURL: env.WebPublicURL})
		nodes = append(nodes, lifecycle.Node{
			Name: nodeWeb,
			Deps: []string{nodeSessions},
			Start: func(ctx context.Context) (context.Context, error) {
				if err := srv.Start(ctx); err != nil {
					return nil, err
				}
				r.sendWebLogin(ctx, srv.LoginURL())
				return nil, nil
			},
			Stop: srv.Shutdown,
		})
	}

	if r.opts.Console && term.IsTerminal(int(os.Stdin.Fd())) {
		console := cli.NewService(a.executor, stop, pr.Stdout())
		nodes = append(nodes, lifecycle.Node{
			Name: nodeConsole,
			Deps: []string{nodeSessions},
			Start: func(ctx context.Context) (context.Context, error) {
				console.Start(ctx)
				return nil, nil
			},
			Stop: func(context.Context) error {
				console.Stop()
				return nil
			},
		})
	}

	for _, n := range nodes {
		if err := r.lc.Register(n); err != nil {
			return err
		}
	}
	return nil
}

// sendWebLogin присылает владельцу одноразовую ссылку входа в панель.
func (r *Runner) sendWebLogin(ctx context.Context, link string) {
	text := fmt.Sprintf("🌐 <b>Admin panel</b>\n\n<a href=\"%s\">Open the panel</a>. The link works once.", link)
	if err := r.app.bot.SendMessage(ctx, r.app.env.OwnerID, text, nil); err != nil {
		r.log.Warn("Failed to send web login link", zap.Error(err))
	}
}
