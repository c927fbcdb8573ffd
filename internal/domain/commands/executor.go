package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kingtg-userbot/internal/domain/accounts"
	"kingtg-userbot/internal/domain/audit"
	"kingtg-userbot/internal/domain/plugins"
	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/session"
	"kingtg-userbot/internal/domain/userbot"
	"kingtg-userbot/internal/infra/logger"
)

// sweepLimit — сколько пользователей обходится одновременно.
const sweepLimit = 8

// Sessions — операции движка клиентов, нужные командам.
type Sessions interface {
	EnablePlugin(ctx context.Context, userID int64, name string) (string, error)
	DisablePlugin(ctx context.Context, userID int64, name string) (bool, error)
	GetOrCreateClient(ctx context.Context, userID int64, keepAlive bool) (userbot.Client, error)
	Client(userID int64) (userbot.Client, bool)
	Touch(userID int64)
	LoginWithSession(ctx context.Context, userID int64, blob, variant string, remember bool) session.LoginResult
	Logout(ctx context.Context, userID int64, terminate, keepData bool) error
	IsAlwaysOn(userID int64) bool
	AlwaysOnPlugins(userID int64) []string
	Stats() session.Stats
}

// Loaded — сведения о загруженных экземплярах.
type Loaded interface {
	Users(name string) []int64
	Active(userID int64) []string
	Loaded() int
}

// Accounts — операции над пользователями.
type Accounts interface {
	Ban(ctx context.Context, userID int64, reason string, by int64) error
	Unban(ctx context.Context, userID int64, by int64) error
	SetSudo(ctx context.Context, userID int64, sudo bool, by int64) error
	CheckAccess(ctx context.Context, userID int64) error
	Stats(ctx context.Context) (accounts.UserStats, error)
}

// Auditor — журнал событий.
type Auditor interface {
	SendLog(ctx context.Context, kind, message string, userID int64)
	Recent(ctx context.Context, limit int, kind string) ([]records.LogEntry, error)
}

// Deps — зависимости исполнителя. Loaded и Audit могут быть nil.
type Deps struct {
	Catalog  *plugins.Catalog
	Users    records.UserStore
	Sessions Sessions
	Loaded   Loaded
	Accounts Accounts
	Audit    Auditor
	// Actor — от чьего имени выполняются команды (владелец).
	Actor int64
}

// CommandExecutor - реализация интерфейса Executor
type CommandExecutor struct {
	deps Deps
	log  *zap.Logger
}

var _ Executor = (*CommandExecutor)(nil)

// NewExecutor создает новый экземпляр CommandExecutor
func NewExecutor(deps Deps) *CommandExecutor {
	return &CommandExecutor{deps: deps, log: logger.Named("commands")}
}

// ListPlugins возвращает все записи каталога
func (e *CommandExecutor) ListPlugins(ctx context.Context) ([]records.Plugin, error) {
	return e.deps.Catalog.List(ctx)
}

// ShowPlugin возвращает запись и пользователей с загруженным расширением
func (e *CommandExecutor) ShowPlugin(ctx context.Context, name string) (*PluginResult, error) {
	p, err := e.deps.Catalog.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	res := &PluginResult{Plugin: p, Loaded: []int64{}}
	if e.deps.Loaded != nil {
		res.Loaded = e.deps.Loaded.Users(p.Name)
	}
	return res, nil
}

// AddPlugin регистрирует расширение из файла path
func (e *CommandExecutor) AddPlugin(ctx context.Context, path string, opts plugins.RegisterOptions) (records.Plugin, error) {
	if opts.AddedBy == 0 {
		opts.AddedBy = e.deps.Actor
	}
	p, err := e.deps.Catalog.Register(ctx, path, opts)
	if err != nil {
		return records.Plugin{}, err
	}
	e.audit(ctx, fmt.Sprintf("Plugin added: %s (%s)", p.Name, strings.Join(p.Commands, ", ")))
	return p, nil
}

// DeletePlugin выгружает расширение у всех пользователей, затем удаляет файл и запись
func (e *CommandExecutor) DeletePlugin(ctx context.Context, name string) (*SweepResult, error) {
	p, err := e.deps.Catalog.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	res, err := e.sweep(ctx, p.Name, func(int64) bool { return true })
	if err != nil {
		return nil, err
	}
	if err := e.deps.Catalog.Unregister(ctx, p.Name); err != nil {
		return res, err
	}
	e.audit(ctx, fmt.Sprintf("Plugin deleted: %s, unloaded for %d users", p.Name, res.Affected))
	return res, nil
}

// EnablePlugin снимает флаг disabled. Пользователи включают расширение сами.
func (e *CommandExecutor) EnablePlugin(ctx context.Context, name string) error {
	p, err := e.deps.Catalog.Update(ctx, name, func(p *records.Plugin) { p.Disabled = false })
	if err != nil {
		return err
	}
	e.audit(ctx, "Plugin enabled: "+p.Name)
	return nil
}

// DisablePlugin ставит флаг disabled и выгружает расширение у всех
func (e *CommandExecutor) DisablePlugin(ctx context.Context, name string) (*SweepResult, error) {
	p, err := e.deps.Catalog.Update(ctx, name, func(p *records.Plugin) { p.Disabled = true })
	if err != nil {
		return nil, err
	}
	res, err := e.sweep(ctx, p.Name, func(int64) bool { return true })
	if err != nil {
		return nil, err
	}
	e.audit(ctx, fmt.Sprintf("Plugin disabled: %s, unloaded for %d users", p.Name, res.Affected))
	return res, nil
}

// SetPublic переключает видимость расширения
func (e *CommandExecutor) SetPublic(ctx context.Context, name string, public bool) (*SweepResult, error) {
	p, err := e.deps.Catalog.Update(ctx, name, func(p *records.Plugin) { p.Public = public })
	if err != nil {
		return nil, err
	}
	res := &SweepResult{}
	if !public {
		res, err = e.sweep(ctx, p.Name, func(id int64) bool { return !p.Accessible(id) })
		if err != nil {
			return nil, err
		}
	}
	mode := "private"
	if public {
		mode = "public"
	}
	e.audit(ctx, fmt.Sprintf("Plugin %s is now %s", p.Name, mode))
	return res, nil
}

// AllowUser добавляет пользователя в allow-list
func (e *CommandExecutor) AllowUser(ctx context.Context, name string, userID int64) error {
	p, err := e.deps.Catalog.Update(ctx, name, func(p *records.Plugin) {
		if !slices.Contains(p.AllowedUsers, userID) {
			p.AllowedUsers = append(p.AllowedUsers, userID)
		}
	})
	if err != nil {
		return err
	}
	e.audit(ctx, fmt.Sprintf("User %d allowed to use %s", userID, p.Name))
	return nil
}

// RevokeUser убирает пользователя из allow-list; у закрытого расширения выгружает его
func (e *CommandExecutor) RevokeUser(ctx context.Context, name string, userID int64) (*SweepResult, error) {
	p, err := e.deps.Catalog.Update(ctx, name, func(p *records.Plugin) {
		p.AllowedUsers = slices.DeleteFunc(p.AllowedUsers, func(id int64) bool { return id == userID })
	})
	if err != nil {
		return nil, err
	}
	res, err := e.sweep(ctx, p.Name, func(id int64) bool { return id == userID && !p.Accessible(id) })
	if err != nil {
		return nil, err
	}
	e.audit(ctx, fmt.Sprintf("User %d no longer allowed to use %s", userID, p.Name))
	return res, nil
}

// RestrictUser добавляет пользователя в deny-list и выгружает у него расширение
func (e *CommandExecutor) RestrictUser(ctx context.Context, name string, userID int64) (*SweepResult, error) {
	p, err := e.deps.Catalog.Update(ctx, name, func(p *records.Plugin) {
		if !slices.Contains(p.RestrictedUsers, userID) {
			p.RestrictedUsers = append(p.RestrictedUsers, userID)
		}
	})
	if err != nil {
		return nil, err
	}
	res, err := e.sweep(ctx, p.Name, func(id int64) bool { return id == userID })
	if err != nil {
		return nil, err
	}
	e.audit(ctx, fmt.Sprintf("User %d restricted from %s", userID, p.Name))
	return res, nil
}

// UnrestrictUser убирает пользователя из deny-list
func (e *CommandExecutor) UnrestrictUser(ctx context.Context, name string, userID int64) error {
	p, err := e.deps.Catalog.Update(ctx, name, func(p *records.Plugin) {
		p.RestrictedUsers = slices.DeleteFunc(p.RestrictedUsers, func(id int64) bool { return id == userID })
	})
	if err != nil {
		return err
	}
	e.audit(ctx, fmt.Sprintf("User %d unrestricted for %s", userID, p.Name))
	return nil
}

// SetForceActive ставит флаг force_active. Включение активирует расширение у всех
// вошедших пользователей, которым оно доступно; выключение только снимает флаг.
func (e *CommandExecutor) SetForceActive(ctx context.Context, name string, on bool) (*SweepResult, error) {
	p, err := e.deps.Catalog.Update(ctx, name, func(p *records.Plugin) { p.ForceActive = on })
	if err != nil {
		return nil, err
	}
	res := &SweepResult{}
	if !on {
		e.audit(ctx, "Force-active cleared: "+p.Name)
		return res, nil
	}
	if p.Disabled {
		return nil, errors.Wrapf(plugins.ErrDisabled, "%q", p.Name)
	}

	users, err := e.deps.Users.GetLoggedInUsers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list logged in users")
	}
	var affected, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepLimit)
	for _, u := range users {
		if !p.Accessible(u.ID) || slices.Contains(u.ActivePlugins, p.Name) {
			continue
		}
		if e.deps.Accounts != nil && e.deps.Accounts.CheckAccess(ctx, u.ID) != nil {
			continue
		}
		g.Go(func() error {
			if _, err := e.deps.Sessions.EnablePlugin(gctx, u.ID, p.Name); err != nil {
				failed.Add(1)
				e.log.Warn("Force activation failed",
					zap.Int64("user_id", u.ID), zap.String("plugin", p.Name), zap.Error(err))
				return nil
			}
			affected.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Affected, res.Failed = int(affected.Load()), int(failed.Load())
	e.audit(ctx, fmt.Sprintf("Plugin %s force-activated for %d users", p.Name, res.Affected))
	return res, nil
}

// ReloadPlugin выгружает и заново загружает расширение у пользователей, у которых
// оно загружено сейчас. Используется после правки файла исходника.
func (e *CommandExecutor) ReloadPlugin(ctx context.Context, name string) (*SweepResult, error) {
	p, err := e.deps.Catalog.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	res := &SweepResult{}
	if e.deps.Loaded == nil {
		return res, nil
	}
	var affected, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepLimit)
	for _, userID := range e.deps.Loaded.Users(p.Name) {
		g.Go(func() error {
			if _, err := e.deps.Sessions.DisablePlugin(gctx, userID, p.Name); err != nil {
				failed.Add(1)
				e.log.Warn("Reload unload failed", zap.Int64("user_id", userID), zap.String("plugin", p.Name), zap.Error(err))
				return nil
			}
			if _, err := e.deps.Sessions.EnablePlugin(gctx, userID, p.Name); err != nil {
				failed.Add(1)
				e.log.Warn("Reload load failed", zap.Int64("user_id", userID), zap.String("plugin", p.Name), zap.Error(err))
				return nil
			}
			affected.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Affected, res.Failed = int(affected.Load()), int(failed.Load())
	e.log.Info("Plugin reloaded", zap.String("plugin", p.Name), zap.Int("users", res.Affected), zap.Int("failed", res.Failed))
	return res, nil
}

// OnSourceChanged — обработчик правки файла для plugins.Watcher.
func (e *CommandExecutor) OnSourceChanged(ctx context.Context, path string) {
	name := strings.TrimSuffix(filepath.Base(path), ".go")
	if _, err := e.ReloadPlugin(ctx, name); err != nil {
		e.log.Warn("Plugin reload failed", zap.String("path", path), zap.Error(err))
	}
}

// Ban блокирует пользователя
func (e *CommandExecutor) Ban(ctx context.Context, userID int64, reason string) error {
	return e.deps.Accounts.Ban(ctx, userID, reason, e.deps.Actor)
}

// Unban снимает блокировку
func (e *CommandExecutor) Unban(ctx context.Context, userID int64) error {
	return e.deps.Accounts.Unban(ctx, userID, e.deps.Actor)
}

// SetSudo выдаёт или забирает права sudo
func (e *CommandExecutor) SetSudo(ctx context.Context, userID int64, sudo bool) error {
	return e.deps.Accounts.SetSudo(ctx, userID, sudo, e.deps.Actor)
}

// Stats возвращает сводку по сервису
func (e *CommandExecutor) Stats(ctx context.Context) (*StatsResult, error) {
	users, err := e.deps.Accounts.Stats(ctx)
	if err != nil {
		return nil, err
	}
	list, err := e.deps.Catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	res := &StatsResult{
		Sessions: e.deps.Sessions.Stats(),
		Users:    users,
		Plugins:  len(list),
	}
	if e.deps.Loaded != nil {
		res.PluginsLoaded = e.deps.Loaded.Loaded()
	}
	return res, nil
}

// Logs возвращает последние записи журнала
func (e *CommandExecutor) Logs(ctx context.Context, limit int, kind string) ([]records.LogEntry, error) {
	if e.deps.Audit == nil {
		return nil, errors.New("audit log is not available")
	}
	return e.deps.Audit.Recent(ctx, limit, kind)
}

// sweep выгружает расширение name у пользователей, для которых match истинно. Кандидаты:
// загруженные экземпляры и сохранённые записи, где имя числится в активных наборах.
// Ошибки по отдельным пользователям считаются в Failed и обход не прерывают.
func (e *CommandExecutor) sweep(ctx context.Context, name string, match func(int64) bool) (*SweepResult, error) {
	candidates := make(map[int64]struct{})
	if e.deps.Loaded != nil {
		for _, id := range e.deps.Loaded.Users(name) {
			candidates[id] = struct{}{}
		}
	}
	users, err := e.deps.Users.ListUsers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	for _, u := range users {
		if slices.Contains(u.ActivePlugins, name) || slices.Contains(u.AlwaysOnPlugins, name) {
			candidates[u.ID] = struct{}{}
		}
	}

	var affected, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepLimit)
	for userID := range candidates {
		if !match(userID) {
			continue
		}
		g.Go(func() error {
			changed, err := e.deps.Sessions.DisablePlugin(gctx, userID, name)
			if err != nil {
				failed.Add(1)
				e.log.Warn("Sweep deactivate failed",
					zap.Int64("user_id", userID), zap.String("plugin", name), zap.Error(err))
				return nil
			}
			if changed {
				affected.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &SweepResult{Affected: int(affected.Load()), Failed: int(failed.Load())}
	e.log.Info("Plugin sweep finished",
		zap.String("plugin", name), zap.Int("affected", res.Affected), zap.Int("failed", res.Failed))
	return res, nil
}

func (e *CommandExecutor) audit(ctx context.Context, msg string) {
	if e.deps.Audit == nil {
		return
	}
	e.deps.Audit.SendLog(ctx, audit.KindPlugin, msg, e.deps.Actor)
}
