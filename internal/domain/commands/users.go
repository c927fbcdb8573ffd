package commands

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/accounts"
	"kingtg-userbot/internal/domain/audit"
	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/session"
)

// ErrLoginFailed — вход по блобу сессии не удался.
var ErrLoginFailed = errors.New("login failed")

// UserPluginsResult - результат команды UserPlugins
type UserPluginsResult struct {
	UserID    int64    `json:"user_id"`
	Connected bool     `json:"connected"` // есть живой клиент
	AlwaysOn  bool     `json:"always_on"` // пользователь в always-on
	Active    []string `json:"active"`    // сохранённый активный набор
	Loaded    []string `json:"loaded"`    // загружено на клиенте сейчас
	Pinned    []string `json:"pinned"`    // always-on расширения
	Available []string `json:"available"` // доступно, но не включено
}

// EnableUserPlugin включает расширение пользователю: поднимает или переиспользует
// его клиента и активирует расширение на нём.
func (e *CommandExecutor) EnableUserPlugin(ctx context.Context, userID int64, name string) (string, error) {
	if err := e.ensureNotBanned(ctx, userID); err != nil {
		return "", err
	}
	msg, err := e.deps.Sessions.EnablePlugin(ctx, userID, name)
	if err != nil {
		return "", err
	}
	e.userAudit(ctx, audit.KindPlugin, fmt.Sprintf("Plugin %s enabled for user %d", name, userID), userID)
	return msg, nil
}

// DisableUserPlugin выгружает расширение у пользователя и убирает его из наборов.
// false — расширения у пользователя не было.
func (e *CommandExecutor) DisableUserPlugin(ctx context.Context, userID int64, name string) (bool, error) {
	changed, err := e.deps.Sessions.DisablePlugin(ctx, userID, name)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if _, ok := e.deps.Sessions.Client(userID); ok {
		e.deps.Sessions.Touch(userID)
	}
	e.userAudit(ctx, audit.KindPlugin, fmt.Sprintf("Plugin %s disabled for user %d", name, userID), userID)
	return true, nil
}

// ConnectUser поднимает клиента пользователя. keepAlive переводит его в always-on.
func (e *CommandExecutor) ConnectUser(ctx context.Context, userID int64, keepAlive bool) error {
	if err := e.ensureNotBanned(ctx, userID); err != nil {
		return err
	}
	_, reused := e.deps.Sessions.Client(userID)
	if _, err := e.deps.Sessions.GetOrCreateClient(ctx, userID, keepAlive); err != nil {
		return err
	}
	if reused {
		e.deps.Sessions.Touch(userID)
	}
	e.log.Info("User client connected",
		zap.Int64("user_id", userID), zap.Bool("keep_alive", keepAlive), zap.Bool("reused", reused))
	return nil
}

// LogoutUser завершает сессию пользователя
func (e *CommandExecutor) LogoutUser(ctx context.Context, userID int64, terminate, keepData bool) error {
	if err := e.deps.Sessions.Logout(ctx, userID, terminate, keepData); err != nil {
		return err
	}
	e.userAudit(ctx, audit.KindLogout,
		fmt.Sprintf("User %d logged out (terminate=%v, keep_data=%v)", userID, terminate, keepData), userID)
	return nil
}

// LoginUserSession входит за пользователя по готовому блобу сессии.
func (e *CommandExecutor) LoginUserSession(ctx context.Context, userID int64, blob, variant string, remember bool) (*LoginResult, error) {
	if err := e.ensureNotBanned(ctx, userID); err != nil {
		return nil, err
	}
	res := e.deps.Sessions.LoginWithSession(ctx, userID, blob, variant, remember)
	if res.Status != session.LoginSuccess {
		if res.Err != nil {
			return nil, errors.Wrapf(ErrLoginFailed, "%s: %v", res.Status, res.Err)
		}
		return nil, errors.Wrapf(ErrLoginFailed, "%s", res.Status)
	}
	e.userAudit(ctx, audit.KindLogin, fmt.Sprintf("User %d logged in with a session", userID), userID)
	return &LoginResult{
		UserID:   userID,
		Username: res.Identity.Username,
		BotID:    res.Identity.ID,
		Loaded:   e.loadedFor(userID),
	}, nil
}

// UserPlugins возвращает состояние расширений пользователя
func (e *CommandExecutor) UserPlugins(ctx context.Context, userID int64) (*UserPluginsResult, error) {
	if _, err := e.deps.Users.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	view, err := e.deps.Catalog.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	_, connected := e.deps.Sessions.Client(userID)
	res := &UserPluginsResult{
		UserID:    userID,
		Connected: connected,
		AlwaysOn:  e.deps.Sessions.IsAlwaysOn(userID),
		Active:    view.Active,
		Loaded:    e.loadedFor(userID),
		Pinned:    e.deps.Sessions.AlwaysOnPlugins(userID),
		Available: make([]string, 0, len(view.Inactive)),
	}
	if res.Active == nil {
		res.Active = []string{}
	}
	if res.Pinned == nil {
		res.Pinned = []string{}
	}
	for _, p := range view.Inactive {
		res.Available = append(res.Available, p.Name)
	}
	slices.Sort(res.Active)
	return res, nil
}

func (e *CommandExecutor) loadedFor(userID int64) []string {
	if e.deps.Loaded == nil {
		return []string{}
	}
	if names := e.deps.Loaded.Active(userID); names != nil {
		return names
	}
	return []string{}
}

// ensureNotBanned отказывает забаненным. Режимы обслуживания и приватности
// на команды администратора не действуют.
func (e *CommandExecutor) ensureNotBanned(ctx context.Context, userID int64) error {
	u, err := e.deps.Users.GetUser(ctx, userID)
	if errors.Is(err, records.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load user")
	}
	if u.Banned {
		return accounts.ErrBanned
	}
	return nil
}

func (e *CommandExecutor) userAudit(ctx context.Context, kind, msg string, userID int64) {
	if e.deps.Audit == nil {
		return
	}
	e.deps.Audit.SendLog(ctx, kind, msg, userID)
}
