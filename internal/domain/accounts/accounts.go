// Package accounts — учётные записи пользователей бота: регистрация, бан, sudo,
// глобальные настройки и проверка доступа, а также ежедневная сверка профилей через
// Bot API с пометкой и последующим удалением исчезнувших аккаунтов.
package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kingtg-userbot/internal/domain/audit"
	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/infra/clock"
	"kingtg-userbot/internal/infra/concurrency"
	"kingtg-userbot/internal/infra/logger"
)

// Отказы проверки доступа.
var (
	ErrBanned      = errors.New("user is banned")
	ErrMaintenance = errors.New("bot is under maintenance")
	ErrPrivateMode = errors.New("bot is in private mode")
	ErrUserLimit   = errors.New("user limit reached")
	// ErrOwner — действие нельзя применить к владельцу.
	ErrOwner = errors.New("action not allowed on owner")
	// ErrChatGone — Bot API больше не видит пользователя (аккаунт удалён или деактивирован).
	ErrChatGone = errors.New("chat no longer exists")
)

const (
	DefaultSyncInterval = 24 * time.Hour
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultSyncSpacing  = 500 * time.Millisecond
)

// ChatInfo — профиль пользователя по данным Bot API.
type ChatInfo struct {
	Username  string
	FirstName string
}

// ChatLookup запрашивает профиль пользователя. Исчезнувший аккаунт — ErrChatGone.
type ChatLookup interface {
	GetChat(ctx context.Context, userID int64) (ChatInfo, error)
}

// Sessions — завершение сессии userbot'а.
type Sessions interface {
	Logout(ctx context.Context, userID int64, terminate, keepData bool) error
}

// Auditor фиксирует события.
type Auditor interface {
	SendLog(ctx context.Context, kind, message string, userID int64)
}

// Store — то, что сервису нужно от хранилища.
type Store interface {
	records.UserStore
	records.SettingsStore
}

// Options — настройки сервиса.
type Options struct {
	OwnerID      int64
	SyncInterval time.Duration
	Retention    time.Duration
	SyncSpacing  time.Duration
	Clock        clock.Clock
	Lookup       ChatLookup
	Sessions     Sessions
	Audit        Auditor
}

// Service — см. описание пакета.
type Service struct {
	store Store
	opts  Options
	clock clock.Clock
	sync  *concurrency.Loop
	log   *zap.Logger
}

// New создаёт сервис. Сверка запускается Start.
func New(store Store, opts Options) *Service {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SyncSpacing <= 0 {
		opts.SyncSpacing = DefaultSyncSpacing
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	s := &Service{store: store, opts: opts, clock: opts.Clock, log: logger.Named("accounts")}
	s.sync = concurrency.NewLoop("user-sync", opts.SyncInterval, func(ctx context.Context) {
		if _, err := s.SyncUsers(ctx); err != nil {
			s.log.Warn("User sync failed", zap.Error(err))
		}
	})
	return s
}

// Start запускает ежедневную сверку.
func (s *Service) Start(ctx context.Context) { s.sync.Start(ctx) }

// Stop останавливает сверку.
func (s *Service) Stop() { s.sync.Stop() }

// IsOwner сообщает, владелец ли пользователь.
func (s *Service) IsOwner(userID int64) bool { return userID == s.opts.OwnerID }

// Register создаёт запись пользователя при первом обращении и обновляет профиль при последующих.
func (s *Service) Register(ctx context.Context, userID int64, username, firstName string) (records.User, error) {
	now := s.clock.Now()
	u, err := s.store.UpdateUser(ctx, userID, func(u *records.User) {
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		if username != "" {
			u.Username = username
		}
		if firstName != "" {
			u.FirstName = firstName
		}
		u.LastActive = now
	})
	if err != nil {
		return records.User{}, errors.Wrap(err, "register user")
	}
	return u, nil
}

// Ban завершает сессию пользователя, выгружает его расширения и ставит флаг бана.
func (s *Service) Ban(ctx context.Context, userID int64, reason string, by int64) error {
	if s.IsOwner(userID) {
		return ErrOwner
	}
	if reason == "" {
		reason = "No reason given"
	}
	if s.opts.Sessions != nil {
		if err := s.opts.Sessions.Logout(ctx, userID, false, false); err != nil {
			s.log.Warn("Logout on ban failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	now := s.clock.Now()
	if _, err := s.store.UpdateUser(ctx, userID, func(u *records.User) {
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		u.Banned = true
		u.BanReason = reason
		u.BannedAt = now
	}); err != nil {
		return errors.Wrap(err, "ban user")
	}
	s.audit(ctx, audit.KindBan, fmt.Sprintf("User banned: %d\nReason: %s", userID, reason), by)
	s.log.Info("User banned", zap.Int64("user_id", userID), zap.String("reason", reason))
	return nil
}

// Unban снимает бан. Отсутствующий пользователь — records.ErrNotFound.
func (s *Service) Unban(ctx context.Context, userID int64, by int64) error {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return err
	}
	if _, err := s.store.UpdateUser(ctx, userID, func(u *records.User) {
		u.Banned = false
		u.BanReason = ""
		u.BannedAt = time.Time{}
	}); err != nil {
		return errors.Wrap(err, "unban user")
	}
	s.audit(ctx, audit.KindBan, fmt.Sprintf("User unbanned: %d", userID), by)
	return nil
}

// SetSudo выдаёт или отзывает права sudo.
func (s *Service) SetSudo(ctx context.Context, userID int64, sudo bool, by int64) error {
	if s.IsOwner(userID) {
		return ErrOwner
	}
	if _, err := s.store.UpdateUser(ctx, userID, func(u *records.User) { u.Sudo = sudo }); err != nil {
		return errors.Wrap(err, "update sudo")
	}
	verb := "granted"
	if !sudo {
		verb = "revoked"
	}
	s.audit(ctx, audit.KindSudo, fmt.Sprintf("Sudo %s: %d", verb, userID), by)
	return nil
}

// IsSudo сообщает, есть ли у пользователя права sudo. Владелец — всегда.
func (s *Service) IsSudo(ctx context.Context, userID int64) bool {
	if s.IsOwner(userID) {
		return true
	}
	u, err := s.store.GetUser(ctx, userID)
	return err == nil && u.Sudo
}

// Settings возвращает глобальные настройки.
func (s *Service) Settings(ctx context.Context) (records.Settings, error) {
	return s.store.GetSettings(ctx)
}

// SetBotMode переключает режим public/private.
func (s *Service) SetBotMode(ctx context.Context, mode string) (records.Settings, error) {
	if mode != records.BotModePublic && mode != records.BotModePrivate {
		return records.Settings{}, errors.Errorf("unknown bot mode %q", mode)
	}
	return s.store.UpdateSettings(ctx, func(st *records.Settings) { st.BotMode = mode })
}

// SetMaintenance включает или выключает режим обслуживания.
func (s *Service) SetMaintenance(ctx context.Context, on bool) (records.Settings, error) {
	return s.store.UpdateSettings(ctx, func(st *records.Settings) { st.Maintenance = on })
}

// SetMaxUsers задаёт предел числа пользователей; 0 снимает ограничение.
func (s *Service) SetMaxUsers(ctx context.Context, n int) (records.Settings, error) {
	if n < 0 {
		return records.Settings{}, errors.New("max users must not be negative")
	}
	return s.store.UpdateSettings(ctx, func(st *records.Settings) { st.MaxUsers = n })
}

// CheckAccess решает, обслуживать ли пользователя. Бан проверяется первым; владелец
// и sudo проходят режимы обслуживания и private; предел числа пользователей действует
// только на новых.
func (s *Service) CheckAccess(ctx context.Context, userID int64) error {
	if s.IsOwner(userID) {
		return nil
	}
	u, err := s.store.GetUser(ctx, userID)
	known := err == nil
	if err != nil && !errors.Is(err, records.ErrNotFound) {
		return errors.Wrap(err, "load user")
	}
	if known && u.Banned {
		return ErrBanned
	}
	if known && u.Sudo {
		return nil
	}
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return errors.Wrap(err, "load settings")
	}
	if settings.Maintenance {
		return ErrMaintenance
	}
	if settings.BotMode == records.BotModePrivate {
		return ErrPrivateMode
	}
	if !known && settings.MaxUsers > 0 {
		users, err := s.store.ListUsers(ctx)
		if err != nil {
			return errors.Wrap(err, "count users")
		}
		if len(users) >= settings.MaxUsers {
			return ErrUserLimit
		}
	}
	return nil
}

// SyncResult — итог сверки профилей.
type SyncResult struct {
	Checked       int
	Updated       int
	MarkedDeleted int
	Removed       int
	Failed        int
}

// SyncUsers сверяет профили через Bot API с паузой SyncSpacing между запросами.
// Исчезнувший аккаунт помечается удалённым; по истечении Retention его сессия
// завершается, а запись удаляется.
func (s *Service) SyncUsers(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	if s.opts.Lookup == nil {
		return res, nil
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return res, errors.Wrap(err, "list users")
	}
	limiter := rate.NewLimiter(rate.Every(s.opts.SyncSpacing), 1)
	for _, u := range users {
		if s.IsOwner(u.ID) {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return res, err
		}
		res.Checked++
		s.syncUser(ctx, u, &res)
	}
	s.log.Info("User sync finished",
		zap.Int("checked", res.Checked), zap.Int("updated", res.Updated),
		zap.Int("marked_deleted", res.MarkedDeleted), zap.Int("removed", res.Removed), zap.Int("failed", res.Failed))
	return res, nil
}

func (s *Service) syncUser(ctx context.Context, u records.User, res *SyncResult) {
	now := s.clock.Now()
	info, err := s.opts.Lookup.GetChat(ctx, u.ID)
	switch {
	case errors.Is(err, ErrChatGone):
		if !u.Deleted {
			if _, errUpd := s.store.UpdateUser(ctx, u.ID, func(rec *records.User) {
				rec.Deleted = true
				rec.DeletedAt = now
			}); errUpd != nil {
				res.Failed++
				return
			}
			res.MarkedDeleted++
			return
		}
		if now.Sub(u.DeletedAt) <= s.opts.Retention {
			return
		}
		s.remove(ctx, u.ID)
		res.Removed++
	case err != nil:
		res.Failed++
		s.log.Debug("getChat failed", zap.Int64("user_id", u.ID), zap.Error(err))
	default:
		if !u.Deleted && info.Username == u.Username && (info.FirstName == "" || info.FirstName == u.FirstName) {
			return
		}
		if _, errUpd := s.store.UpdateUser(ctx, u.ID, func(rec *records.User) {
			rec.Deleted = false
			rec.DeletedAt = time.Time{}
			rec.Username = info.Username
			if info.FirstName != "" {
				rec.FirstName = info.FirstName
			}
		}); errUpd != nil {
			res.Failed++
			return
		}
		res.Updated++
	}
}

func (s *Service) remove(ctx context.Context, userID int64) {
	if s.opts.Sessions != nil {
		if err := s.opts.Sessions.Logout(ctx, userID, false, false); err != nil {
			s.log.Warn("Logout of deleted account failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		s.log.Warn("Failed to delete account", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	s.audit(ctx, audit.KindInfo, fmt.Sprintf("Deleted account removed: %d", userID), 0)
}

// UserStats — счётчики пользователей.
type UserStats struct {
	Total    int `json:"total"`
	LoggedIn int `json:"logged_in"`
	Banned   int `json:"banned"`
	Sudo     int `json:"sudo"`
	Deleted  int `json:"deleted"`
}

// Stats считает пользователей по состояниям.
func (s *Service) Stats(ctx context.Context) (UserStats, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return UserStats{}, errors.Wrap(err, "list users")
	}
	st := UserStats{Total: len(users)}
	for _, u := range users {
		if u.LoggedIn {
			st.LoggedIn++
		}
		if u.Banned {
			st.Banned++
		}
		if u.Sudo {
			st.Sudo++
		}
		if u.Deleted {
			st.Deleted++
		}
	}
	return st, nil
}

func (s *Service) audit(ctx context.Context, kind, msg string, userID int64) {
	if s.opts.Audit != nil {
		s.opts.Audit.SendLog(ctx, kind, msg, userID)
	}
}
