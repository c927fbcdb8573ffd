// Package records описывает персистентные записи сервиса (пользователь, плагин каталога,
// настройки бота, запись журнала) и контракты хранилищ над ними. Доменные пакеты работают
// только через эти интерфейсы; реализация на bbolt живёт в internal/infra/store.
package records

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound — запрошенная запись отсутствует.
var ErrNotFound = errors.New("record not found")

// Варианты формата сохранённой сессии.
const (
	VariantGotd     = "gotd"
	VariantTelethon = "telethon"
)

// Режимы доступа к боту.
const (
	BotModePublic  = "public"
	BotModePrivate = "private"
)

// User — запись конечного пользователя. Хранит учётные данные userbot'а и состояние
// его расширений; живой клиент в запись не попадает.
type User struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username,omitempty"`
	FirstName  string    `json:"first_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`

	SessionBlob     string `json:"session_blob,omitempty"`
	SessionVariant  string `json:"session_variant,omitempty"`
	RememberSession bool   `json:"remember_session"`
	LoggedIn        bool   `json:"logged_in"`
	Phone           string `json:"phone,omitempty"`
	UserbotID       int64  `json:"userbot_id,omitempty"`
	UserbotUsername string `json:"userbot_username,omitempty"`

	ActivePlugins   []string  `json:"active_plugins"`
	AlwaysOnPlugins []string  `json:"always_on_plugins"`
	LastConfirm     time.Time `json:"last_confirm,omitzero"`

	Banned    bool      `json:"banned"`
	BanReason string    `json:"ban_reason,omitempty"`
	BannedAt  time.Time `json:"banned_at,omitzero"`
	Sudo      bool      `json:"sudo"`
	Deleted   bool      `json:"deleted"`
	DeletedAt time.Time `json:"deleted_at,omitzero"`
}

// HasPlugins сообщает, есть ли у пользователя активные или always-on расширения.
func (u User) HasPlugins() bool {
	return len(u.ActivePlugins) > 0 || len(u.AlwaysOnPlugins) > 0
}

// Plugin — запись каталога расширений.
type Plugin struct {
	Name            string    `json:"name" validate:"required,max=64,plugin_name"`
	Filename        string    `json:"filename" validate:"required,endswith=.go"`
	Description     string    `json:"description" validate:"max=512"`
	Commands        []string  `json:"commands" validate:"dive,required,max=32"`
	Public          bool      `json:"public"`
	AllowedUsers    []int64   `json:"allowed_users"`
	RestrictedUsers []int64   `json:"restricted_users"`
	Disabled        bool      `json:"disabled"`
	ForceActive     bool      `json:"force_active"`
	AlwaysOn        *bool     `json:"always_on,omitempty"`
	UsageCount      int       `json:"usage_count"`
	Author          string    `json:"author,omitempty"`
	Version         string    `json:"version,omitempty"`
	Requires        []string  `json:"requires,omitempty"`
	AddedAt         time.Time `json:"added_at"`
	AddedBy         int64     `json:"added_by"`
}

// NeedsAlwaysOn решает, требует ли расширение постоянного клиента. Явный флаг записи
// приоритетен; без него используется список имён legacy.
func (p Plugin) NeedsAlwaysOn(legacy []string) bool {
	if p.AlwaysOn != nil {
		return *p.AlwaysOn
	}
	return slices.Contains(legacy, strings.ToLower(p.Name))
}

// Accessible сообщает, может ли пользователь активировать расширение (без учёта Disabled).
func (p Plugin) Accessible(userID int64) bool {
	if slices.Contains(p.RestrictedUsers, userID) {
		return false
	}
	return p.Public || slices.Contains(p.AllowedUsers, userID)
}

// Settings — глобальные настройки бота.
type Settings struct {
	BotMode     string `json:"bot_mode"`
	Maintenance bool   `json:"maintenance"`
	MaxUsers    int    `json:"max_users"`
}

// DefaultSettings — настройки нового развёртывания.
func DefaultSettings() Settings {
	return Settings{BotMode: BotModePublic, MaxUsers: 1000}
}

// LogEntry — запись журнала событий.
type LogEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	UserID    int64     `json:"user_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStore — хранилище пользователей.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (User, error)
	// UpdateUser атомарно применяет mutate к записи; отсутствующая запись создаётся.
	UpdateUser(ctx context.Context, id int64, mutate func(*User)) (User, error)
	DeleteUser(ctx context.Context, id int64) error
	ListUsers(ctx context.Context) ([]User, error)
	GetLoggedInUsers(ctx context.Context) ([]User, error)
}

// PluginStore — хранилище каталога расширений.
type PluginStore interface {
	GetPlugin(ctx context.Context, name string) (Plugin, error)
	SavePlugin(ctx context.Context, p Plugin) error
	// UpdatePlugin применяет mutate к существующей записи; отсутствие — ErrNotFound.
	UpdatePlugin(ctx context.Context, name string, mutate func(*Plugin)) (Plugin, error)
	DeletePlugin(ctx context.Context, name string) error
	ListPlugins(ctx context.Context) ([]Plugin, error)
}

// SettingsStore — хранилище глобальных настроек.
type SettingsStore interface {
	GetSettings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, mutate func(*Settings)) (Settings, error)
}

// LogStore — журнал событий.
type LogStore interface {
	AddLog(ctx context.Context, entry LogEntry) error
	RecentLogs(ctx context.Context, limit int, kind string) ([]LogEntry, error)
}

// Store объединяет все хранилища.
type Store interface {
	UserStore
	PluginStore
	SettingsStore
	LogStore
}

// AddName возвращает set с добавленным name без дубликатов.
func AddName(set []string, name string) []string {
	if slices.Contains(set, name) {
		return set
	}
	return append(slices.Clone(set), name)
}

// RemoveName возвращает set без name.
func RemoveName(set []string, name string) []string {
	return slices.DeleteFunc(slices.Clone(set), func(s string) bool { return s == name })
}
