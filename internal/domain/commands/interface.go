// Package commands предоставляет общий интерфейс административных команд сервиса.
// Команды используются CLI-подкомандами, консолью администратора и HTTP API.
// Каждая правка каталога сопровождается обходом пользователей, у которых
// расширение сейчас загружено или записано в активных.
package commands

import (
	"context"

	"kingtg-userbot/internal/domain/accounts"
	"kingtg-userbot/internal/domain/plugins"
	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/session"
)

// Executor - интерфейс для выполнения административных команд.
type Executor interface {
	// ListPlugins возвращает все записи каталога
	ListPlugins(ctx context.Context) ([]records.Plugin, error)

	// ShowPlugin возвращает запись каталога и пользователей, у которых расширение загружено
	ShowPlugin(ctx context.Context, name string) (*PluginResult, error)

	// AddPlugin регистрирует расширение из файла
	AddPlugin(ctx context.Context, path string, opts plugins.RegisterOptions) (records.Plugin, error)

	// DeletePlugin выгружает расширение у всех и удаляет его из каталога
	DeletePlugin(ctx context.Context, name string) (*SweepResult, error)

	// EnablePlugin снимает флаг disabled
	EnablePlugin(ctx context.Context, name string) error

	// DisablePlugin ставит флаг disabled и выгружает расширение у всех пользователей
	DisablePlugin(ctx context.Context, name string) (*SweepResult, error)

	// SetPublic переключает видимость; закрытие выгружает расширение у всех вне allow-list
	SetPublic(ctx context.Context, name string, public bool) (*SweepResult, error)

	// AllowUser добавляет пользователя в allow-list
	AllowUser(ctx context.Context, name string, userID int64) error

	// RevokeUser убирает пользователя из allow-list
	RevokeUser(ctx context.Context, name string, userID int64) (*SweepResult, error)

	// RestrictUser добавляет пользователя в deny-list
	RestrictUser(ctx context.Context, name string, userID int64) (*SweepResult, error)

	// UnrestrictUser убирает пользователя из deny-list
	UnrestrictUser(ctx context.Context, name string, userID int64) error

	// SetForceActive включает расширение всем вошедшим пользователям
	SetForceActive(ctx context.Context, name string, on bool) (*SweepResult, error)

	// ReloadPlugin перезагружает расширение у пользователей, у которых оно загружено
	ReloadPlugin(ctx context.Context, name string) (*SweepResult, error)

	// Ban блокирует пользователя
	Ban(ctx context.Context, userID int64, reason string) error

	// Unban снимает блокировку
	Unban(ctx context.Context, userID int64) error

	// SetSudo выдаёт или забирает права sudo
	SetSudo(ctx context.Context, userID int64, sudo bool) error

	// EnableUserPlugin включает расширение пользователю
	EnableUserPlugin(ctx context.Context, userID int64, name string) (string, error)

	// DisableUserPlugin выключает расширение у пользователя
	DisableUserPlugin(ctx context.Context, userID int64, name string) (bool, error)

	// UserPlugins возвращает состояние расширений пользователя
	UserPlugins(ctx context.Context, userID int64) (*UserPluginsResult, error)

	// ConnectUser поднимает клиента пользователя
	ConnectUser(ctx context.Context, userID int64, keepAlive bool) error

	// LogoutUser завершает сессию пользователя
	LogoutUser(ctx context.Context, userID int64, terminate, keepData bool) error

	// LoginUserSession входит за пользователя по блобу сессии
	LoginUserSession(ctx context.Context, userID int64, blob, variant string, remember bool) (*LoginResult, error)

	// Stats возвращает сводку по сервису
	Stats(ctx context.Context) (*StatsResult, error)

	// Logs возвращает последние записи журнала событий
	Logs(ctx context.Context, limit int, kind string) ([]records.LogEntry, error)
}

// PluginResult - результат команды ShowPlugin
type PluginResult struct {
	Plugin records.Plugin // запись каталога
	Loaded []int64        // пользователи с загруженным расширением
}

// SweepResult - итог обхода пользователей
type SweepResult struct {
	Affected int // у скольких пользователей изменилось состояние
	Failed   int // сколько обработать не удалось
}

// LoginResult - результат команды LoginUserSession
type LoginResult struct {
	UserID   int64    `json:"user_id"`
	BotID    int64    `json:"userbot_id"`
	Username string   `json:"username"`
	Loaded   []string `json:"loaded"` // расширения, поднятые после входа
}

// StatsResult - результат команды Stats
type StatsResult struct {
	Sessions      session.Stats      `json:"sessions"`       // пул клиентов и входы
	Users         accounts.UserStats `json:"users"`          // пользователи
	Plugins       int                `json:"plugins"`        // записей в каталоге
	PluginsLoaded int                `json:"plugins_loaded"` // загруженных экземпляров
}
