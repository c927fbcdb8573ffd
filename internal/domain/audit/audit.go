// Package audit — журнал событий сервиса: запись уходит в лог-канал бота и в хранилище.
package audit

import (
	"context"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/infra/clock"
	"kingtg-userbot/internal/infra/logger"
)

// Виды событий.
const (
	KindInfo    = "info"
	KindSuccess = "success"
	KindWarning = "warning"
	KindError   = "error"
	KindLogin   = "login"
	KindLogout  = "logout"
	KindPlugin  = "plugin"
	KindBan     = "ban"
	KindSudo    = "sudo"
	KindSystem  = "system"
)

var kindEmoji = map[string]string{
	KindInfo:    "ℹ️",
	KindSuccess: "✅",
	KindWarning: "⚠️",
	KindError:   "❌",
	KindLogin:   "🔐",
	KindLogout:  "🚪",
	KindPlugin:  "🔌",
	KindBan:     "🚫",
	KindSudo:    "👑",
	KindSystem:  "🤖",
}

// ChannelSender публикует текст в чат от имени бота.
type ChannelSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Log пишет события. Нулевой channel отключает публикацию, запись в хранилище остаётся.
type Log struct {
	store   records.LogStore
	sender  ChannelSender
	channel int64
	clock   clock.Clock
	log     *zap.Logger
}

// New создаёт журнал. sender может быть nil.
func New(store records.LogStore, sender ChannelSender, channel int64, clk clock.Clock) *Log {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Log{store: store, sender: sender, channel: channel, clock: clk, log: logger.Named("audit")}
}

// SendLog фиксирует событие kind. userID 0 — событие без пользователя.
// Ошибки доставки только логируются.
func (l *Log) SendLog(ctx context.Context, kind, message string, userID int64) {
	now := l.clock.Now()
	if l.sender != nil && l.channel != 0 {
		if err := l.sender.SendText(ctx, l.channel, Format(kind, message, userID, now.Format("2006-01-02 15:04:05"))); err != nil {
			l.log.Warn("Failed to post audit entry", zap.String("kind", kind), zap.Error(err))
		}
	}
	if err := l.store.AddLog(ctx, records.LogEntry{Kind: kind, UserID: userID, Message: message, CreatedAt: now.UTC()}); err != nil {
		l.log.Warn("Failed to store audit entry", zap.String("kind", kind), zap.Error(err))
	}
}

// Recent возвращает последние записи, опционально по виду.
func (l *Log) Recent(ctx context.Context, limit int, kind string) ([]records.LogEntry, error) {
	return l.store.RecentLogs(ctx, limit, kind)
}

// Format строит HTML-текст записи для лог-канала.
func Format(kind, message string, userID int64, stamp string) string {
	emoji, ok := kindEmoji[kind]
	if !ok {
		emoji = "📋"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n\n%s", emoji, html.EscapeString(strings.ToUpper(kind)), html.EscapeString(message))
	if userID != 0 {
		fmt.Fprintf(&b, "\n\n👤 User ID: <code>%d</code>", userID)
	}
	fmt.Fprintf(&b, "\n⏱️ %s", stamp)
	return b.String()
}
