package session

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/records"
)

// EnablePlugin получает клиента пользователя и активирует на нём расширение.
// Расширение always-on класса переводит пользователя в always-on со свежим подтверждением.
func (m *Manager) EnablePlugin(ctx context.Context, userID int64, name string) (string, error) {
	name = strings.ToLower(name)
	alwaysOn := m.needsAlwaysOn(ctx, name)

	unlock := m.locks.Lock(userID)
	defer unlock()

	client, err := m.getOrCreateLocked(ctx, userID, false)
	if err != nil {
		return "", err
	}
	msg, err := m.registry.Activate(ctx, userID, name, client)
	if err != nil {
		return "", err
	}
	m.touch(userID)

	if alwaysOn {
		now := m.clock.Now()
		m.promote(userID, []string{name}, now)
		names := m.AlwaysOnPlugins(userID)
		if _, err := m.store.UpdateUser(ctx, userID, func(u *records.User) {
			u.AlwaysOnPlugins = names
			u.LastConfirm = now
		}); err != nil {
			m.log.Error("Failed to persist always-on plugins", zap.Int64("user_id", userID), zap.Error(err))
		}
		m.log.Info("User moved to always-on", zap.Int64("user_id", userID), zap.String("plugin", name))
	}
	return msg, nil
}

// DisablePlugin выгружает расширение и убирает его из сохранённых наборов, даже если
// у пользователя сейчас нет клиента. Последнее always-on расширение возвращает
// пользователя в on-demand. false — расширения не было ни в памяти, ни в записи.
func (m *Manager) DisablePlugin(ctx context.Context, userID int64, name string) (bool, error) {
	name = strings.ToLower(name)

	unlock := m.locks.Lock(userID)
	defer unlock()

	unloaded, err := m.registry.Deactivate(ctx, userID, name)
	if err != nil {
		return unloaded, err
	}

	demoted := false
	m.mu.Lock()
	if st, ok := m.alwaysOn[userID]; ok {
		st.plugins = records.RemoveName(st.plugins, name)
		if len(st.plugins) == 0 {
			delete(m.alwaysOn, userID)
			delete(m.lastConfirm, userID)
			delete(m.pendingConfirm, userID)
			demoted = true
		}
	}
	m.mu.Unlock()
	if demoted {
		m.updateGauges()
		m.log.Info("User moved to on-demand", zap.Int64("user_id", userID))
	}

	u, err := m.store.GetUser(ctx, userID)
	if errors.Is(err, records.ErrNotFound) {
		return unloaded, nil
	}
	if err != nil {
		return unloaded, errors.Wrap(err, "load user")
	}
	persisted := slices.Contains(u.ActivePlugins, name) || slices.Contains(u.AlwaysOnPlugins, name)
	if !persisted {
		return unloaded, nil
	}
	if _, err := m.store.UpdateUser(ctx, userID, func(u *records.User) {
		u.ActivePlugins = records.RemoveName(u.ActivePlugins, name)
		u.AlwaysOnPlugins = records.RemoveName(u.AlwaysOnPlugins, name)
		if len(u.AlwaysOnPlugins) == 0 {
			u.LastConfirm = time.Time{}
		}
	}); err != nil {
		return unloaded, errors.Wrap(err, "persist plugin sets")
	}
	return true, nil
}

func (m *Manager) needsAlwaysOn(ctx context.Context, name string) bool {
	p, err := m.store.GetPlugin(ctx, name)
	if err != nil {
		return false
	}
	return p.NeedsAlwaysOn(m.opts.AlwaysOnDefaults)
}
