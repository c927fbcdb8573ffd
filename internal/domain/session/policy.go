package session

import (
	"context"
	"fmt"
	"html"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/infra/metrics"
	"kingtg-userbot/internal/infra/timeutil"
)

// Префиксы callback-данных кнопок продления.
const (
	ConfirmPrefix = "always_confirm_"
	StopPrefix    = "always_stop_"
)

const sessionTerminatedText = "⚠️ <b>Session terminated</b>\n\n" +
	"Your userbot session is no longer valid. Log in again to continue."

// ReapIdle отключает клиентов без активных расширений, простаивающих строго дольше
// таймаута. Always-on без always-on расширений (keep-alive без расширений) тоже
// снимается и возвращается в on-demand. Занятые пользователи пропускаются до
// следующего обхода.
func (m *Manager) ReapIdle(ctx context.Context) int {
	now := m.clock.Now()
	reaped := 0
	for _, userID := range m.clients.Keys() {
		if !m.reapable(userID, now) {
			continue
		}
		unlock, ok := m.locks.TryLock(userID)
		if !ok {
			continue
		}
		if m.reapable(userID, now) && m.discardLocked(ctx, userID, "idle") {
			if m.IsAlwaysOn(userID) {
				m.demote(userID)
			}
			reaped++
			metrics.ClientsReaped.Inc()
		}
		unlock()
	}
	if reaped > 0 {
		m.log.Info("Idle clients reaped", zap.Int("count", reaped))
	}
	return reaped
}

func (m *Manager) reapable(userID int64, now time.Time) bool {
	if len(m.AlwaysOnPlugins(userID)) > 0 || m.registry.HasActive(userID) {
		return false
	}
	last, ok := m.activity.Get(userID)
	if !ok {
		return false
	}
	return now.Sub(last) > m.opts.OnDemandTimeout
}

// CheckRenewals рассылает запросы продления always-on и снимает тех, кто не ответил
// в окне ожидания.
func (m *Manager) CheckRenewals(ctx context.Context) {
	now := m.clock.Now()

	type action struct {
		userID int64
		expire bool
	}
	var actions []action

	m.mu.Lock()
	for userID, st := range m.alwaysOn {
		if pending, ok := m.pendingConfirm[userID]; ok {
			if now.Sub(pending) > m.opts.ConfirmWait {
				actions = append(actions, action{userID: userID, expire: true})
			}
			continue
		}
		if len(st.plugins) == 0 {
			continue
		}
		if now.Sub(m.lastConfirm[userID]) > m.opts.ConfirmInterval {
			actions = append(actions, action{userID: userID})
		}
	}
	m.mu.Unlock()

	for _, a := range actions {
		if a.expire {
			unlock, ok := m.locks.TryLock(a.userID)
			if !ok {
				continue
			}
			metrics.Renewals.WithLabelValues("expired").Inc()
			m.stopAlwaysOnLocked(ctx, a.userID, "Renewal was not confirmed within "+timeutil.ReadableDuration(m.opts.ConfirmWait)+".")
			unlock()
			continue
		}
		m.requestConfirmation(ctx, a.userID, now)
	}
}

func (m *Manager) requestConfirmation(ctx context.Context, userID int64, now time.Time) {
	m.mu.Lock()
	st, ok := m.alwaysOn[userID]
	if !ok || len(st.plugins) == 0 {
		m.mu.Unlock()
		return
	}
	if _, pending := m.pendingConfirm[userID]; pending {
		m.mu.Unlock()
		return
	}
	m.pendingConfirm[userID] = now
	names := slices.Clone(st.plugins)
	m.mu.Unlock()

	text := fmt.Sprintf("🔔 <b>Always-on confirmation</b>\n\n"+
		"Active plugins: <code>%s</code>\n\n"+
		"Keep them running in the background?\n\n"+
		"⚠️ Without an answer within %s they will be stopped.",
		html.EscapeString(strings.Join(names, ", ")), timeutil.ReadableDuration(m.opts.ConfirmWait))
	buttons := [][]Button{
		{{Text: "✅ Yes, keep running", Data: ConfirmPrefix + strconv.FormatInt(userID, 10)}},
		{{Text: "❌ No, stop", Data: StopPrefix + strconv.FormatInt(userID, 10)}},
	}
	metrics.Renewals.WithLabelValues("prompt").Inc()
	m.notify(ctx, userID, text, buttons)
	m.log.Info("Always-on confirmation requested", zap.Int64("user_id", userID))
}

// HandleConfirmation обрабатывает ответ на запрос продления: подтверждение продлевает
// always-on на полный интервал, отказ сразу снимает его.
func (m *Manager) HandleConfirmation(ctx context.Context, userID int64, confirmed bool) {
	m.mu.Lock()
	delete(m.pendingConfirm, userID)
	m.mu.Unlock()

	if confirmed {
		now := m.clock.Now()
		m.mu.Lock()
		_, active := m.alwaysOn[userID]
		if active {
			m.lastConfirm[userID] = now
		}
		m.mu.Unlock()
		if active {
			m.persistConfirm(ctx, userID, now)
		}
		metrics.Renewals.WithLabelValues("confirmed").Inc()
		m.log.Info("Always-on confirmed", zap.Int64("user_id", userID))
		return
	}

	unlock := m.locks.Lock(userID)
	defer unlock()
	metrics.Renewals.WithLabelValues("declined").Inc()
	m.stopAlwaysOnLocked(ctx, userID, "Stopped at your request.")
}

// ParseConfirmation разбирает callback-данные кнопок продления.
func ParseConfirmation(data string) (userID int64, confirmed, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(data, ConfirmPrefix):
		rest, confirmed = strings.TrimPrefix(data, ConfirmPrefix), true
	case strings.HasPrefix(data, StopPrefix):
		rest = strings.TrimPrefix(data, StopPrefix)
	default:
		return 0, false, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false, false
	}
	return id, confirmed, true
}

// stopAlwaysOnLocked выгружает always-on расширения, отключает клиента, возвращает
// пользователя в on-demand и отправляет одно уведомление.
func (m *Manager) stopAlwaysOnLocked(ctx context.Context, userID int64, reason string) {
	m.mu.Lock()
	st, ok := m.alwaysOn[userID]
	delete(m.pendingConfirm, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	names := slices.Clone(st.plugins)

	for _, name := range names {
		if _, err := m.registry.Deactivate(ctx, userID, name); err != nil {
			m.log.Warn("Failed to deactivate always-on plugin",
				zap.Int64("user_id", userID), zap.String("plugin", name), zap.Error(err))
		}
	}
	m.demote(userID)
	if _, err := m.store.UpdateUser(ctx, userID, func(u *records.User) {
		u.AlwaysOnPlugins = nil
		u.LastConfirm = time.Time{}
	}); err != nil {
		m.log.Error("Failed to persist always-on stop", zap.Int64("user_id", userID), zap.Error(err))
	}
	m.discardLocked(ctx, userID, "always-on stopped")

	text := fmt.Sprintf("⏸️ <b>Always-on stopped</b>\n\nPlugins: <code>%s</code>\n\n%s\n"+
		"Activate the plugin again to resume.", html.EscapeString(strings.Join(names, ", ")), reason)
	m.notify(ctx, userID, text, nil)
	m.log.Info("Always-on stopped", zap.Int64("user_id", userID), zap.Strings("plugins", names))
}

// promote переводит пользователя в always-on. Непустой names добавляется к его
// расширениям; confirmedAt становится отметкой подтверждения.
func (m *Manager) promote(userID int64, names []string, confirmedAt time.Time) {
	m.mu.Lock()
	st, ok := m.alwaysOn[userID]
	if !ok {
		st = &tierState{since: m.clock.Now()}
		m.alwaysOn[userID] = st
	}
	for _, n := range names {
		st.plugins = records.AddName(st.plugins, n)
	}
	m.lastConfirm[userID] = confirmedAt
	m.mu.Unlock()
	m.updateGauges()
}

// demote выводит пользователя из always-on.
func (m *Manager) demote(userID int64) {
	m.mu.Lock()
	delete(m.alwaysOn, userID)
	delete(m.lastConfirm, userID)
	delete(m.pendingConfirm, userID)
	m.mu.Unlock()
	m.updateGauges()
}

func (m *Manager) persistConfirm(ctx context.Context, userID int64, at time.Time) {
	if _, err := m.store.UpdateUser(ctx, userID, func(u *records.User) { u.LastConfirm = at }); err != nil {
		m.log.Warn("Failed to persist confirmation", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// IsAlwaysOn сообщает уровень пользователя.
func (m *Manager) IsAlwaysOn(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.alwaysOn[userID]
	return ok
}

// AlwaysOnPlugins возвращает always-on расширения пользователя.
func (m *Manager) AlwaysOnPlugins(userID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.alwaysOn[userID]; ok {
		return slices.Clone(st.plugins)
	}
	return nil
}

// LastConfirm возвращает отметку последнего подтверждения always-on.
func (m *Manager) LastConfirm(userID int64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastConfirm[userID]
	return t, ok
}

// PendingConfirmation сообщает, ждёт ли пользователь ответа на запрос продления.
func (m *Manager) PendingConfirmation(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pendingConfirm[userID]
	return ok
}
