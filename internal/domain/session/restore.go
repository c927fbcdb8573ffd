package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/userbot"
	"kingtg-userbot/internal/infra/metrics"
)

// RestoreResult — итог восстановления при старте.
type RestoreResult struct {
	// Restored — пользователи с живым клиентом и перезагруженными расширениями.
	Restored int
	// Cached — пользователи без расширений: данные в кэше, подключение отложено.
	Cached int
	Failed int
}

type restoreOutcome int

const (
	outcomeRestored restoreOutcome = iota
	outcomeCached
	outcomeFailed
)

// Restore поднимает состояние вошедших пользователей параллельно с ограничением
// RestoreConcurrency и дожидается всей пачки.
func (m *Manager) Restore(ctx context.Context) (RestoreResult, error) {
	users, err := m.store.GetLoggedInUsers(ctx)
	if err != nil {
		return RestoreResult{}, errors.Wrap(err, "list logged-in users")
	}

	pool, err := ants.NewPool(m.opts.RestoreConcurrency, ants.WithPanicHandler(func(p any) {
		m.log.Error("Restore task panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return RestoreResult{}, errors.Wrap(err, "create restore pool")
	}
	defer pool.Release()

	var (
		wg                       sync.WaitGroup
		restored, cached, failed atomic.Int64
	)
	for _, u := range users {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			switch m.restoreUser(ctx, u) {
			case outcomeRestored:
				restored.Add(1)
			case outcomeCached:
				cached.Add(1)
			default:
				failed.Add(1)
			}
		}
		if errSubmit := pool.Submit(task); errSubmit != nil {
			wg.Done()
			failed.Add(1)
			m.log.Error("Failed to schedule restore", zap.Int64("user_id", u.ID), zap.Error(errSubmit))
		}
	}
	wg.Wait()

	res := RestoreResult{Restored: int(restored.Load()), Cached: int(cached.Load()), Failed: int(failed.Load())}
	metrics.Restore.WithLabelValues("restored").Set(float64(res.Restored))
	metrics.Restore.WithLabelValues("cached").Set(float64(res.Cached))
	metrics.Restore.WithLabelValues("failed").Set(float64(res.Failed))
	metrics.CachedSessions.Set(float64(m.cache.Count()))
	m.log.Info("Sessions restored",
		zap.Int("restored", res.Restored), zap.Int("cached", res.Cached), zap.Int("failed", res.Failed),
		zap.Int("always_on", m.alwaysOnCount()))
	return res, nil
}

func (m *Manager) restoreUser(ctx context.Context, u records.User) restoreOutcome {
	log := m.log.With(zap.Int64("user_id", u.ID))
	if u.SessionBlob == "" {
		log.Warn("Logged-in user has no stored session")
		if _, err := m.store.UpdateUser(ctx, u.ID, func(rec *records.User) { rec.LoggedIn = false }); err != nil {
			log.Error("Failed to mark user logged out", zap.Error(err))
		}
		return outcomeFailed
	}
	m.cache.Set(u.ID, userbot.Credential{Blob: u.SessionBlob, Variant: u.SessionVariant})
	if !u.HasPlugins() {
		return outcomeCached
	}

	unlock := m.locks.Lock(u.ID)
	defer unlock()

	client, err := m.getOrCreateLocked(ctx, u.ID, false)
	if err != nil {
		log.Warn("Restore failed", zap.Error(err))
		return outcomeFailed
	}

	if len(u.AlwaysOnPlugins) > 0 {
		confirmed := u.LastConfirm
		if confirmed.IsZero() {
			confirmed = m.clock.Now()
		}
		m.promote(u.ID, u.AlwaysOnPlugins, confirmed)
	}

	names := slicesUnion(u.ActivePlugins, u.AlwaysOnPlugins)
	loaded := 0
	for _, name := range names {
		if m.registry.IsActive(u.ID, name) {
			loaded++
			continue
		}
		if _, err := m.registry.Activate(ctx, u.ID, name, client); err != nil {
			log.Warn("Plugin restore failed", zap.String("plugin", name), zap.Error(err))
			continue
		}
		loaded++
	}
	log.Info("User restored", zap.Int("plugins", loaded), zap.Bool("always_on", len(u.AlwaysOnPlugins) > 0))
	return outcomeRestored
}

func slicesUnion(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			out = records.AddName(out, s)
		}
	}
	return out
}

func (m *Manager) alwaysOnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alwaysOn)
}
