package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/session"
	"kingtg-userbot/internal/domain/userbot/userbottest"
)

func TestRestoreOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, session.Options{RestoreConcurrency: 2})
	f.addPlugin(t, "notes", false)
	f.addPlugin(t, "keeper", true)

	confirmed := epoch.Add(-48 * time.Hour)
	f.login(t, 1, func(u *records.User) { u.ActivePlugins = []string{"notes"} })
	f.login(t, 2, nil)
	f.login(t, 3, func(u *records.User) { u.SessionBlob = "" })
	f.login(t, 4, func(u *records.User) {
		u.ActivePlugins = []string{"keeper"}
		u.AlwaysOnPlugins = []string{"keeper"}
		u.LastConfirm = confirmed
	})
	f.login(t, 5, func(u *records.User) { u.ActivePlugins = []string{"notes"} })
	f.login(t, 6, func(u *records.User) { u.LoggedIn = false })
	f.factory.Prepare = func(c *userbottest.Client) {
		if c.UserID == 5 {
			c.SetAuthorized(false)
		}
	}

	res, err := f.m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.RestoreResult{Restored: 2, Cached: 1, Failed: 2}, res)

	assert.True(t, f.registry.IsActive(1, "notes"))
	c1, ok := f.m.Client(1)
	require.True(t, ok)
	assert.Len(t, c1.ListEventHandlers(), 1)

	_, ok = f.m.Client(2)
	assert.False(t, ok)
	assert.True(t, f.m.HasCachedCredential(2))

	assert.False(t, f.user(t, 3).LoggedIn)

	assert.True(t, f.m.IsAlwaysOn(4))
	at, ok := f.m.LastConfirm(4)
	require.True(t, ok)
	assert.True(t, at.Equal(confirmed))
	assert.True(t, f.registry.IsActive(4, "keeper"))
	c4, ok := f.m.Client(4)
	require.True(t, ok)
	assert.Len(t, c4.ListEventHandlers(), 1)

	assert.False(t, f.user(t, 5).LoggedIn)
	assert.Empty(t, f.factory.Created(6))
}

func TestRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, session.Options{})
	f.addPlugin(t, "notes", false)
	f.addPlugin(t, "keeper", true)
	f.login(t, 1, nil)

	_, err := f.m.EnablePlugin(ctx, 1, "notes")
	require.NoError(t, err)
	_, err = f.m.EnablePlugin(ctx, 1, "keeper")
	require.NoError(t, err)
	require.NoError(t, f.m.Shutdown(ctx))

	// Новый процесс над тем же хранилищем.
	registry := f.newRegistry()
	factory := userbottest.NewFactory()
	m := session.NewManager(f.store, factory, registry, session.Options{Clock: f.clock})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	res, err := m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)

	require.Len(t, factory.Created(1), 1)
	client := factory.Created(1)[0]
	assert.Len(t, client.ListEventHandlers(), 2)
	assert.Equal(t, []string{"keeper", "notes"}, registry.Active(1))
	assert.True(t, m.IsAlwaysOn(1))
	assert.Equal(t, []string{"keeper"}, m.AlwaysOnPlugins(1))

	// Повторное восстановление не регистрирует обработчики второй раз.
	_, err = m.Restore(ctx)
	require.NoError(t, err)
	assert.Len(t, client.ListEventHandlers(), 2)
	assert.Len(t, factory.Created(1), 1)
}
