package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/infra/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "db", "userbot.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserUpsertAndPartialUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	_, err := s.GetUser(ctx, 7)
	require.ErrorIs(t, err, records.ErrNotFound)

	u, err := s.UpdateUser(ctx, 7, func(u *records.User) {
		u.SessionBlob = "blob"
		u.SessionVariant = records.VariantGotd
		u.LoggedIn = true
	})
	require.NoError(t, err)
	assert.False(t, u.CreatedAt.IsZero())

	_, err = s.UpdateUser(ctx, 7, func(u *records.User) {
		u.ActivePlugins = records.AddName(u.ActivePlugins, "afk")
	})
	require.NoError(t, err)

	got, err := s.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "blob", got.SessionBlob)
	assert.True(t, got.LoggedIn)
	assert.Equal(t, []string{"afk"}, got.ActivePlugins)

	_, err = s.UpdateUser(ctx, 8, nil)
	require.NoError(t, err)
	logged, err := s.GetLoggedInUsers(ctx)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, int64(7), logged[0].ID)

	require.NoError(t, s.DeleteUser(ctx, 8))
	assert.ErrorIs(t, s.DeleteUser(ctx, 8), records.ErrNotFound)
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	names := []string{"afk", "filter", "welcome", "notes", "tr", "calc"}
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Go(func() {
			_, err := s.UpdateUser(ctx, 1, func(u *records.User) {
				u.ActivePlugins = records.AddName(u.ActivePlugins, name)
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, names, u.ActivePlugins)
}

func TestPluginsCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.SavePlugin(ctx, records.Plugin{Name: "AFK", Filename: "afk.go", Public: true}))
	p, err := s.GetPlugin(ctx, "afk")
	require.NoError(t, err)
	assert.Equal(t, "afk.go", p.Filename)

	p, err = s.UpdatePlugin(ctx, "afk", func(p *records.Plugin) { p.UsageCount++ })
	require.NoError(t, err)
	assert.Equal(t, 1, p.UsageCount)

	_, err = s.UpdatePlugin(ctx, "missing", func(*records.Plugin) {})
	assert.ErrorIs(t, err, records.ErrNotFound)

	list, err := s.ListPlugins(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeletePlugin(ctx, "afk"))
	_, err = s.GetPlugin(ctx, "afk")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestSettingsDefaultsAndUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	settings, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, records.DefaultSettings(), settings)

	_, err = s.UpdateSettings(ctx, func(st *records.Settings) { st.Maintenance = true })
	require.NoError(t, err)
	settings, err = s.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.Maintenance)
	assert.Equal(t, records.BotModePublic, settings.BotMode)
}

func TestLogsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.AddLog(ctx, records.LogEntry{Kind: "login", UserID: 1, Message: "first"}))
	require.NoError(t, s.AddLog(ctx, records.LogEntry{Kind: "ban", UserID: 2, Message: "second"}))
	require.NoError(t, s.AddLog(ctx, records.LogEntry{Kind: "login", UserID: 3, Message: "third"}))

	logs, err := s.RecentLogs(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "third", logs[0].Message)
	assert.NotEmpty(t, logs[0].ID)

	logins, err := s.RecentLogs(ctx, 1, "login")
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.Equal(t, "third", logins[0].Message)
	require.NoError(t, s.Ping())
}
