package commands_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/domain/accounts"
	"kingtg-userbot/internal/domain/audit"
	"kingtg-userbot/internal/domain/commands"
	"kingtg-userbot/internal/domain/plugins"
	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/session"
	"kingtg-userbot/internal/domain/userbot/userbottest"
	"kingtg-userbot/internal/infra/clock"
	"kingtg-userbot/internal/infra/store"
	"kingtg-userbot/pkg/compat"
)

const ownerID = 100

type oneHandlerModule struct{}

func (oneHandlerModule) Register(c *compat.Client) error {
	c.On(compat.Command(c.Module()), func(ctx context.Context, m *compat.Message) error {
		return m.Reply(ctx, "ok")
	})
	return nil
}

func (oneHandlerModule) Unregister(*compat.Client) error { return nil }
func (oneHandlerModule) Close()                          {}

type fixture struct {
	store    *store.Store
	dir      string
	registry *plugins.Registry
	catalog  *plugins.Catalog
	factory  *userbottest.Factory
	m        *session.Manager
	exec     *commands.CommandExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "userbot.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{store: s, dir: t.TempDir()}
	f.registry = plugins.NewRegistry(s, plugins.Options{
		Dir: f.dir,
		Loader: plugins.LoaderFunc(func(context.Context, string, []byte) (plugins.Module, error) {
			return oneHandlerModule{}, nil
		}),
	})
	f.catalog = plugins.NewCatalog(s, f.registry, f.dir, clk)
	f.factory = userbottest.NewFactory()
	f.m = session.NewManager(s, f.factory, f.registry, session.Options{Clock: clk})
	t.Cleanup(func() { _ = f.m.Shutdown(context.Background()) })

	acc := accounts.New(s, accounts.Options{OwnerID: ownerID, Clock: clk, Sessions: f.m})
	f.exec = commands.NewExecutor(commands.Deps{
		Catalog:  f.catalog,
		Users:    s,
		Sessions: f.m,
		Loaded:   f.registry,
		Accounts: acc,
		Audit:    audit.New(s, nil, 0, clk),
		Actor:    ownerID,
	})
	return f
}

func (f *fixture) login(t *testing.T, userID int64) {
	t.Helper()
	_, err := f.store.UpdateUser(context.Background(), userID, func(u *records.User) {
		u.LoggedIn = true
		u.SessionBlob = "blob-" + strconv.FormatInt(userID, 10)
		u.SessionVariant = records.VariantGotd
	})
	require.NoError(t, err)
}

func (f *fixture) addPlugin(t *testing.T, rec records.Plugin) {
	t.Helper()
	if rec.Filename == "" {
		rec.Filename = rec.Name + ".go"
	}
	require.NoError(t, f.store.SavePlugin(context.Background(), rec))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, rec.Filename), []byte("package "+rec.Name+"\n"), 0o600))
}

func (f *fixture) enable(t *testing.T, userID int64, name string) {
	t.Helper()
	_, err := f.m.EnablePlugin(context.Background(), userID, name)
	require.NoError(t, err)
}

func (f *fixture) user(t *testing.T, userID int64) records.User {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u
}

func TestDisablePluginSweepsAllUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addPlugin(t, records.Plugin{Name: "notes", Public: true})
	f.addPlugin(t, records.Plugin{Name: "weather", Public: true})
	for id := int64(1); id <= 5; id++ {
		f.login(t, id)
		f.enable(t, id, "notes")
		f.enable(t, id, "weather")
	}

	res, err := f.exec.DisablePlugin(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, &commands.SweepResult{Affected: 5}, res)

	for id := int64(1); id <= 5; id++ {
		assert.False(t, f.registry.IsActive(id, "notes"))
		assert.True(t, f.registry.IsActive(id, "weather"))
		c, ok := f.m.Client(id)
		require.True(t, ok)
		assert.Len(t, c.ListEventHandlers(), 1)
		assert.Equal(t, []string{"weather"}, f.user(t, id).ActivePlugins)
	}
	assert.Empty(t, f.registry.Users("notes"))

	p, err := f.catalog.Get(ctx, "notes")
	require.NoError(t, err)
	assert.True(t, p.Disabled)
	_, err = f.m.EnablePlugin(ctx, 1, "notes")
	require.ErrorIs(t, err, plugins.ErrDisabled)

	require.NoError(t, f.exec.EnablePlugin(ctx, "notes"))
	f.enable(t, 1, "notes")
}

func TestDisablePluginClearsPersistedSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addPlugin(t, records.Plugin{Name: "notes", Public: true})
	_, err := f.store.UpdateUser(ctx, 7, func(u *records.User) {
		u.ActivePlugins = []string{"notes", "weather"}
	})
	require.NoError(t, err)

	res, err := f.exec.DisablePlugin(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)
	assert.Equal(t, []string{"weather"}, f.user(t, 7).ActivePlugins)
}

func TestSetPrivateKeepsAllowedUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addPlugin(t, records.Plugin{Name: "notes", Public: true, AllowedUsers: []int64{1}})
	f.login(t, 1)
	f.login(t, 2)
	f.enable(t, 1, "notes")
	f.enable(t, 2, "notes")

	res, err := f.exec.SetPublic(ctx, "notes", false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)
	assert.True(t, f.registry.IsActive(1, "notes"))
	assert.False(t, f.registry.IsActive(2, "notes"))

	res, err = f.exec.RevokeUser(ctx, "notes", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)
	assert.False(t, f.registry.IsActive(1, "notes"))

	require.NoError(t, f.exec.AllowUser(ctx, "notes", 2))
	f.enable(t, 2, "notes")
}

func TestRestrictUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addPlugin(t, records.Plugin{Name: "notes", Public: true})
	f.login(t, 1)
	f.login(t, 2)
	f.enable(t, 1, "notes")
	f.enable(t, 2, "notes")

	res, err := f.exec.RestrictUser(ctx, "notes", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)
	assert.True(t, f.registry.IsActive(1, "notes"))
	assert.False(t, f.registry.IsActive(2, "notes"))

	_, err = f.m.EnablePlugin(ctx, 2, "notes")
	require.ErrorIs(t, err, plugins.ErrRestricted)
	require.NoError(t, f.exec.UnrestrictUser(ctx, "notes", 2))
	f.enable(t, 2, "notes")
}

func TestForceActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addPlugin(t, records.Plugin{Name: "notes", Public: true, RestrictedUsers: []int64{3}})
	for id := int64(1); id <= 3; id++ {
		f.login(t, id)
	}
	f.enable(t, 1, "notes")
	_, err := f.store.UpdateUser(ctx, 4, func(u *records.User) { u.Username = "offline" })
	require.NoError(t, err)

	res, err := f.exec.SetForceActive(ctx, "notes", true)
	require.NoError(t, err)
	assert.Equal(t, &commands.SweepResult{Affected: 1}, res)
	assert.True(t, f.registry.IsActive(2, "notes"))
	assert.False(t, f.registry.IsActive(3, "notes"))
	assert.False(t, f.registry.IsActive(4, "notes"))

	res, err = f.exec.SetForceActive(ctx, "notes", false)
	require.NoError(t, err)
	assert.Zero(t, res.Affected)
	assert.True(t, f.registry.IsActive(2, "notes"))
}

func TestDeletePlugin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addPlugin(t, records.Plugin{Name: "notes", Public: true})
	f.login(t, 1)
	f.enable(t, 1, "notes")

	res, err := f.exec.DeletePlugin(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)
	assert.Empty(t, f.user(t, 1).ActivePlugins)

	_, err = f.catalog.Get(ctx, "notes")
	require.ErrorIs(t, err, plugins.ErrNotFound)
	assert.NoFileExists(t, filepath.Join(f.dir, "notes.go"))

	_, err = f.exec.DeletePlugin(ctx, "notes")
	require.ErrorIs(t, err, plugins.ErrNotFound)
}

func TestReloadPlugin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addPlugin(t, records.Plugin{Name: "notes", Public: true})
	f.login(t, 1)
	f.enable(t, 1, "notes")
	before := f.registry.Handlers(1, "notes")

	f.exec.OnSourceChanged(ctx, filepath.Join(f.dir, "notes.go"))

	assert.True(t, f.registry.IsActive(1, "notes"))
	after := f.registry.Handlers(1, "notes")
	require.Len(t, after, 1)
	assert.NotEqual(t, before, after)
	c, ok := f.m.Client(1)
	require.True(t, ok)
	assert.Len(t, c.ListEventHandlers(), 1)
}

func TestShowStatsAndLogs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addPlugin(t, records.Plugin{Name: "notes", Public: true})
	f.login(t, 1)
	f.enable(t, 1, "notes")

	show, err := f.exec.ShowPlugin(ctx, "NOTES")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, show.Loaded)

	require.NoError(t, f.exec.Ban(ctx, 2, "spam"))
	require.ErrorIs(t, f.exec.Ban(ctx, ownerID, ""), accounts.ErrOwner)

	st, err := f.exec.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Plugins)
	assert.Equal(t, 1, st.PluginsLoaded)
	assert.Equal(t, 1, st.Sessions.ActiveClients)
	assert.Equal(t, 2, st.Users.Total)
	assert.Equal(t, 1, st.Users.Banned)

	_, err = f.exec.DisablePlugin(ctx, "notes")
	require.NoError(t, err)
	entries, err := f.exec.Logs(ctx, 10, audit.KindPlugin)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "Plugin disabled: notes")
}
