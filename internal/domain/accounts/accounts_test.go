package accounts_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/domain/accounts"
	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/infra/clock"
	"kingtg-userbot/internal/infra/store"
)

const ownerID = 100

type sessions struct {
	mu      sync.Mutex
	logouts []int64
}

func (s *sessions) Logout(_ context.Context, userID int64, _, _ bool) error {
	s.mu.Lock()
	s.logouts = append(s.logouts, userID)
	s.mu.Unlock()
	return nil
}

type auditor struct {
	mu    sync.Mutex
	kinds []string
}

func (a *auditor) SendLog(_ context.Context, kind, _ string, _ int64) {
	a.mu.Lock()
	a.kinds = append(a.kinds, kind)
	a.mu.Unlock()
}

type lookup struct {
	profiles map[int64]accounts.ChatInfo
	gone     map[int64]bool
	calls    []int64
}

func (l *lookup) GetChat(_ context.Context, userID int64) (accounts.ChatInfo, error) {
	l.calls = append(l.calls, userID)
	if l.gone[userID] {
		return accounts.ChatInfo{}, errors.Wrap(accounts.ErrChatGone, "Bad Request: chat not found")
	}
	info, ok := l.profiles[userID]
	if !ok {
		return accounts.ChatInfo{}, errors.New("timeout")
	}
	return info, nil
}

type fixture struct {
	store    *store.Store
	sessions *sessions
	audit    *auditor
	clock    *clock.Fake
	lookup   *lookup
	svc      *accounts.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "userbot.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store:    s,
		sessions: &sessions{},
		audit:    &auditor{},
		clock:    clock.NewFake(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)),
		lookup:   &lookup{profiles: map[int64]accounts.ChatInfo{}, gone: map[int64]bool{}},
	}
	f.svc = accounts.New(s, accounts.Options{
		OwnerID:     ownerID,
		SyncSpacing: time.Millisecond,
		Clock:       f.clock,
		Lookup:      f.lookup,
		Sessions:    f.sessions,
		Audit:       f.audit,
	})
	return f
}

func TestRegisterKeepsCreatedAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	u, err := f.svc.Register(ctx, 1, "alice", "Alice")
	require.NoError(t, err)
	created := u.CreatedAt

	f.clock.Advance(time.Hour)
	u, err = f.svc.Register(ctx, 1, "alice2", "")
	require.NoError(t, err)
	assert.True(t, u.CreatedAt.Equal(created))
	assert.Equal(t, "alice2", u.Username)
	assert.Equal(t, "Alice", u.FirstName)
	assert.True(t, u.LastActive.Equal(created.Add(time.Hour)))
}

func TestBanAndUnban(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.ErrorIs(t, f.svc.Ban(ctx, ownerID, "", ownerID), accounts.ErrOwner)

	require.NoError(t, f.svc.Ban(ctx, 5, "spam", ownerID))
	assert.Equal(t, []int64{5}, f.sessions.logouts)
	u, err := f.store.GetUser(ctx, 5)
	require.NoError(t, err)
	assert.True(t, u.Banned)
	assert.Equal(t, "spam", u.BanReason)
	require.ErrorIs(t, f.svc.CheckAccess(ctx, 5), accounts.ErrBanned)

	require.NoError(t, f.svc.Unban(ctx, 5, ownerID))
	require.NoError(t, f.svc.CheckAccess(ctx, 5))
	require.ErrorIs(t, f.svc.Unban(ctx, 404, ownerID), records.ErrNotFound)
	assert.Equal(t, []string{"ban", "ban"}, f.audit.kinds)
}

func TestSudo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	assert.True(t, f.svc.IsSudo(ctx, ownerID))
	assert.False(t, f.svc.IsSudo(ctx, 3))
	require.NoError(t, f.svc.SetSudo(ctx, 3, true, ownerID))
	assert.True(t, f.svc.IsSudo(ctx, 3))
	require.NoError(t, f.svc.SetSudo(ctx, 3, false, ownerID))
	assert.False(t, f.svc.IsSudo(ctx, 3))
	require.ErrorIs(t, f.svc.SetSudo(ctx, ownerID, false, ownerID), accounts.ErrOwner)
}

func TestCheckAccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.Register(ctx, 1, "", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.SetSudo(ctx, 2, true, ownerID))

	_, err = f.svc.SetMaintenance(ctx, true)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.CheckAccess(ctx, 1), accounts.ErrMaintenance)
	assert.NoError(t, f.svc.CheckAccess(ctx, 2))
	assert.NoError(t, f.svc.CheckAccess(ctx, ownerID))

	_, err = f.svc.SetMaintenance(ctx, false)
	require.NoError(t, err)
	_, err = f.svc.SetBotMode(ctx, records.BotModePrivate)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.CheckAccess(ctx, 1), accounts.ErrPrivateMode)
	assert.NoError(t, f.svc.CheckAccess(ctx, 2))

	_, err = f.svc.SetBotMode(ctx, "secret")
	require.Error(t, err)
	_, err = f.svc.SetBotMode(ctx, records.BotModePublic)
	require.NoError(t, err)

	_, err = f.svc.SetMaxUsers(ctx, 2)
	require.NoError(t, err)
	assert.NoError(t, f.svc.CheckAccess(ctx, 1), "known users are not limited")
	assert.ErrorIs(t, f.svc.CheckAccess(ctx, 3), accounts.ErrUserLimit)
}

func TestSyncUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	for _, id := range []int64{1, 2, 3, ownerID} {
		_, err := f.svc.Register(ctx, id, "old", "Old")
		require.NoError(t, err)
	}
	f.lookup.profiles[1] = accounts.ChatInfo{Username: "new", FirstName: "New"}
	f.lookup.gone[2] = true

	res, err := f.svc.SyncUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, accounts.SyncResult{Checked: 3, Updated: 1, MarkedDeleted: 1, Failed: 1}, res)
	assert.NotContains(t, f.lookup.calls, int64(ownerID))

	u1, err := f.store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "new", u1.Username)
	u2, err := f.store.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.True(t, u2.Deleted)

	// Внутри срока хранения запись остаётся.
	f.clock.Advance(7 * 24 * time.Hour)
	res, err = f.svc.SyncUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)

	f.clock.Advance(time.Hour)
	res, err = f.svc.SyncUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	_, err = f.store.GetUser(ctx, 2)
	assert.ErrorIs(t, err, records.ErrNotFound)
	assert.Contains(t, f.sessions.logouts, int64(2))

	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
}

func TestSyncRestoresReappearedAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.Register(ctx, 1, "old", "")
	require.NoError(t, err)

	f.lookup.gone[1] = true
	_, err = f.svc.SyncUsers(ctx)
	require.NoError(t, err)

	delete(f.lookup.gone, 1)
	f.lookup.profiles[1] = accounts.ChatInfo{Username: "old"}
	res, err := f.svc.SyncUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	u, err := f.store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.Deleted)
}
