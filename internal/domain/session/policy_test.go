package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/session"
)

func TestUnconfirmedAlwaysOnIsTornDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, session.Options{})
	f.login(t, 1, nil)
	f.addPlugin(t, "keeper", true)

	_, err := f.m.EnablePlugin(ctx, 1, "keeper")
	require.NoError(t, err)
	require.True(t, f.m.IsAlwaysOn(1))
	assert.Equal(t, []string{"keeper"}, f.user(t, 1).AlwaysOnPlugins)

	f.clock.Advance(72 * time.Hour)
	f.m.CheckRenewals(ctx)
	assert.Empty(t, f.messenger.To(1), "prompt is not due exactly at the interval")

	f.clock.Advance(time.Second)
	f.m.CheckRenewals(ctx)
	msgs := f.messenger.To(1)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].buttons, 2)
	assert.Equal(t, "always_confirm_1", msgs[0].buttons[0][0].Data)
	assert.Equal(t, "always_stop_1", msgs[0].buttons[1][0].Data)
	assert.True(t, f.m.PendingConfirmation(1))

	f.clock.Advance(time.Hour)
	f.m.CheckRenewals(ctx)
	assert.Len(t, f.messenger.To(1), 1, "one prompt while pending")

	f.clock.Advance(24 * time.Hour)
	f.m.CheckRenewals(ctx)

	assert.False(t, f.m.IsAlwaysOn(1))
	assert.False(t, f.registry.IsActive(1, "keeper"))
	_, ok := f.m.Client(1)
	assert.False(t, ok)
	u := f.user(t, 1)
	assert.Empty(t, u.AlwaysOnPlugins)
	assert.Empty(t, u.ActivePlugins)
	assert.True(t, u.LastConfirm.IsZero())

	f.m.CheckRenewals(ctx)
	msgs = f.messenger.To(1)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].text, "Always-on stopped")
	assert.Nil(t, msgs[1].buttons)
}

func TestHandleConfirmationConfirm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, session.Options{})
	f.login(t, 1, nil)
	f.addPlugin(t, "keeper", true)

	_, err := f.m.EnablePlugin(ctx, 1, "keeper")
	require.NoError(t, err)
	f.clock.Advance(73 * time.Hour)
	f.m.CheckRenewals(ctx)
	require.True(t, f.m.PendingConfirmation(1))

	f.clock.Advance(time.Hour)
	f.m.HandleConfirmation(ctx, 1, true)
	now := f.clock.Now()

	assert.False(t, f.m.PendingConfirmation(1))
	at, ok := f.m.LastConfirm(1)
	require.True(t, ok)
	assert.True(t, at.Equal(now))
	assert.True(t, f.user(t, 1).LastConfirm.Equal(now))

	// Ожидание истекло бы, но подтверждение его сняло.
	f.clock.Advance(48 * time.Hour)
	f.m.CheckRenewals(ctx)
	assert.True(t, f.m.IsAlwaysOn(1))
	assert.True(t, f.registry.IsActive(1, "keeper"))
	assert.Len(t, f.messenger.To(1), 1)
}

func TestHandleConfirmationDecline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, session.Options{})
	f.login(t, 1, nil)
	f.addPlugin(t, "keeper", true)

	_, err := f.m.EnablePlugin(ctx, 1, "keeper")
	require.NoError(t, err)

	f.m.HandleConfirmation(ctx, 1, false)
	assert.False(t, f.m.IsAlwaysOn(1))
	assert.False(t, f.registry.IsActive(1, "keeper"))
	_, ok := f.m.Client(1)
	assert.False(t, ok)
	msgs := f.messenger.To(1)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "keeper")

	// Повторный отказ без always-on ничего не шлёт.
	f.m.HandleConfirmation(ctx, 1, false)
	assert.Len(t, f.messenger.To(1), 1)
}

func TestDeclineKeepsOnDemandPluginsForNextClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, session.Options{})
	f.login(t, 1, nil)
	f.addPlugin(t, "afk", false)
	f.addPlugin(t, "keeper", true)

	_, err := f.m.EnablePlugin(ctx, 1, "afk")
	require.NoError(t, err)
	_, err = f.m.EnablePlugin(ctx, 1, "keeper")
	require.NoError(t, err)
	first := f.factory.Created(1)[0]
	require.Len(t, first.ListEventHandlers(), 2)

	f.m.HandleConfirmation(ctx, 1, false)
	_, ok := f.m.Client(1)
	assert.False(t, ok)
	assert.False(t, f.registry.HasActive(1), "nothing stays bound to a disconnected client")
	assert.Empty(t, first.ListEventHandlers())
	assert.Equal(t, []string{"afk"}, f.user(t, 1).ActivePlugins)

	client, err := f.m.GetOrCreateClient(ctx, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"afk"}, f.registry.Active(1))
	assert.Len(t, client.ListEventHandlers(), 1)
	assert.False(t, f.m.IsAlwaysOn(1))

	_, err = f.m.EnablePlugin(ctx, 1, "keeper")
	require.NoError(t, err)
	assert.True(t, f.m.IsAlwaysOn(1))
	assert.Len(t, client.ListEventHandlers(), 2)
}

func TestParseConfirmation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		data      string
		userID    int64
		confirmed bool
		ok        bool
	}{
		{data: "always_confirm_42", userID: 42, confirmed: true, ok: true},
		{data: "always_stop_42", userID: 42, ok: true},
		{data: "always_stop_x", ok: false},
		{data: "menu_plugins", ok: false},
		{data: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			t.Parallel()
			id, confirmed, ok := session.ParseConfirmation(tt.data)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.userID, id)
			assert.Equal(t, tt.confirmed, confirmed)
		})
	}
}

func TestTierFollowsAlwaysOnPlugins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, session.Options{AlwaysOnDefaults: []string{"legacy", "notes"}})
	f.login(t, 1, nil)
	f.addPlugin(t, "keeper", true)
	f.addPlugin(t, "notes", false)
	f.savePlugin(t, records.Plugin{Name: "legacy", Filename: "legacy.go", Public: true})

	// Явный always_on=false в записи сильнее legacy-списка.
	_, err := f.m.EnablePlugin(ctx, 1, "notes")
	require.NoError(t, err)
	assert.False(t, f.m.IsAlwaysOn(1))

	_, err = f.m.EnablePlugin(ctx, 1, "keeper")
	require.NoError(t, err)
	assert.True(t, f.m.IsAlwaysOn(1))

	_, err = f.m.EnablePlugin(ctx, 1, "legacy")
	require.NoError(t, err)
	assert.Equal(t, []string{"keeper", "legacy"}, f.m.AlwaysOnPlugins(1))

	_, err = f.m.DisablePlugin(ctx, 1, "keeper")
	require.NoError(t, err)
	assert.True(t, f.m.IsAlwaysOn(1))

	_, err = f.m.DisablePlugin(ctx, 1, "legacy")
	require.NoError(t, err)
	assert.False(t, f.m.IsAlwaysOn(1))
	u := f.user(t, 1)
	assert.Empty(t, u.AlwaysOnPlugins)
	assert.Equal(t, []string{"notes"}, u.ActivePlugins)
	assert.True(t, u.LastConfirm.IsZero())

	ok, err := f.m.DisablePlugin(ctx, 1, "keeper")
	require.NoError(t, err)
	assert.False(t, ok)
}
