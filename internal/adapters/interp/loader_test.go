package interp_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/adapters/interp"
	"kingtg-userbot/internal/domain/userbot"
	"kingtg-userbot/internal/domain/userbot/userbottest"
	"kingtg-userbot/pkg/compat"
)

const pingSource = `package ping

import (
	"context"

	"kingtg-userbot/pkg/compat"
)

var ids []compat.HandlerID

func Register(c *compat.Client) error {
	id := c.On(compat.Command("ping"), func(ctx context.Context, m *compat.Message) error {
		return c.SendMessage(ctx, m.ChatID, "pong")
	})
	ids = append(ids, id)
	c.Help().AddCommand("ping", "", "answers pong", ".ping").Add()
	return nil
}

func Unregister(c *compat.Client) error {
	for _, id := range ids {
		_ = c.Off(id)
	}
	return nil
}
`

func TestLoaderRegistersHandlers(t *testing.T) {
	t.Parallel()

	client := userbottest.NewClient(1, userbot.Credential{})
	help := compat.NewHelpRegistry()
	facade := compat.NewClient(client, 1, "ping", help)

	mod, err := interp.NewLoader(t.TempDir(), nil).Load(context.Background(), "ping", []byte(pingSource))
	require.NoError(t, err)
	require.True(t, mod.HasRegister())
	require.True(t, mod.HasUnregister())

	require.NoError(t, mod.Register(facade))
	require.Len(t, client.ListEventHandlers(), 1)
	_, ok := help.Get("ping")
	assert.True(t, ok)

	n := client.Emit(context.Background(), &userbot.Message{ChatID: 5, Text: ".ping", Outgoing: true})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"pong"}, client.Sent())

	require.NoError(t, mod.Unregister(facade))
	assert.Empty(t, client.ListEventHandlers())
	mod.Close()
	assert.False(t, mod.HasRegister())
}

func TestLoaderIsolatesInstances(t *testing.T) {
	t.Parallel()

	loader := interp.NewLoader(t.TempDir(), nil)
	first := userbottest.NewClient(1, userbot.Credential{})
	second := userbottest.NewClient(2, userbot.Credential{})

	m1, err := loader.Load(context.Background(), "ping", []byte(pingSource))
	require.NoError(t, err)
	m2, err := loader.Load(context.Background(), "ping", []byte(pingSource))
	require.NoError(t, err)

	require.NoError(t, m1.Register(compat.NewClient(first, 1, "ping", nil)))
	require.NoError(t, m2.Register(compat.NewClient(second, 2, "ping", nil)))

	// Unregister первого экземпляра видит только свои id.
	require.NoError(t, m1.Unregister(compat.NewClient(first, 1, "ping", nil)))
	assert.Empty(t, first.ListEventHandlers())
	assert.Len(t, second.ListEventHandlers(), 1)
}

func TestLoaderErrors(t *testing.T) {
	t.Parallel()

	loader := interp.NewLoader(t.TempDir(), nil)
	tests := []struct {
		name string
		src  string
	}{
		{name: "syntax", src: "package broken\nfunc Register( {"},
		{name: "no package", src: "func main() {}"},
		{name: "bad signature", src: "package bad\nfunc Register(x int) {}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := loader.Load(context.Background(), tt.name, []byte(tt.src))
			require.Error(t, err)
			assert.ErrorIs(t, err, interp.ErrRuntime)
		})
	}
}

func TestModuleRegisterFailureIsRuntimeError(t *testing.T) {
	t.Parallel()

	src := `package failing

import (
	"errors"

	"kingtg-userbot/pkg/compat"
)

func Register(c *compat.Client) error {
	return errors.New("boom")
}
`
	mod, err := interp.NewLoader(t.TempDir(), nil).Load(context.Background(), "failing", []byte(src))
	require.NoError(t, err)
	client := userbottest.NewClient(1, userbot.Credential{})
	err = mod.Register(compat.NewClient(client, 1, "failing", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, interp.ErrRuntime)
	assert.Contains(t, err.Error(), "boom")
}
