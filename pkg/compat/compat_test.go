package compat_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/domain/userbot"
	"kingtg-userbot/internal/domain/userbot/userbottest"
	"kingtg-userbot/pkg/compat"
)

func TestCommandFilter(t *testing.T) {
	t.Parallel()

	f := compat.Command("afk")
	groups, ok := f.Match(&userbot.Message{Outgoing: true, Text: ".afk back at 5"})
	require.True(t, ok)
	assert.Equal(t, "back at 5", groups[1])

	_, ok = f.Match(&userbot.Message{Outgoing: true, Text: ".afk"})
	assert.True(t, ok)
	_, ok = f.Match(&userbot.Message{Outgoing: true, Text: ".afking"})
	assert.False(t, ok)
	_, ok = f.Match(&userbot.Message{Outgoing: false, Text: ".afk"})
	assert.False(t, ok, "commands are outgoing only")
}

func TestClientOnRegistersOnInnerClient(t *testing.T) {
	t.Parallel()

	inner := userbottest.NewClient(1, userbot.Credential{})
	c := compat.NewClient(inner, 1, "afk", nil)
	id := c.On(compat.Command("afk"), func(context.Context, *compat.Message) error { return nil })

	regs := inner.ListEventHandlers()
	require.Len(t, regs, 1)
	assert.Equal(t, id, regs[0].ID)
	require.NoError(t, c.Off(id))
	assert.Empty(t, inner.ListEventHandlers())
}

func TestHelpRegistry(t *testing.T) {
	t.Parallel()

	reg := compat.NewHelpRegistry()
	c := compat.NewClient(userbottest.NewClient(1, userbot.Credential{}), 1, "afk", reg)
	c.Help().AddCommand("afk", "<reason>", "Marks you away", ".afk lunch").AddInfo("Auto-replies while away").Add()

	assert.Equal(t, []string{"afk"}, reg.Modules())
	text := reg.Format("afk")
	assert.Contains(t, text, "<code>.afk</code> <code>&lt;reason&gt;</code>")
	assert.Contains(t, text, "Auto-replies while away")

	reg.Forget("afk")
	assert.Empty(t, reg.Format("afk"))
}

func TestUtils(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0 B", compat.HumanBytes(0))
	assert.Equal(t, "512.00 B", compat.HumanBytes(512))
	assert.Equal(t, "1.50 KB", compat.HumanBytes(1536))
	assert.Equal(t, "1h 1s", compat.TimeFormatter(3601))
	assert.Equal(t, "2d", compat.ReadableTime(48*time.Hour))
}
