package userbot_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/domain/userbot"
)

func TestFilterMatch(t *testing.T) {
	t.Parallel()

	cmd := regexp.MustCompile(`^\.afk(?: (.*))?$`)
	tests := []struct {
		name   string
		filter userbot.Filter
		msg    userbot.Message
		ok     bool
		groups []string
	}{
		{name: "zero filter", msg: userbot.Message{Text: "hi"}, ok: true},
		{name: "outgoing only rejects incoming", filter: userbot.Filter{Outgoing: true}, msg: userbot.Message{}, ok: false},
		{name: "incoming only rejects outgoing", filter: userbot.Filter{Incoming: true}, msg: userbot.Message{Outgoing: true}, ok: false},
		{name: "both directions", filter: userbot.Filter{Incoming: true, Outgoing: true}, msg: userbot.Message{Outgoing: true}, ok: true},
		{name: "chat filter", filter: userbot.Filter{Chats: []int64{5}}, msg: userbot.Message{ChatID: 6}, ok: false},
		{name: "sender filter", filter: userbot.Filter{FromUsers: []int64{9}}, msg: userbot.Message{SenderID: 9}, ok: true},
		{
			name:   "pattern groups",
			filter: userbot.Filter{Outgoing: true, Pattern: cmd},
			msg:    userbot.Message{Outgoing: true, Text: ".afk lunch"},
			ok:     true,
			groups: []string{".afk lunch", "lunch"},
		},
		{name: "pattern miss", filter: userbot.Filter{Pattern: cmd}, msg: userbot.Message{Text: "afk"}, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			groups, ok := tt.filter.Match(&tt.msg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.groups, groups)
		})
	}
}

func TestHandlerTableAddRemoveDispatch(t *testing.T) {
	t.Parallel()

	table := userbot.NewHandlerTable(nil)
	var calls []string
	a := table.Add(func(_ context.Context, m *userbot.Message) error {
		calls = append(calls, "a:"+m.Matches[1])
		return nil
	}, userbot.Filter{Pattern: regexp.MustCompile(`^\.(\w+)`)})
	table.Add(func(context.Context, *userbot.Message) error {
		calls = append(calls, "b")
		return errors.New("handler error is logged")
	}, userbot.Filter{})
	table.Add(func(context.Context, *userbot.Message) error {
		panic("panics are contained")
	}, userbot.Filter{})

	n := table.Dispatch(context.Background(), &userbot.Message{Text: ".ping"})
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a:ping", "b"}, calls)

	require.NoError(t, table.Remove(a))
	assert.ErrorIs(t, table.Remove(a), userbot.ErrHandlerNotFound)
	assert.Equal(t, 2, table.Len())

	ids := make([]userbot.HandlerID, 0)
	for _, r := range table.List() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []userbot.HandlerID{2, 3}, ids)
}

func TestMessageWithoutResponder(t *testing.T) {
	t.Parallel()
	m := &userbot.Message{Text: "x"}
	assert.ErrorIs(t, m.Reply(context.Background(), "y"), userbot.ErrNoResponder)
}
