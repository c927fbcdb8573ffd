package audit_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/domain/audit"
	"kingtg-userbot/internal/infra/clock"
	"kingtg-userbot/internal/infra/store"
)

type channel struct {
	mu    sync.Mutex
	posts map[int64][]string
	fail  bool
}

func (c *channel) SendText(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("bot api down")
	}
	if c.posts == nil {
		c.posts = make(map[int64][]string)
	}
	c.posts[chatID] = append(c.posts[chatID], text)
	return nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "userbot.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSendLogPostsAndStores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	ch := &channel{}
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	l := audit.New(s, ch, -1001, clock.NewFake(at))

	l.SendLog(ctx, audit.KindBan, "User banned: 42 <spam>", 7)
	l.SendLog(ctx, audit.KindSystem, "Bot started", 0)

	require.Len(t, ch.posts[-1001], 2)
	assert.Equal(t, "🚫 <b>BAN</b>\n\nUser banned: 42 &lt;spam&gt;\n\n👤 User ID: <code>7</code>\n⏱️ 2025-03-01 09:30:00", ch.posts[-1001][0])
	assert.NotContains(t, ch.posts[-1001][1], "User ID")

	entries, err := l.Recent(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.KindSystem, entries[0].Kind)
	assert.Equal(t, int64(7), entries[1].UserID)

	bans, err := l.Recent(ctx, 10, audit.KindBan)
	require.NoError(t, err)
	assert.Len(t, bans, 1)
}

func TestSendLogWithoutChannelStillStores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	ch := &channel{fail: true}

	audit.New(s, ch, -1001, nil).SendLog(ctx, audit.KindError, "post fails", 0)
	audit.New(s, nil, 0, nil).SendLog(ctx, "custom", "no channel", 0)

	entries, err := s.RecentLogs(ctx, 0, "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Contains(t, audit.Format("custom", "x", 0, "now"), "📋 <b>CUSTOM</b>")
}
