package peersmgr_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gotd/contrib/storage"
	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/infra/telegram/peersmgr"
)

func TestMarkedID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(42), peersmgr.MarkedID(&tg.PeerUser{UserID: 42}))
	assert.Equal(t, int64(-7), peersmgr.MarkedID(&tg.PeerChat{ChatID: 7}))
	assert.Equal(t, int64(-1000000000123), peersmgr.MarkedID(&tg.PeerChannel{ChannelID: 123}))
	assert.Equal(t, int64(0), peersmgr.MarkedID(nil))
}

func TestCacheForgetAndEmptyLoad(t *testing.T) {
	t.Parallel()
	cache, err := peersmgr.Open(filepath.Join(t.TempDir(), "sub", "mtproto.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	require.NotNil(t, cache.State())
	svc := cache.ForUser(tg.NewClient(nil), 5)
	require.NoError(t, svc.LoadFromStorage(context.Background()))
	require.NoError(t, cache.Forget(5))
	require.NoError(t, cache.Forget(5))

	_, err = svc.InputPeer(context.Background(), 0)
	require.Error(t, err)
}

func TestServiceEmpty(t *testing.T) {
	t.Parallel()
	cache, err := peersmgr.Open(filepath.Join(t.TempDir(), "mtproto.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	ctx := context.Background()
	svc := cache.ForUser(tg.NewClient(nil), 9)
	empty, err := svc.Empty()
	require.NoError(t, err)
	assert.True(t, empty)

	var p storage.Peer
	require.True(t, p.FromUser(&tg.User{ID: 100, AccessHash: 7}))
	require.NoError(t, svc.Store().Add(ctx, p))
	empty, err = svc.Empty()
	require.NoError(t, err)
	assert.False(t, empty)

	require.NoError(t, cache.Forget(9))
	empty, err = svc.Empty()
	require.NoError(t, err)
	assert.True(t, empty)
}
