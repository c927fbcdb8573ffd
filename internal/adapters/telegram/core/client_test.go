package core_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gotd/td/crypto"
	tdsession "github.com/gotd/td/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/adapters/telegram/core"
	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/userbot"
	"kingtg-userbot/internal/infra/telegram/peersmgr"
	tgsession "kingtg-userbot/internal/infra/telegram/session"
)

func newFactory(t *testing.T) *core.Factory {
	t.Helper()
	cache, err := peersmgr.Open(filepath.Join(t.TempDir(), "mtproto.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return core.NewFactory(core.Config{AppID: 1, AppHash: "hash", RPS: 5}, cache)
}

func exportedBlob(t *testing.T) string {
	t.Helper()
	st := tgsession.NewBlobStorage()
	var key crypto.Key
	key[1] = 9
	data := &tdsession.Data{DC: 2, AuthKey: key[:], AuthKeyID: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	require.NoError(t, (&tdsession.Loader{Storage: st}).Save(context.Background(), data))
	blob, err := st.Export()
	require.NoError(t, err)
	return blob
}

func TestFactoryRejectsUnreadableBlob(t *testing.T) {
	t.Parallel()
	f := newFactory(t)

	_, err := f.NewClient(1, userbot.Credential{Blob: "not base64!", Variant: records.VariantGotd})
	require.ErrorIs(t, err, userbot.ErrCredentialInvalid)

	_, err = f.NewClient(1, userbot.Credential{Blob: "", Variant: records.VariantGotd})
	require.ErrorIs(t, err, userbot.ErrCredentialInvalid)
}

func TestClientBeforeConnect(t *testing.T) {
	t.Parallel()
	f := newFactory(t)
	ctx := context.Background()

	c, err := f.NewClient(7, userbot.Credential{Blob: exportedBlob(t), Variant: records.VariantGotd})
	require.NoError(t, err)
	assert.False(t, c.Connected())

	_, err = c.IsUserAuthorized(ctx)
	require.Error(t, err)
	_, err = c.GetMe(ctx)
	require.Error(t, err)

	id := c.AddEventHandler(func(context.Context, *userbot.Message) error { return nil }, userbot.Filter{Outgoing: true})
	require.Len(t, c.ListEventHandlers(), 1)
	require.NoError(t, c.RemoveEventHandler(id))
	assert.ErrorIs(t, c.RemoveEventHandler(id), userbot.ErrHandlerNotFound)

	require.NoError(t, c.Disconnect(ctx))
}
