package session_test

import (
	"context"
	"testing"

	"github.com/gotd/td/crypto"
	tdsession "github.com/gotd/td/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/infra/telegram/session"
)

func TestBlobStorageRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := session.NewBlobStorage()
	_, err := src.LoadSession(ctx)
	require.ErrorIs(t, err, tdsession.ErrNotFound)
	_, err = src.Export()
	require.ErrorIs(t, err, session.ErrEmptyBlob)

	var key crypto.Key
	key[0] = 7
	data := &tdsession.Data{DC: 2, Addr: "149.154.167.50:443", AuthKey: key[:], AuthKeyID: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	require.NoError(t, (&tdsession.Loader{Storage: src}).Save(ctx, data))

	blob, err := src.Export()
	require.NoError(t, err)

	restored, err := session.FromBlob(ctx, blob, records.VariantGotd)
	require.NoError(t, err)
	got, err := (&tdsession.Loader{Storage: restored}).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.DC)
	assert.Equal(t, data.AuthKey, got.AuthKey)
}

func TestFromBlobRejectsGarbage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := session.FromBlob(ctx, "  ", records.VariantGotd)
	require.ErrorIs(t, err, session.ErrEmptyBlob)

	_, err = session.FromBlob(ctx, "%%%", records.VariantGotd)
	require.Error(t, err)

	_, err = session.FromBlob(ctx, "1abc", records.VariantTelethon)
	require.Error(t, err)

	_, err = session.FromBlob(ctx, "AAAA", "pyrogram")
	require.Error(t, err)
}
