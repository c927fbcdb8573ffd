package connection_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"

	"kingtg-userbot/internal/infra/telegram/connection"
)

func TestIsCredentialInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unregistered", tgerr.New(401, "AUTH_KEY_UNREGISTERED"), true},
		{"revoked wrapped", errors.Wrap(tgerr.New(401, "SESSION_REVOKED"), "get me"), true},
		{"deactivated", tgerr.New(401, "USER_DEACTIVATED_BAN"), true},
		{"flood", tgerr.New(420, "FLOOD_WAIT_10"), false},
		{"network", io.EOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, connection.IsCredentialInvalid(tt.err))
		})
	}
}

func TestIsNetworkError(t *testing.T) {
	t.Parallel()
	assert.True(t, connection.IsNetworkError(errors.Wrap(io.EOF, "read")))
	assert.True(t, connection.IsNetworkError(context.DeadlineExceeded))
	assert.False(t, connection.IsNetworkError(context.Canceled))
	assert.False(t, connection.IsNetworkError(tgerr.New(400, "PEER_ID_INVALID")))
	assert.False(t, connection.IsNetworkError(nil))
}

func TestFloodWait(t *testing.T) {
	t.Parallel()
	d, ok := connection.FloodWait(tgerr.New(420, "FLOOD_WAIT_42"))
	assert.True(t, ok)
	assert.Equal(t, 42*time.Second, d)

	_, ok = connection.FloodWait(io.EOF)
	assert.False(t, ok)
}
