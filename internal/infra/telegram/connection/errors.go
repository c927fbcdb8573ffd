// Package connection классифицирует ошибки MTProto-клиента: отозванные учётные данные
// (терминально, повтор бесполезен), сетевые сбои (временно, повтор по расписанию)
// и FLOOD_WAIT (пауза, названная сервером).
package connection

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"
)

// credentialErrors — RPC-ошибки, означающие, что ключ авторизации больше не действует.
var credentialErrors = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_DUPLICATED",
	"AUTH_KEY_PERM_EMPTY",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

// IsCredentialInvalid сообщает, что сервер отверг учётные данные.
func IsCredentialInvalid(err error) bool {
	if err == nil {
		return false
	}
	return tgerr.Is(err, credentialErrors...) || auth.IsUnauthorized(err)
}

// IsNetworkError определяет, сигнализирует ли ошибка о сетевой проблеме или разрыве.
// Сетевыми считаются закрытия соединения и движка, исчерпание ретраев RPC,
// таймауты, EOF и net.Error. Отмена контекста сетевой не считается.
func IsNetworkError(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, pool.ErrConnDead),
		errors.Is(err, rpc.ErrEngineClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF):
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// FloodWait извлекает паузу FLOOD_WAIT / FLOOD_PREMIUM_WAIT.
func FloodWait(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	return tgerr.AsFloodWait(err)
}
