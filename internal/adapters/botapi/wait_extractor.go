package botapi

import (
	"time"

	"github.com/go-faster/errors"

	"kingtg-userbot/internal/infra/throttle"
)

// retryAfterProvider — ошибки, несущие серверный retry_after.
type retryAfterProvider interface {
	RetryAfter() time.Duration
}

// RetryAfterExtractor создаёт throttle.WaitExtractor, извлекающий retry_after из ошибки.
// Интервал сервера соблюдается ровно, без джиттера.
func RetryAfterExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		var provider retryAfterProvider
		if err == nil || !errors.As(err, &provider) {
			return 0, false
		}
		wait := provider.RetryAfter()
		if wait <= 0 {
			return 0, false
		}
		return wait, true
	}
}
