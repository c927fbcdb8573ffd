// Package throttle — ограничение частоты и повторные попытки для внешних интеграций
// (Bot API, установка зависимостей). Токен-бакет x/time/rate задаёт среднюю частоту,
// экспоненциальный backoff с джиттером — паузы между повторами. Серверные указания
// подождать (retry_after, FLOOD_WAIT) распознаются WaitExtractor'ами и соблюдаются
// точно, не расходуя лимит повторов. Throttler потокобезопасен.
package throttle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"golang.org/x/time/rate"
)

// burstMultiplier задаёт burst по умолчанию как кратный rate.
const burstMultiplier = 2

// Параметры backoff по умолчанию.
const (
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = time.Minute
)

// WaitExtractor анализирует ошибку и, при необходимости, возвращает длительность ожидания.
// Экстракторы вызываются по порядку регистрации, первый совпавший определяет паузу.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer объявляет необходимость немедленно прекратить повторные попытки.
type StopRetryer interface {
	StopRetry() bool
}

// Option задаёт параметры троттлера.
type Option func(*Throttler)

// WithMaxRetries ограничивает число повторов. <=0 — без ограничения.
func WithMaxRetries(n int) Option {
	return func(t *Throttler) { t.maxRetries = n }
}

// WithBurst переопределяет ёмкость бакета.
func WithBurst(burst int) Option {
	return func(t *Throttler) { t.burst = burst }
}

// WithWaitExtractors регистрирует экстракторы серверных задержек.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) { t.waitExtractors = append(t.waitExtractors, extractors...) }
}

// WithBackoff задаёт начальный и максимальный интервалы backoff (для тестов).
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(t *Throttler) {
		t.initial = initial
		t.maxInterval = maxInterval
	}
}

// Throttler — токен-бакет плюс стратегия повторов.
type Throttler struct {
	limiter        *rate.Limiter
	burst          int
	maxRetries     int
	initial        time.Duration
	maxInterval    time.Duration
	waitExtractors []WaitExtractor
}

// New создаёт троттлер с частотой rps операций в секунду. По умолчанию burst = 2*rps.
func New(rps int, opts ...Option) *Throttler {
	if rps <= 0 {
		rps = 1
	}
	t := &Throttler{
		burst:       rps * burstMultiplier,
		initial:     DefaultInitialInterval,
		maxInterval: DefaultMaxInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.burst < 1 {
		t.burst = 1
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), t.burst)
	return t
}

// Do выполняет fn с учётом лимита частоты и повторяет её при ошибке:
//   - StopRetryer или отмена контекста возвращаются сразу;
//   - распознанная серверная пауза выдерживается без роста счётчика попыток;
//   - прочие ошибки повторяются с экспоненциальным backoff до исчерпания лимита.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(t.initial),
		backoff.WithMaxInterval(t.maxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	attempt := 0
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr
		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr
		}

		if wait, ok := t.extractWait(callErr); ok {
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if t.maxRetries > 0 && attempt >= t.maxRetries {
			return errors.Wrapf(callErr, "throttle: max retries reached (%d)", t.maxRetries)
		}
		attempt++
		if err := sleep(ctx, b.NextBackOff()); err != nil {
			return err
		}
	}
}

func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range t.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
