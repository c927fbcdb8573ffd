package concurrency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"kingtg-userbot/internal/infra/logger"
)

// Loop периодически вызывает fn, пока не будет остановлен. Очередной тик не
// начинается, пока не завершился предыдущий; паника внутри fn логируется и
// не останавливает цикл.
type Loop struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop создаёт цикл с именем для логов. interval должен быть положительным.
func NewLoop(name string, interval time.Duration, fn func(ctx context.Context)) *Loop {
	return &Loop{name: name, interval: interval, fn: fn}
}

// Start поднимает фоновую горутину. Повторные вызовы игнорируются.
func (l *Loop) Start(ctx context.Context) {
	if ctx == nil || l.interval <= 0 {
		return
	}
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Go(func() {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		logger.Debug("Loop started", zap.String("loop", l.name), zap.Duration("interval", l.interval))
		for {
			select {
			case <-runCtx.Done():
				logger.Debug("Loop stopped", zap.String("loop", l.name))
				return
			case <-ticker.C:
				l.tick(runCtx)
			}
		}
	})
}

func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Loop tick panicked", zap.String("loop", l.name), zap.Any("panic", r))
		}
	}()
	l.fn(ctx)
}

// Stop отменяет цикл и дожидается завершения текущего тика.
func (l *Loop) Stop() {
	l.runMu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
}
