package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// errStoppedEarly — клиент завершился, не дойдя до готовности.
var errStoppedEarly = errors.New("client stopped before it was ready")

// conn держит фоновый цикл telegram.Client.Run. gotd-клиент живёт только внутри Run,
// поэтому подключение — это горутина, которая сигналит о готовности и держит
// соединение до отмены.
type conn struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	up     atomic.Bool
	log    *zap.Logger
}

// runFunc выполняет работу внутри Run; ready вызывается, когда соединение пригодно.
type runFunc func(ctx context.Context, ready func()) error

// start поднимает цикл и ждёт готовности, ошибки запуска или отмены ctx.
// Повторный вызов на поднятом соединении ничего не делает.
func (c *conn) start(ctx context.Context, run runFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	readyCh := make(chan struct{})
	errCh := make(chan error, 1)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(done)
		err := run(runCtx, func() {
			c.up.Store(true)
			once.Do(func() { close(readyCh) })
		})
		c.up.Store(false)
		if err != nil && runCtx.Err() == nil {
			c.log.Warn("MTProto client stopped", zap.Error(err))
		}
		errCh <- err
	}()

	select {
	case <-readyCh:
		c.cancel, c.done = cancel, done
		return nil
	case err := <-errCh:
		cancel()
		if err == nil {
			err = errStoppedEarly
		}
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// stop отменяет цикл и ждёт его выхода в пределах ctx.
func (c *conn) stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait client shutdown")
	}
}

func (c *conn) connected() bool {
	return c.up.Load()
}
