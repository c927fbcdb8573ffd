package concurrency

import (
	"context"
	"sync"
	"time"
)

// Debouncer откладывает действие по ключу до затишья: повторный Do с тем же ключом
// перезапускает таймер и заменяет колбэк. Колбэки исполняются вне мьютекса.
// Stop синхронно выполняет всё накопленное.
type Debouncer[K comparable] struct {
	mu      sync.Mutex
	pending map[K]pendingEntry
	timeout time.Duration

	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingEntry struct {
	timer *time.Timer
	fn    func()
}

// NewDebouncer создаёт дебаунсер с окном timeout. Запуск — через Start.
func NewDebouncer[K comparable](timeout time.Duration) *Debouncer[K] {
	return &Debouncer[K]{
		pending: make(map[K]pendingEntry),
		timeout: timeout,
	}
}

// Start привязывает дебаунсер к ctx; при его отмене накопленное выполняется сразу.
// Повторный вызов игнорируется.
func (d *Debouncer[K]) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.ctx = runCtx
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Go(func() {
		<-runCtx.Done()
		d.flush()
	})
}

// Stop гасит таймеры и выполняет отложенные колбэки.
func (d *Debouncer[K]) Stop() {
	d.runMu.Lock()
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.ctx = nil
	d.mu.Unlock()
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	d.flush()
}

// Do планирует fn для key. Незапущенный или остановленный дебаунсер выполняет fn сразу.
func (d *Debouncer[K]) Do(key K, fn func()) {
	d.mu.Lock()
	if d.ctx == nil || d.ctx.Err() != nil {
		d.mu.Unlock()
		fn()
		return
	}
	if entry, ok := d.pending[key]; ok && entry.timer != nil {
		entry.timer.Stop()
	}
	d.pending[key] = pendingEntry{
		timer: time.AfterFunc(d.timeout, func() { d.execute(key) }),
		fn:    fn,
	}
	d.mu.Unlock()
}

// Pending возвращает число отложенных ключей.
func (d *Debouncer[K]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Debouncer[K]) execute(key K) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		entry.fn()
	}
}

func (d *Debouncer[K]) flush() {
	d.mu.Lock()
	entries := make([]pendingEntry, 0, len(d.pending))
	for key, entry := range d.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entries = append(entries, entry)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, entry := range entries {
		entry.fn()
	}
}
