package plugins

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/infra/concurrency"
	"kingtg-userbot/internal/infra/logger"
)

// DefaultDebounce — окно, в котором серия записей одного файла считается одним изменением.
const DefaultDebounce = 500 * time.Millisecond

// ChangeFunc получает путь изменённого или нового исходника.
type ChangeFunc func(ctx context.Context, path string)

// Watcher следит за каталогом расширений: новые файлы регистрируются в каталоге,
// правка зарегистрированного файла передаётся в onChange (перезагрузка у пользователей).
type Watcher struct {
	dir      string
	catalog  *Catalog
	opts     RegisterOptions
	onChange ChangeFunc
	debounce *concurrency.Debouncer[string]

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewWatcher создаёт наблюдателя. opts применяются к автоматически добавленным записям.
func NewWatcher(catalog *Catalog, opts RegisterOptions, onChange ChangeFunc, window time.Duration) *Watcher {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Watcher{
		dir:      catalog.Dir(),
		catalog:  catalog,
		opts:     opts,
		onChange: onChange,
		debounce: concurrency.NewDebouncer[string](window),
		log:      logger.Named("plugins.watch"),
	}
}

// Start подписывается на каталог и запускает цикл событий.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fs watcher")
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return errors.Wrapf(err, "watch %s", w.dir)
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.debounce.Start(runCtx)
	w.wg.Go(func() { w.loop(runCtx) })
	w.log.Info("Watching plugins dir", zap.String("dir", w.dir))
	return nil
}

// Stop завершает цикл и закрывает подписку.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	_ = w.fsw.Close()
	w.wg.Wait()
	w.debounce.Stop()
	w.cancel = nil
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("Plugins watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, ".go") || strings.HasSuffix(ev.Name, "_test.go") {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	path := ev.Name
	w.debounce.Do(path, func() { w.apply(ctx, path) })
}

// apply выполняется после затишья по файлу.
func (w *Watcher) apply(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	name := strings.ToLower(strings.TrimSuffix(filepath.Base(path), ".go"))
	if _, err := w.catalog.Get(ctx, name); err == nil {
		w.log.Info("Plugin source changed", zap.String("plugin", name))
		if w.onChange != nil {
			w.onChange(ctx, path)
		}
		return
	}
	rec, err := w.catalog.Register(ctx, path, w.opts)
	if err != nil {
		w.log.Warn("Dropped plugin not registered", zap.String("path", path), zap.Error(err))
		return
	}
	w.log.Info("Dropped plugin registered", zap.String("plugin", rec.Name))
}
