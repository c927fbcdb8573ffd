// Package plugins — каталог расширений и реестр загруженных экземпляров.
//
// Registry отвечает за жизнь расширения у конкретного пользователя: проверки доступа,
// установку зависимостей, исполнение в собственном интерпретаторе и учёт обработчиков,
// которые экземпляр зарегистрировал на клиенте. Благодаря этому учёту выгрузка снимает
// ровно свои обработчики и не задевает остальные расширения того же пользователя.
// Catalog ведёт записи каталога и файлы исходников.
package plugins

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/userbot"
	"kingtg-userbot/internal/infra/concurrency"
	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/internal/infra/metrics"
	"kingtg-userbot/pkg/compat"
)

// DefaultMaxAttempts — предел попыток установки зависимостей на пару (пользователь, расширение).
const DefaultMaxAttempts = 3

// Причины отказа активации.
var (
	ErrNotFound      = errors.New("plugin not found")
	ErrDisabled      = errors.New("plugin is disabled")
	ErrForbidden     = errors.New("plugin is private")
	ErrRestricted    = errors.New("plugin is restricted for user")
	ErrAlreadyActive = errors.New("plugin already active")
	ErrFileMissing   = errors.New("plugin file missing")
	ErrDependency    = errors.New("plugin dependencies unavailable")
	ErrRuntime       = errors.New("plugin failed to load")
)

// Module — исполненный исходник расширения.
type Module interface {
	Register(c *compat.Client) error
	Unregister(c *compat.Client) error
	Close()
}

// Loader исполняет исходник в изолированном окружении.
type Loader interface {
	Load(ctx context.Context, name string, src []byte) (Module, error)
}

// LoaderFunc адаптирует функцию к Loader.
type LoaderFunc func(ctx context.Context, name string, src []byte) (Module, error)

// Load реализует Loader.
func (f LoaderFunc) Load(ctx context.Context, name string, src []byte) (Module, error) {
	return f(ctx, name, src)
}

// Resolver находит сторонние пакеты, которых не хватает исходнику.
type Resolver interface {
	Missing(src []byte) ([]string, error)
}

// Installer устанавливает пакеты.
type Installer interface {
	Install(ctx context.Context, pkgs []string) error
}

// Store — то, что реестру нужно от хранилища.
type Store interface {
	records.UserStore
	records.PluginStore
}

// Options — настройки реестра.
type Options struct {
	// Dir — каталог с исходниками расширений.
	Dir string
	// MaxAttempts — предел установок зависимостей; 0 — DefaultMaxAttempts.
	MaxAttempts int
	Loader      Loader
	// Resolver и Installer необязательны; без них зависимости не проверяются.
	Resolver  Resolver
	Installer Installer
}

type loadedPlugin struct {
	module   Module
	client   userbot.Client
	facade   *compat.Client
	handlers []userbot.HandlerID
	loadedAt time.Time
}

type retryKey struct {
	userID int64
	name   string
}

// Registry — загруженные расширения по пользователям.
type Registry struct {
	store       Store
	dir         string
	maxAttempts int
	loader      Loader
	resolver    Resolver
	installer   Installer

	locks *concurrency.KeyedMutex[int64]

	mu      sync.RWMutex
	loaded  map[int64]map[string]*loadedPlugin
	help    map[int64]*compat.HelpRegistry
	retries map[retryKey]int

	log *zap.Logger
}

// NewRegistry создаёт реестр.
func NewRegistry(store Store, opts Options) *Registry {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Registry{
		store:       store,
		dir:         opts.Dir,
		maxAttempts: opts.MaxAttempts,
		loader:      opts.Loader,
		resolver:    opts.Resolver,
		installer:   opts.Installer,
		locks:       concurrency.NewKeyedMutex[int64](),
		loaded:      make(map[int64]map[string]*loadedPlugin),
		help:        make(map[int64]*compat.HelpRegistry),
		retries:     make(map[retryKey]int),
		log:         logger.Named("plugins"),
	}
}

// Activate загружает расширение name для пользователя на его клиенте. Возвращает
// сообщение для пользователя; ошибка оборачивает одну из причин отказа.
func (r *Registry) Activate(ctx context.Context, userID int64, name string, client userbot.Client) (string, error) {
	unlock := r.locks.Lock(userID)
	defer unlock()

	started := time.Now()
	msg, err := r.activate(ctx, userID, strings.ToLower(name), client)
	metrics.PluginActivations.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		r.log.Warn("Plugin activation failed",
			zap.Int64("user_id", userID), zap.String("plugin", name), zap.Error(err))
		return "", err
	}
	metrics.PluginActivationSeconds.Observe(time.Since(started).Seconds())
	metrics.PluginsLoaded.Set(float64(r.Loaded()))
	r.log.Info("Plugin activated", zap.Int64("user_id", userID), zap.String("plugin", name))
	return msg, nil
}

func (r *Registry) activate(ctx context.Context, userID int64, name string, client userbot.Client) (string, error) {
	if client == nil {
		return "", errors.New("no client")
	}
	p, err := r.store.GetPlugin(ctx, name)
	if errors.Is(err, records.ErrNotFound) {
		return "", errors.Wrapf(ErrNotFound, "%q", name)
	}
	if err != nil {
		return "", errors.Wrap(err, "get plugin")
	}
	switch {
	case p.Disabled:
		return "", errors.Wrapf(ErrDisabled, "%q", name)
	case !p.Public && !slices.Contains(p.AllowedUsers, userID):
		return "", errors.Wrapf(ErrForbidden, "%q", name)
	case slices.Contains(p.RestrictedUsers, userID):
		return "", errors.Wrapf(ErrRestricted, "%q", name)
	case r.IsActive(userID, name):
		return "", errors.Wrapf(ErrAlreadyActive, "%q", name)
	}

	src, err := os.ReadFile(filepath.Join(r.dir, p.Filename))
	if errors.Is(err, os.ErrNotExist) {
		return "", errors.Wrapf(ErrFileMissing, "%s", p.Filename)
	}
	if err != nil {
		return "", errors.Wrap(err, "read plugin source")
	}

	if err := r.ensureDeps(ctx, userID, name, src); err != nil {
		return "", err
	}

	lp, err := r.load(ctx, userID, name, src, client)
	if err != nil {
		return "", err
	}

	if _, err := r.store.UpdateUser(ctx, userID, func(u *records.User) {
		u.ActivePlugins = records.AddName(u.ActivePlugins, name)
	}); err != nil {
		r.teardown(userID, name, lp)
		return "", errors.Wrap(err, "persist active plugins")
	}

	r.mu.Lock()
	if r.loaded[userID] == nil {
		r.loaded[userID] = make(map[string]*loadedPlugin)
	}
	r.loaded[userID][name] = lp
	delete(r.retries, retryKey{userID: userID, name: name})
	r.mu.Unlock()

	if _, err := r.store.UpdatePlugin(ctx, name, func(rec *records.Plugin) { rec.UsageCount++ }); err != nil {
		r.log.Warn("Failed to bump plugin usage", zap.String("plugin", name), zap.Error(err))
	}
	return activationMessage(p), nil
}

// ensureDeps ставит недостающие пакеты одним пакетом за попытку. Счётчик попыток
// живёт между вызовами и сбрасывается успехом или исчерпанием лимита.
func (r *Registry) ensureDeps(ctx context.Context, userID int64, name string, src []byte) error {
	if r.resolver == nil {
		return nil
	}
	key := retryKey{userID: userID, name: name}
	for {
		missing, err := r.resolver.Missing(src)
		if err != nil {
			r.resetRetries(key)
			return errors.Wrapf(ErrRuntime, "%v", err)
		}
		if len(missing) == 0 {
			return nil
		}

		r.mu.Lock()
		r.retries[key]++
		attempt := r.retries[key]
		r.mu.Unlock()

		if attempt > r.maxAttempts || r.installer == nil {
			r.resetRetries(key)
			return errors.Wrapf(ErrDependency, "%s", strings.Join(missing, ", "))
		}

		r.log.Info("Installing plugin dependencies",
			zap.String("plugin", name), zap.Strings("packages", missing), zap.Int("attempt", attempt))
		if err := r.installer.Install(ctx, missing); err != nil {
			r.log.Warn("Dependency install attempt failed", zap.String("plugin", name), zap.Error(err))
		}
		if err := ctx.Err(); err != nil {
			r.resetRetries(key)
			return errors.Wrap(err, "install dependencies")
		}
	}
}

func (r *Registry) resetRetries(key retryKey) {
	r.mu.Lock()
	delete(r.retries, key)
	r.mu.Unlock()
}

// Attempts возвращает текущее значение счётчика установок для пары.
func (r *Registry) Attempts(userID int64, name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.retries[retryKey{userID: userID, name: strings.ToLower(name)}]
}

// load исполняет исходник и приписывает паре все обработчики, появившиеся на клиенте
// за время Register.
func (r *Registry) load(ctx context.Context, userID int64, name string, src []byte, client userbot.Client) (*loadedPlugin, error) {
	mod, err := r.loader.Load(ctx, name, src)
	if err != nil {
		return nil, errors.Wrapf(ErrRuntime, "%v", err)
	}

	facade := compat.NewClient(client, userID, name, r.Help(userID))
	before := handlerIDs(client)
	errRegister := mod.Register(facade)
	delta := slices.DeleteFunc(handlerIDs(client), func(id userbot.HandlerID) bool {
		return slices.Contains(before, id)
	})

	lp := &loadedPlugin{module: mod, client: client, facade: facade, handlers: delta, loadedAt: time.Now()}
	if errRegister != nil {
		r.teardown(userID, name, lp)
		return nil, errors.Wrapf(ErrRuntime, "%v", errRegister)
	}
	return lp, nil
}

func handlerIDs(c userbot.Client) []userbot.HandlerID {
	regs := c.ListEventHandlers()
	out := make([]userbot.HandlerID, 0, len(regs))
	for _, reg := range regs {
		out = append(out, reg.ID)
	}
	return out
}

// Deactivate выгружает расширение и убирает его из сохранённого набора активных.
// false — расширение не было загружено.
func (r *Registry) Deactivate(ctx context.Context, userID int64, name string) (bool, error) {
	unlock := r.locks.Lock(userID)
	defer unlock()

	name = strings.ToLower(name)
	lp := r.detach(userID, name)
	if lp == nil {
		return false, nil
	}
	r.teardown(userID, name, lp)
	metrics.PluginsLoaded.Set(float64(r.Loaded()))

	if _, err := r.store.UpdateUser(ctx, userID, func(u *records.User) {
		u.ActivePlugins = records.RemoveName(u.ActivePlugins, name)
	}); err != nil {
		return true, errors.Wrap(err, "persist active plugins")
	}
	r.log.Info("Plugin deactivated", zap.Int64("user_id", userID), zap.String("plugin", name))
	return true, nil
}

// ClearUser выгружает все расширения пользователя. Сохранённые наборы не меняются:
// решение о них принимает вызывающий. Возвращает число выгруженных.
func (r *Registry) ClearUser(userID int64) int {
	unlock := r.locks.Lock(userID)
	defer unlock()

	r.mu.Lock()
	set := r.loaded[userID]
	delete(r.loaded, userID)
	r.mu.Unlock()

	for name, lp := range set {
		r.teardown(userID, name, lp)
	}
	r.mu.Lock()
	delete(r.help, userID)
	r.mu.Unlock()

	if len(set) > 0 {
		metrics.PluginsLoaded.Set(float64(r.Loaded()))
		r.log.Info("User plugins cleared", zap.Int64("user_id", userID), zap.Int("count", len(set)))
	}
	return len(set)
}

func (r *Registry) detach(userID int64, name string) *loadedPlugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	lp, ok := r.loaded[userID][name]
	if !ok {
		return nil
	}
	delete(r.loaded[userID], name)
	if len(r.loaded[userID]) == 0 {
		delete(r.loaded, userID)
	}
	return lp
}

// teardown снимает обработчики пары, вызывает Unregister и освобождает интерпретатор.
// Сбои отдельных шагов только логируются.
func (r *Registry) teardown(userID int64, name string, lp *loadedPlugin) {
	log := r.log.With(zap.Int64("user_id", userID), zap.String("plugin", name))
	for _, id := range lp.handlers {
		if err := lp.client.RemoveEventHandler(id); err != nil && !errors.Is(err, userbot.ErrHandlerNotFound) {
			log.Warn("Failed to remove event handler", zap.Uint64("handler_id", uint64(id)), zap.Error(err))
		}
	}
	if err := lp.module.Unregister(lp.facade); err != nil {
		log.Warn("Plugin unregister failed", zap.Error(err))
	}
	lp.module.Close()

	r.mu.RLock()
	help := r.help[userID]
	r.mu.RUnlock()
	if help != nil {
		help.Forget(name)
	}
}

// IsActive сообщает, загружено ли расширение у пользователя.
func (r *Registry) IsActive(userID int64, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaded[userID][strings.ToLower(name)]
	return ok
}

// HasActive сообщает, есть ли у пользователя загруженные расширения.
func (r *Registry) HasActive(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.loaded[userID]) > 0
}

// Active возвращает загруженные расширения пользователя по алфавиту.
func (r *Registry) Active(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.loaded[userID]))
	for name := range r.loaded[userID] {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Handlers возвращает обработчики, приписанные паре.
func (r *Registry) Handlers(userID int64, name string) []userbot.HandlerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lp, ok := r.loaded[userID][strings.ToLower(name)]
	if !ok {
		return nil
	}
	return slices.Clone(lp.handlers)
}

// Users возвращает пользователей, у которых загружено name.
func (r *Registry) Users(name string) []int64 {
	name = strings.ToLower(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0)
	for userID, set := range r.loaded {
		if _, ok := set[name]; ok {
			out = append(out, userID)
		}
	}
	slices.Sort(out)
	return out
}

// Loaded возвращает общее число загруженных пар.
func (r *Registry) Loaded() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.loaded {
		n += len(set)
	}
	return n
}

// Help возвращает реестр справки пользователя, создавая его при первом обращении.
func (r *Registry) Help(userID int64) *compat.HelpRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.help[userID]
	if !ok {
		h = compat.NewHelpRegistry()
		r.help[userID] = h
	}
	return h
}

func activationMessage(p records.Plugin) string {
	var b strings.Builder
	b.WriteString(p.Name + " activated")
	if p.Description != "" {
		b.WriteString("\n" + p.Description)
	}
	if len(p.Commands) > 0 {
		cmds := make([]string, 0, len(p.Commands))
		for _, c := range p.Commands {
			cmds = append(cmds, compat.CommandPrefix+c)
		}
		b.WriteString("\nCommands: " + strings.Join(cmds, ", "))
	}
	return b.String()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDisabled), errors.Is(err, ErrForbidden), errors.Is(err, ErrRestricted):
		return "denied"
	case errors.Is(err, ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, ErrFileMissing):
		return "file_missing"
	case errors.Is(err, ErrDependency):
		return "dependency"
	case errors.Is(err, ErrRuntime):
		return "runtime"
	default:
		return "error"
	}
}

// Reason переводит ошибку активации в короткую причину для пользователя. Для ошибок
// исполнения текст ошибки включается целиком.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "Plugin not found"
	case errors.Is(err, ErrDisabled):
		return "Plugin is currently disabled"
	case errors.Is(err, ErrForbidden):
		return "You have no access to this plugin"
	case errors.Is(err, ErrRestricted):
		return "This plugin is restricted for you"
	case errors.Is(err, ErrAlreadyActive):
		return "Plugin is already active"
	case errors.Is(err, ErrFileMissing):
		return "Plugin file not found"
	case errors.Is(err, ErrDependency):
		return "Too many install attempts, the plugin may be incompatible"
	case errors.Is(err, ErrRuntime):
		return "Plugin failed to load: " + err.Error()
	default:
		return "Unexpected error"
	}
}
