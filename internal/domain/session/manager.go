// Package session — движок клиентов userbot'ов. Manager владеет пулом живых клиентов
// (не больше одного на пользователя), кэшем учётных данных, отметками активности,
// уровнем жизненного цикла (on-demand / always-on) и незавершёнными входами.
// Любая операция, которая может создать или переиспользовать клиента пользователя,
// выполняется под его персональной блокировкой; фоновые обходы такие блокировки
// не ждут, а пропускают занятого пользователя до следующего тика.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/plugins"
	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/userbot"
	"kingtg-userbot/internal/infra/clock"
	"kingtg-userbot/internal/infra/concurrency"
	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/internal/infra/metrics"
)

// Ошибки получения клиента.
var (
	// ErrNoCredential — учётных данных нет, нужен новый вход.
	ErrNoCredential = errors.New("no stored credential")
	// ErrUnavailable — временный сбой сети или протокола.
	ErrUnavailable = errors.New("client unavailable")
	// ErrShutdown — менеджер остановлен.
	ErrShutdown = errors.New("session manager is shut down")
)

// Значения по умолчанию политики.
const (
	DefaultOnDemandTimeout      = 5 * time.Minute
	DefaultCleanupInterval      = time.Minute
	DefaultConfirmInterval      = 72 * time.Hour
	DefaultConfirmWait          = 24 * time.Hour
	DefaultConfirmCheckInterval = time.Hour
	DefaultWatchdogInterval     = 5 * time.Minute
	DefaultRestoreConcurrency   = 8

	watchdogCallTimeout = 30 * time.Second
	disconnectTimeout   = 10 * time.Second
)

// Button — inline-кнопка сообщения бота.
type Button struct {
	Text string
	Data string
}

// Messenger отправляет пользователю сообщение от имени бота.
type Messenger interface {
	SendMessage(ctx context.Context, userID int64, text string, buttons [][]Button) error
}

// TerminatedFunc вызывается, когда сессия пользователя признана недействительной.
type TerminatedFunc func(ctx context.Context, userID int64)

// Store — то, что менеджеру нужно от хранилища.
type Store interface {
	records.UserStore
	records.PluginStore
}

// Options — политика и зависимости менеджера. Нулевые длительности заменяются умолчаниями.
type Options struct {
	OnDemandTimeout      time.Duration
	CleanupInterval      time.Duration
	ConfirmInterval      time.Duration
	ConfirmWait          time.Duration
	ConfirmCheckInterval time.Duration
	WatchdogInterval     time.Duration
	RestoreConcurrency   int
	// AlwaysOnDefaults — имена расширений, считающихся always-on, если запись
	// каталога не задаёт флаг явно.
	AlwaysOnDefaults []string

	Clock        clock.Clock
	Messenger    Messenger
	OnTerminated TerminatedFunc
	LoginFactory userbot.LoginFactory
}

func (o *Options) applyDefaults() {
	if o.OnDemandTimeout <= 0 {
		o.OnDemandTimeout = DefaultOnDemandTimeout
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.ConfirmInterval <= 0 {
		o.ConfirmInterval = DefaultConfirmInterval
	}
	if o.ConfirmWait <= 0 {
		o.ConfirmWait = DefaultConfirmWait
	}
	if o.ConfirmCheckInterval <= 0 {
		o.ConfirmCheckInterval = DefaultConfirmCheckInterval
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = DefaultWatchdogInterval
	}
	if o.RestoreConcurrency <= 0 {
		o.RestoreConcurrency = DefaultRestoreConcurrency
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

// poolEntry — живой клиент и его сторож.
type poolEntry struct {
	client      userbot.Client
	stopWatch   context.CancelFunc
	connectedAt time.Time
}

// tierState — always-on регистрация пользователя.
type tierState struct {
	plugins []string
	since   time.Time
}

// Manager — см. описание пакета.
type Manager struct {
	store    Store
	factory  userbot.Factory
	registry *plugins.Registry
	opts     Options
	clock    clock.Clock

	locks    *concurrency.KeyedMutex[int64]
	clients  cmap.ConcurrentMap[int64, *poolEntry]
	cache    cmap.ConcurrentMap[int64, userbot.Credential]
	activity cmap.ConcurrentMap[int64, time.Time]

	mu             sync.Mutex
	alwaysOn       map[int64]*tierState
	lastConfirm    map[int64]time.Time
	pendingConfirm map[int64]time.Time
	pendingLogins  map[int64]*pendingLogin

	reaper  *concurrency.Loop
	renewal *concurrency.Loop

	runMu    sync.Mutex
	baseCtx  context.Context
	stopBase context.CancelFunc
	watchers sync.WaitGroup
	closed   bool

	log *zap.Logger
}

func shardUserID(id int64) uint32 {
	u := uint64(id)
	u ^= u >> 33
	u *= 0xff51afd7ed558ccd
	u ^= u >> 33
	return uint32(u)
}

// NewManager собирает менеджер. Фоновые циклы запускаются Start.
func NewManager(store Store, factory userbot.Factory, registry *plugins.Registry, opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		store:          store,
		factory:        factory,
		registry:       registry,
		opts:           opts,
		clock:          opts.Clock,
		locks:          concurrency.NewKeyedMutex[int64](),
		clients:        cmap.NewWithCustomShardingFunction[int64, *poolEntry](shardUserID),
		cache:          cmap.NewWithCustomShardingFunction[int64, userbot.Credential](shardUserID),
		activity:       cmap.NewWithCustomShardingFunction[int64, time.Time](shardUserID),
		alwaysOn:       make(map[int64]*tierState),
		lastConfirm:    make(map[int64]time.Time),
		pendingConfirm: make(map[int64]time.Time),
		pendingLogins:  make(map[int64]*pendingLogin),
		log:            logger.Named("sessions"),
	}
	m.baseCtx, m.stopBase = context.WithCancel(context.Background())
	m.reaper = concurrency.NewLoop("idle-reaper", opts.CleanupInterval, func(ctx context.Context) { m.ReapIdle(ctx) })
	m.renewal = concurrency.NewLoop("always-on-renewal", opts.ConfirmCheckInterval, func(ctx context.Context) { m.CheckRenewals(ctx) })
	return m
}

// Start запускает обходы простоя и продления.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	m.reaper.Start(ctx)
	m.renewal.Start(ctx)
	m.log.Info("Session manager started",
		zap.Duration("on_demand_timeout", m.opts.OnDemandTimeout),
		zap.Duration("confirm_interval", m.opts.ConfirmInterval))
	return nil
}

// Shutdown останавливает обходы, отключает всех клиентов и закрывает незавершённые входы.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.runMu.Lock()
	if m.closed {
		m.runMu.Unlock()
		return nil
	}
	m.closed = true
	m.runMu.Unlock()

	m.reaper.Stop()
	m.renewal.Stop()

	for _, userID := range m.clients.Keys() {
		unlock := m.locks.Lock(userID)
		m.discardLocked(ctx, userID, "shutdown")
		unlock()
	}

	m.mu.Lock()
	logins := m.pendingLogins
	m.pendingLogins = make(map[int64]*pendingLogin)
	m.mu.Unlock()
	for _, pl := range logins {
		_ = pl.client.Close(ctx)
	}

	m.stopBase()
	m.watchers.Wait()
	m.log.Info("Session manager stopped")
	return nil
}

func (m *Manager) isClosed() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.closed
}

// GetOrCreateClient возвращает живого клиента пользователя, создавая его из
// сохранённых учётных данных. keepAlive переводит нового клиента в always-on
// со свежей отметкой подтверждения.
func (m *Manager) GetOrCreateClient(ctx context.Context, userID int64, keepAlive bool) (userbot.Client, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()
	return m.getOrCreateLocked(ctx, userID, keepAlive)
}

func (m *Manager) getOrCreateLocked(ctx context.Context, userID int64, keepAlive bool) (userbot.Client, error) {
	if m.isClosed() {
		return nil, ErrShutdown
	}
	if e, ok := m.clients.Get(userID); ok {
		if e.client.Connected() {
			m.touch(userID)
			metrics.ClientRequests.WithLabelValues(metrics.ResultReused).Inc()
			return e.client, nil
		}
		m.log.Info("Discarding stale client", zap.Int64("user_id", userID))
		m.discardLocked(ctx, userID, "stale")
	}

	cred, ok, err := m.resolveCredential(ctx, userID)
	if err != nil {
		metrics.ClientRequests.WithLabelValues(metrics.ResultUnavailable).Inc()
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	if !ok {
		metrics.ClientRequests.WithLabelValues(metrics.ResultNoCredential).Inc()
		return nil, ErrNoCredential
	}

	client, err := m.connect(ctx, userID, cred)
	if err != nil {
		if errors.Is(err, userbot.ErrCredentialInvalid) {
			metrics.ClientRequests.WithLabelValues(metrics.ResultInvalid).Inc()
			m.invalidateLocked(ctx, userID, err)
			return nil, err
		}
		metrics.ClientRequests.WithLabelValues(metrics.ResultUnavailable).Inc()
		m.log.Warn("Client unavailable", zap.Int64("user_id", userID), zap.Error(err))
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}

	m.registerLocked(userID, client)
	if keepAlive {
		m.promote(userID, nil, m.clock.Now())
	}
	metrics.ClientRequests.WithLabelValues(metrics.ResultCreated).Inc()
	rebound := m.rebindLocked(ctx, userID, client)
	m.log.Info("Client created",
		zap.Int64("user_id", userID), zap.Bool("keep_alive", keepAlive), zap.Int("plugins_rebound", rebound))
	return client, nil
}

// rebindLocked поднимает на новом клиенте расширения из сохранённого набора активных.
// Расширение, которое больше нельзя загрузить, остаётся в наборе: решение о нём
// принимает пользователь или администратор.
func (m *Manager) rebindLocked(ctx context.Context, userID int64, client userbot.Client) int {
	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, records.ErrNotFound) {
			m.log.Warn("Failed to load user for rebind", zap.Int64("user_id", userID), zap.Error(err))
		}
		return 0
	}
	rebound := 0
	for _, name := range u.ActivePlugins {
		if m.registry.IsActive(userID, name) {
			continue
		}
		if _, err := m.registry.Activate(ctx, userID, name, client); err != nil {
			m.log.Warn("Failed to rebind plugin",
				zap.Int64("user_id", userID), zap.String("plugin", name), zap.Error(err))
			continue
		}
		rebound++
	}
	return rebound
}

// resolveCredential: кэш, затем хранилище (только для вошедших пользователей).
func (m *Manager) resolveCredential(ctx context.Context, userID int64) (userbot.Credential, bool, error) {
	if cred, ok := m.cache.Get(userID); ok {
		return cred, true, nil
	}
	u, err := m.store.GetUser(ctx, userID)
	if errors.Is(err, records.ErrNotFound) {
		return userbot.Credential{}, false, nil
	}
	if err != nil {
		return userbot.Credential{}, false, errors.Wrap(err, "load user")
	}
	if !u.LoggedIn || u.SessionBlob == "" {
		return userbot.Credential{}, false, nil
	}
	cred := userbot.Credential{Blob: u.SessionBlob, Variant: u.SessionVariant}
	m.cache.Set(userID, cred)
	metrics.CachedSessions.Set(float64(m.cache.Count()))
	return cred, true, nil
}

// connect строит и подключает клиента. Неавторизованная сессия считается
// недействительными учётными данными.
func (m *Manager) connect(ctx context.Context, userID int64, cred userbot.Credential) (userbot.Client, error) {
	client, err := m.factory.NewClient(userID, cred)
	if err != nil {
		return nil, errors.Wrap(err, "build client")
	}
	if err := client.Connect(ctx); err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	authorized, err := client.IsUserAuthorized(ctx)
	if err != nil {
		m.disconnectClient(client)
		return nil, errors.Wrap(err, "check authorization")
	}
	if !authorized {
		m.disconnectClient(client)
		return nil, errors.Wrap(userbot.ErrCredentialInvalid, "session is not authorized")
	}
	return client, nil
}

func (m *Manager) disconnectClient(c userbot.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		m.log.Debug("Disconnect failed", zap.Error(err))
	}
}

// registerLocked кладёт клиента в пул и запускает его сторожа.
func (m *Manager) registerLocked(userID int64, client userbot.Client) {
	watchCtx, stop := context.WithCancel(m.baseCtx)
	m.clients.Set(userID, &poolEntry{client: client, stopWatch: stop, connectedAt: m.clock.Now()})
	m.touch(userID)
	m.watchers.Go(func() { m.watch(watchCtx, userID, client) })
	m.updateGauges()
}

// discardLocked выгружает расширения пользователя с клиента, отключает его и гасит
// сторожа. Сохранённые наборы не меняются: следующий клиент поднимет их заново.
// Отсутствие клиента — не ошибка.
func (m *Manager) discardLocked(_ context.Context, userID int64, reason string) bool {
	e, ok := m.clients.Pop(userID)
	m.activity.Remove(userID)
	if !ok {
		return false
	}
	e.stopWatch()
	m.registry.ClearUser(userID)
	m.disconnectClient(e.client)
	m.updateGauges()
	m.log.Info("Client disconnected", zap.Int64("user_id", userID), zap.String("reason", reason))
	return true
}

// invalidateLocked — путь недействительных учётных данных: клиент и кэш сбрасываются,
// пользователь помечается вышедшим и выводится из always-on, затем вызываются
// уведомление и колбэк завершения сессии.
func (m *Manager) invalidateLocked(ctx context.Context, userID int64, cause error) {
	m.log.Warn("Credential is no longer valid", zap.Int64("user_id", userID), zap.Error(cause))
	m.discardLocked(ctx, userID, "invalid credential")
	m.registry.ClearUser(userID)
	m.cache.Remove(userID)
	metrics.CachedSessions.Set(float64(m.cache.Count()))
	m.demote(userID)

	if _, err := m.store.UpdateUser(ctx, userID, func(u *records.User) {
		u.LoggedIn = false
		u.AlwaysOnPlugins = nil
		u.LastConfirm = time.Time{}
	}); err != nil {
		m.log.Error("Failed to persist logout", zap.Int64("user_id", userID), zap.Error(err))
	}

	m.notify(ctx, userID, sessionTerminatedText, nil)
	if m.opts.OnTerminated != nil {
		m.opts.OnTerminated(ctx, userID)
	}
}

func (m *Manager) notify(ctx context.Context, userID int64, text string, buttons [][]Button) {
	if m.opts.Messenger == nil {
		return
	}
	if err := m.opts.Messenger.SendMessage(ctx, userID, text, buttons); err != nil {
		m.log.Warn("Failed to notify user", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// watch периодически проверяет идентичность. Отзыв учётных данных ведёт на путь
// invalidate; временные сбои ждут следующего тика.
func (m *Manager) watch(ctx context.Context, userID int64, client userbot.Client) {
	ticker := time.NewTicker(m.opts.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.checkIdentity(ctx, userID, client) {
			return
		}
	}
}

// checkIdentity возвращает true, если сторожу пора завершиться.
func (m *Manager) checkIdentity(ctx context.Context, userID int64, client userbot.Client) bool {
	callCtx, cancel := context.WithTimeout(ctx, watchdogCallTimeout)
	_, err := client.GetMe(callCtx)
	cancel()
	if ctx.Err() != nil {
		return true
	}
	switch {
	case err == nil:
		metrics.WatchdogChecks.WithLabelValues("ok").Inc()
		return false
	case errors.Is(err, userbot.ErrCredentialInvalid):
		metrics.WatchdogChecks.WithLabelValues("invalid").Inc()
	default:
		metrics.WatchdogChecks.WithLabelValues("transient").Inc()
		m.log.Debug("Watchdog check failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}

	unlock := m.locks.Lock(userID)
	defer unlock()
	// Клиент мог быть заменён, пока ждали блокировку.
	if e, ok := m.clients.Get(userID); !ok || e.client != client {
		return true
	}
	m.invalidateLocked(m.baseCtx, userID, err)
	return true
}

// Touch отмечает активность пользователя.
func (m *Manager) Touch(userID int64) {
	if m.clients.Has(userID) {
		m.touch(userID)
	}
}

func (m *Manager) touch(userID int64) {
	m.activity.Set(userID, m.clock.Now())
}

// Client возвращает живого клиента без создания.
func (m *Manager) Client(userID int64) (userbot.Client, bool) {
	e, ok := m.clients.Get(userID)
	if !ok {
		return nil, false
	}
	return e.client, true
}

// LastActivity возвращает отметку активности клиента.
func (m *Manager) LastActivity(userID int64) (time.Time, bool) {
	return m.activity.Get(userID)
}

// IsLoggedIn сообщает, есть ли у пользователя живой клиент или кэшированные данные.
func (m *Manager) IsLoggedIn(userID int64) bool {
	return m.clients.Has(userID) || m.cache.Has(userID)
}

// HasCachedCredential сообщает, есть ли учётные данные в кэше.
func (m *Manager) HasCachedCredential(userID int64) bool {
	return m.cache.Has(userID)
}

func (m *Manager) updateGauges() {
	total := m.clients.Count()
	m.mu.Lock()
	always := 0
	for userID := range m.alwaysOn {
		if m.clients.Has(userID) {
			always++
		}
	}
	m.mu.Unlock()
	metrics.ClientsActive.WithLabelValues("always_on").Set(float64(always))
	metrics.ClientsActive.WithLabelValues("on_demand").Set(float64(total - always))
}
