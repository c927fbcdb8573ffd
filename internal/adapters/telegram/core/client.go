// Package core — адаптер userbot.Client поверх gotd.
//
// Каждый пользователь получает собственный telegram.Client с сессией в памяти
// (BlobStorage), middleware floodwait и ratelimit, менеджером пиров и менеджером
// апдейтов. Новые сообщения конвертируются в userbot.Message и раздаются таблице
// обработчиков расширений. Состояние апдейтов и пиры лежат в общем bbolt-файле.
package core

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kingtg-userbot/internal/domain/userbot"
	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/internal/infra/telegram/connection"
	"kingtg-userbot/internal/infra/telegram/peersmgr"
	tgsession "kingtg-userbot/internal/infra/telegram/session"
)

// Config — параметры MTProto-клиентов.
type Config struct {
	AppID   int
	AppHash string
	TestDC  bool
	// RPS — лимит RPC одного клиента; burst = 2*RPS.
	RPS    int
	Device telegram.DeviceConfig
}

// DefaultDevice — паспорт устройства по умолчанию.
var DefaultDevice = telegram.DeviceConfig{
	DeviceModel:   "KingTG Userbot",
	SystemVersion: "Linux",
	AppVersion:    "1.0.0",
}

// limiter — middleware ограничения частоты RPC; burst = 2*RPS.
func (cfg Config) limiter() telegram.Middleware {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 1
	}
	return ratelimit.New(rate.Limit(rps), rps*2) //nolint:mnd // burst = 2*rate
}

// options собирает telegram.Options клиента.
func (cfg Config) options(storage *tgsession.BlobStorage, handler telegram.UpdateHandler, mws ...telegram.Middleware) telegram.Options {
	device := cfg.Device
	if device.DeviceModel == "" {
		device = DefaultDevice
	}
	opts := telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  handler,
		Middlewares:    mws,
		Device:         device,
		NoUpdates:      handler == nil,
	}
	if cfg.TestDC {
		opts.DCList = dcs.Test()
	}
	return opts
}

// Factory строит клиентов пользователей. Реализует userbot.Factory.
type Factory struct {
	cfg   Config
	cache *peersmgr.Cache
}

var _ userbot.Factory = (*Factory)(nil)

// NewFactory создаёт фабрику поверх общего кэша MTProto.
func NewFactory(cfg Config, cache *peersmgr.Cache) *Factory {
	return &Factory{cfg: cfg, cache: cache}
}

// NewClient декодирует блоб и собирает клиента без подключения. Нечитаемый блоб —
// недействительные учётные данные.
func (f *Factory) NewClient(userID int64, cred userbot.Credential) (userbot.Client, error) {
	storage, err := tgsession.FromBlob(context.Background(), cred.Blob, cred.Variant)
	if err != nil {
		return nil, errors.Wrap(userbot.ErrCredentialInvalid, err.Error())
	}
	return newClient(f.cfg, f.cache, userID, storage), nil
}

// Client — живой MTProto-клиент пользователя.
type Client struct {
	userID   int64
	tg       *telegram.Client
	api      *tg.Client
	waiter   *floodwait.Waiter
	peers    *peersmgr.Service
	cache    *peersmgr.Cache
	updMgr   *tgupdates.Manager
	handlers *userbot.HandlerTable
	conn     conn
	log      *zap.Logger

	selfMu sync.RWMutex
	selfID int64

	inflight sync.WaitGroup
}

var _ userbot.Client = (*Client)(nil)

func newClient(cfg Config, cache *peersmgr.Cache, userID int64, storage *tgsession.BlobStorage) *Client {
	log := logger.Named("mtproto").With(zap.Int64("user_id", userID))
	lazy := &lazyUpdateHandler{}
	waiter := floodwait.NewWaiter()
	client := telegram.NewClient(cfg.AppID, cfg.AppHash, cfg.options(storage, lazy, waiter, cfg.limiter()))

	c := &Client{
		userID:   userID,
		tg:       client,
		api:      client.API(),
		waiter:   waiter,
		cache:    cache,
		peers:    cache.ForUser(client.API(), userID),
		handlers: userbot.NewHandlerTable(log),
		log:      log,
	}
	c.conn.log = log

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(c.onNewMessage)
	dispatcher.OnNewChannelMessage(c.onNewChannelMessage)

	c.updMgr = tgupdates.New(tgupdates.Config{
		Handler:      dispatcher,
		Storage:      cache.State(),
		AccessHasher: c.peers.Mgr,
	})
	lazy.set(contribstorage.UpdateHook(c.peers.Mgr.UpdateHook(c.updMgr), c.peers.Store()))
	return c
}

// Connect поднимает соединение и ждёт ответа auth.Status. Авторизованный клиент
// дополнительно запускает менеджер апдейтов.
func (c *Client) Connect(ctx context.Context) error {
	err := c.conn.start(ctx, func(ctx context.Context, ready func()) error {
		return c.waiter.Run(ctx, func(ctx context.Context) error {
			return c.tg.Run(ctx, func(ctx context.Context) error {
				status, err := c.tg.Auth().Status(ctx)
				if err != nil {
					return errors.Wrap(err, "auth status")
				}
				if !status.Authorized || status.User == nil {
					ready()
					<-ctx.Done()
					return ctx.Err()
				}
				c.setSelf(status.User.ID)
				if err := c.peers.LoadFromStorage(ctx); err != nil {
					c.log.Warn("Failed to load stored peers", zap.Error(err))
				}
				if err := c.peers.WarmupIfEmpty(ctx, c.api); err != nil {
					c.log.Warn("Failed to warm up peers", zap.Error(err))
				}
				ready()
				return c.updMgr.Run(ctx, c.api, status.User.ID, tgupdates.AuthOptions{IsBot: false})
			})
		})
	})
	return classify(err)
}

// IsUserAuthorized запрашивает auth.Status у сервера.
func (c *Client) IsUserAuthorized(ctx context.Context) (bool, error) {
	if !c.conn.connected() {
		return false, errors.New("client is not connected")
	}
	status, err := c.tg.Auth().Status(ctx)
	if err != nil {
		if connection.IsCredentialInvalid(err) {
			return false, nil
		}
		return false, classify(err)
	}
	return status.Authorized, nil
}

// GetMe возвращает аккаунт, под которым авторизован клиент.
func (c *Client) GetMe(ctx context.Context) (userbot.Identity, error) {
	if !c.conn.connected() {
		return userbot.Identity{}, errors.New("client is not connected")
	}
	self, err := c.tg.Self(ctx)
	if err != nil {
		return userbot.Identity{}, classify(err)
	}
	c.setSelf(self.ID)
	return identityOf(self), nil
}

// Disconnect останавливает цикл клиента и ждёт обработчиков в полёте.
func (c *Client) Disconnect(ctx context.Context) error {
	err := c.conn.stop(ctx)
	c.inflight.Wait()
	return err
}

// Connected реализует userbot.Client.
func (c *Client) Connected() bool {
	return c.conn.connected()
}

// LogOut завершает сессию на сервере и забывает кэш пиров пользователя.
func (c *Client) LogOut(ctx context.Context) error {
	if _, err := c.api.AuthLogOut(ctx); err != nil && !connection.IsCredentialInvalid(err) {
		return errors.Wrap(err, "auth log out")
	}
	if err := c.cache.Forget(c.userID); err != nil {
		c.log.Warn("Failed to drop stored peers", zap.Error(err))
	}
	return nil
}

// AddEventHandler реализует userbot.Client.
func (c *Client) AddEventHandler(h userbot.Handler, f userbot.Filter) userbot.HandlerID {
	return c.handlers.Add(h, f)
}

// RemoveEventHandler реализует userbot.Client.
func (c *Client) RemoveEventHandler(id userbot.HandlerID) error {
	return c.handlers.Remove(id)
}

// ListEventHandlers реализует userbot.Client.
func (c *Client) ListEventHandlers() []userbot.Registration {
	return c.handlers.List()
}

// SendMessage отправляет текст в чат по маркированному идентификатору.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.send(ctx, chatID, text, 0)
}

func (c *Client) send(ctx context.Context, chatID int64, text string, replyTo int) error {
	peer, err := c.peers.InputPeer(ctx, chatID)
	if err != nil {
		return err
	}
	req := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rand.Int64(), // #nosec G404
	}
	if replyTo != 0 {
		req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: replyTo}
	}
	if _, err := c.api.MessagesSendMessage(ctx, req); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) setSelf(id int64) {
	c.selfMu.Lock()
	c.selfID = id
	c.selfMu.Unlock()
}

func (c *Client) self() int64 {
	c.selfMu.RLock()
	defer c.selfMu.RUnlock()
	return c.selfID
}

func identityOf(u *tg.User) userbot.Identity {
	return userbot.Identity{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		Phone:     u.Phone,
	}
}

// classify переводит отзыв учётных данных в userbot.ErrCredentialInvalid.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if connection.IsCredentialInvalid(err) {
		return errors.Wrap(userbot.ErrCredentialInvalid, err.Error())
	}
	return err
}
