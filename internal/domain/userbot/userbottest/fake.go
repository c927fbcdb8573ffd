// Package userbottest — управляемые подделки чат-клиента для тестов движка сессий
// и реестра расширений.
package userbottest

import (
	"context"
	"sync"

	"kingtg-userbot/internal/domain/userbot"
)

// Client — клиент в памяти. Поведение задаётся полями под мьютексом.
type Client struct {
	UserID int64
	Cred   userbot.Credential

	mu          sync.Mutex
	connected   bool
	authorized  bool
	connectErr  error
	getMeErr    error
	connects    int
	disconnects int
	loggedOut   bool
	sent        []string

	table *userbot.HandlerTable
}

// NewClient создаёт авторизованный клиент.
func NewClient(userID int64, cred userbot.Credential) *Client {
	return &Client{UserID: userID, Cred: cred, authorized: true, table: userbot.NewHandlerTable(nil)}
}

var _ userbot.Client = (*Client)(nil)

// SetAuthorized задаёт ответ IsUserAuthorized.
func (c *Client) SetAuthorized(v bool) {
	c.mu.Lock()
	c.authorized = v
	c.mu.Unlock()
}

// SetConnectErr задаёт ошибку Connect.
func (c *Client) SetConnectErr(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

// SetGetMeErr задаёт ошибку GetMe.
func (c *Client) SetGetMeErr(err error) {
	c.mu.Lock()
	c.getMeErr = err
	c.mu.Unlock()
}

// Drop имитирует обрыв соединения.
func (c *Client) Drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *Client) IsUserAuthorized(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized, nil
}

func (c *Client) GetMe(context.Context) (userbot.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getMeErr != nil {
		return userbot.Identity{}, c.getMeErr
	}
	return userbot.Identity{ID: c.UserID + 1_000_000, Username: "ub"}, nil
}

func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		c.disconnects++
	}
	c.connected = false
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) LogOut(context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return nil
}

func (c *Client) AddEventHandler(h userbot.Handler, f userbot.Filter) userbot.HandlerID {
	return c.table.Add(h, f)
}

func (c *Client) RemoveEventHandler(id userbot.HandlerID) error {
	return c.table.Remove(id)
}

func (c *Client) ListEventHandlers() []userbot.Registration {
	return c.table.List()
}

func (c *Client) SendMessage(_ context.Context, _ int64, text string) error {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	return nil
}

// Emit доставляет сообщение зарегистрированным обработчикам.
func (c *Client) Emit(ctx context.Context, m *userbot.Message) int {
	return c.table.Dispatch(ctx, m)
}

// Connects возвращает число вызовов Connect.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Disconnects возвращает число фактических отключений.
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// LoggedOut сообщает, вызывался ли LogOut.
func (c *Client) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Sent возвращает отправленные тексты.
func (c *Client) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// Factory выдаёт клиентов и запоминает их. Prepare позволяет настроить клиента
// до того, как менеджер его подключит.
type Factory struct {
	mu      sync.Mutex
	created map[int64][]*Client
	Prepare func(c *Client)
}

// NewFactory создаёт пустую фабрику.
func NewFactory() *Factory {
	return &Factory{created: make(map[int64][]*Client)}
}

var _ userbot.Factory = (*Factory)(nil)

// NewClient реализует userbot.Factory.
func (f *Factory) NewClient(userID int64, cred userbot.Credential) (userbot.Client, error) {
	c := NewClient(userID, cred)
	f.mu.Lock()
	prepare := f.Prepare
	f.created[userID] = append(f.created[userID], c)
	f.mu.Unlock()
	if prepare != nil {
		prepare(c)
	}
	return c, nil
}

// Created возвращает всех клиентов, созданных для пользователя.
func (f *Factory) Created(userID int64) []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.created[userID]...)
}

// Total возвращает общее число созданных клиентов.
func (f *Factory) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, list := range f.created {
		n += len(list)
	}
	return n
}

// LoginClient — сценарный клиент входа. Ошибки шагов задаются полями до вызова.
type LoginClient struct {
	mu sync.Mutex

	SendCodeErr      error
	SignInErr        error
	CheckPasswordErr error
	Cred             userbot.Credential
	Identity         userbot.Identity

	codes  []string
	closed bool
}

var _ userbot.LoginClient = (*LoginClient)(nil)

func (c *LoginClient) SendCode(context.Context, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendCodeErr != nil {
		return "", c.SendCodeErr
	}
	return "hash", nil
}

func (c *LoginClient) SignIn(_ context.Context, _, code, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
	return c.SignInErr
}

func (c *LoginClient) CheckPassword(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CheckPasswordErr
}

func (c *LoginClient) Export(context.Context) (userbot.Credential, userbot.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Cred, c.Identity, nil
}

func (c *LoginClient) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// SetSignInErr меняет ошибку SignIn между шагами.
func (c *LoginClient) SetSignInErr(err error) {
	c.mu.Lock()
	c.SignInErr = err
	c.mu.Unlock()
}

// Codes возвращает коды, переданные в SignIn.
func (c *LoginClient) Codes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.codes...)
}

// Closed сообщает, закрыт ли клиент.
func (c *LoginClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LoginFactory выдаёт заранее подготовленного клиента входа.
type LoginFactory struct {
	Next *LoginClient
}

// NewLoginClient реализует userbot.LoginFactory.
func (f *LoginFactory) NewLoginClient(context.Context) (userbot.LoginClient, error) {
	return f.Next, nil
}
