// Package compat — стабильный фасад, против которого пишутся расширения. Расширение —
// это Go-файл, исполняемый встроенным интерпретатором; он импортирует только этот пакет
// и стандартную библиотеку и экспортирует точки входа:
//
//	func Register(c *compat.Client) error
//	func Unregister(c *compat.Client) error // необязательно
//
// Все обработчики регистрируются через Client.On, поэтому хост может снять их точечно.
package compat

import (
	"context"
	"regexp"
	"strings"

	"kingtg-userbot/internal/domain/userbot"
)

// Version — версия контракта фасада. Расширение может проверить её в Register.
const Version = "1.0.0"

// CommandPrefix — префикс команд userbot'а в исходящих сообщениях.
const CommandPrefix = "."

type (
	// Message — сообщение, переданное обработчику.
	Message = userbot.Message
	// Filter — условие отбора сообщений.
	Filter = userbot.Filter
	// Handler — обработчик сообщения.
	Handler = userbot.Handler
	// HandlerID — идентификатор регистрации.
	HandlerID = userbot.HandlerID
)

// Client — то, что видит расширение: живой клиент пользователя и его реестр справки.
type Client struct {
	inner  userbot.Client
	userID int64
	module string
	help   *HelpRegistry
}

// NewClient оборачивает клиента пользователя для расширения module.
func NewClient(inner userbot.Client, userID int64, module string, help *HelpRegistry) *Client {
	if help == nil {
		help = NewHelpRegistry()
	}
	return &Client{inner: inner, userID: userID, module: module, help: help}
}

// On регистрирует обработчик сообщений, прошедших фильтр.
func (c *Client) On(f Filter, h Handler) HandlerID {
	return c.inner.AddEventHandler(h, f)
}

// Off снимает ранее зарегистрированный обработчик.
func (c *Client) Off(id HandlerID) error {
	return c.inner.RemoveEventHandler(id)
}

// UserID возвращает идентификатор владельца сессии в боте.
func (c *Client) UserID() int64 { return c.userID }

// Module возвращает имя расширения, для которого создан фасад.
func (c *Client) Module() string { return c.module }

// Me возвращает аккаунт userbot'а.
func (c *Client) Me(ctx context.Context) (userbot.Identity, error) {
	return c.inner.GetMe(ctx)
}

// SendMessage отправляет текст в чат.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.inner.SendMessage(ctx, chatID, text)
}

// Help начинает описание справки текущего расширения.
func (c *Client) Help() *CmdHelp {
	return c.help.New(c.module)
}

// Command — исходящая команда вида ".name аргументы". Аргументы доступны как Matches[1].
func Command(name string) Filter {
	expr := "^" + regexp.QuoteMeta(CommandPrefix+strings.TrimPrefix(name, CommandPrefix)) + `(?:\s+([\s\S]*))?$`
	return Filter{Outgoing: true, Pattern: regexp.MustCompile(expr)}
}

// Pattern — исходящие сообщения, совпадающие с регулярным выражением.
func Pattern(expr string) Filter {
	return Filter{Outgoing: true, Pattern: regexp.MustCompile(expr)}
}

// Incoming — все входящие сообщения.
func Incoming() Filter { return Filter{Incoming: true} }

// Outgoing — все исходящие сообщения.
func Outgoing() Filter { return Filter{Outgoing: true} }

// EditOrReply редактирует исходящее сообщение, а при ошибке отвечает на него.
func EditOrReply(ctx context.Context, m *Message, text string) error {
	if m.Outgoing {
		if err := m.Edit(ctx, text); err == nil {
			return nil
		}
	}
	return m.Reply(ctx, text)
}
