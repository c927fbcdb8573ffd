package userbot

import (
	"context"
	"regexp"
	"slices"
	"time"
)

// HandlerID — идентификатор регистрации обработчика на клиенте.
type HandlerID uint64

// Handler обрабатывает новое сообщение.
type Handler func(ctx context.Context, m *Message) error

// Filter отбирает сообщения для обработчика. Нулевой Filter пропускает всё.
type Filter struct {
	Incoming  bool
	Outgoing  bool
	Pattern   *regexp.Regexp
	Chats     []int64
	FromUsers []int64
}

// Match проверяет сообщение и возвращает подгруппы Pattern (если он задан).
func (f Filter) Match(m *Message) ([]string, bool) {
	if f.Incoming != f.Outgoing {
		if f.Outgoing && !m.Outgoing {
			return nil, false
		}
		if f.Incoming && m.Outgoing {
			return nil, false
		}
	}
	if len(f.Chats) > 0 && !slices.Contains(f.Chats, m.ChatID) {
		return nil, false
	}
	if len(f.FromUsers) > 0 && !slices.Contains(f.FromUsers, m.SenderID) {
		return nil, false
	}
	if f.Pattern == nil {
		return nil, true
	}
	groups := f.Pattern.FindStringSubmatch(m.Text)
	if groups == nil {
		return nil, false
	}
	return groups, true
}

// Registration — запись таблицы обработчиков клиента.
type Registration struct {
	ID      HandlerID
	Filter  Filter
	Handler Handler
}

// Responder выполняет действия над сообщением от имени клиента.
type Responder interface {
	Reply(ctx context.Context, m *Message, text string) error
	Edit(ctx context.Context, m *Message, text string) error
	Delete(ctx context.Context, m *Message) error
}

// Message — входящее или исходящее сообщение, доставленное обработчику.
type Message struct {
	ID       int
	ChatID   int64
	SenderID int64
	Text     string
	Outgoing bool
	Date     time.Time
	// Matches — подгруппы Pattern фильтра, выбравшего обработчик.
	Matches []string

	responder Responder
}

// WithResponder привязывает сообщение к клиенту для ответов.
func (m *Message) WithResponder(r Responder) *Message {
	m.responder = r
	return m
}

// Reply отвечает на сообщение в том же чате.
func (m *Message) Reply(ctx context.Context, text string) error {
	if m.responder == nil {
		return ErrNoResponder
	}
	return m.responder.Reply(ctx, m, text)
}

// Edit редактирует сообщение (только исходящие).
func (m *Message) Edit(ctx context.Context, text string) error {
	if m.responder == nil {
		return ErrNoResponder
	}
	return m.responder.Edit(ctx, m, text)
}

// Delete удаляет сообщение.
func (m *Message) Delete(ctx context.Context) error {
	if m.responder == nil {
		return ErrNoResponder
	}
	return m.responder.Delete(ctx, m)
}
