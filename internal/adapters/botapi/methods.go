package botapi

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"kingtg-userbot/internal/domain/accounts"
	"kingtg-userbot/internal/domain/audit"
	"kingtg-userbot/internal/domain/session"
)

// Адаптер реализует доменные порты бота.
var (
	_ session.Messenger   = (*Client)(nil)
	_ accounts.ChatLookup = (*Client)(nil)
	_ audit.ChannelSender = (*Client)(nil)
)

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID                int64        `json:"chat_id"`
	Text                  string       `json:"text"`
	ParseMode             string       `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool         `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *replyMarkup `json:"reply_markup,omitempty"`
}

// SendMessage отправляет пользователю HTML-сообщение с inline-кнопками.
func (c *Client) SendMessage(ctx context.Context, userID int64, text string, buttons [][]session.Button) error {
	req := sendMessageRequest{
		ChatID:                userID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	if len(buttons) > 0 {
		kb := make([][]inlineButton, 0, len(buttons))
		for _, row := range buttons {
			r := make([]inlineButton, 0, len(row))
			for _, b := range row {
				r = append(r, inlineButton{Text: b.Text, CallbackData: b.Data})
			}
			kb = append(kb, r)
		}
		req.ReplyMarkup = &replyMarkup{InlineKeyboard: kb}
	}
	return c.Call(ctx, "sendMessage", req, nil)
}

// SendText отправляет HTML-текст в чат (лог-канал).
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	return c.SendMessage(ctx, chatID, text, nil)
}

// GetChat запрашивает профиль пользователя. Удалённый или недоступный аккаунт — ErrChatGone.
func (c *Client) GetChat(ctx context.Context, userID int64) (accounts.ChatInfo, error) {
	var chat struct {
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
	}
	err := c.Call(ctx, "getChat", map[string]int64{"chat_id": userID}, &chat)
	if isChatGone(err) {
		return accounts.ChatInfo{}, errors.Wrap(accounts.ErrChatGone, err.Error())
	}
	if err != nil {
		return accounts.ChatInfo{}, err
	}
	return accounts.ChatInfo{Username: chat.Username, FirstName: chat.FirstName}, nil
}

// AnswerCallbackQuery закрывает «часики» на кнопке.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	return c.Call(ctx, "answerCallbackQuery", map[string]string{"callback_query_id": id, "text": text}, nil)
}

// EditMessageText заменяет текст сообщения бота и убирает клавиатуру.
func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text string) error {
	req := struct {
		ChatID    int64  `json:"chat_id"`
		MessageID int    `json:"message_id"`
		Text      string `json:"text"`
		ParseMode string `json:"parse_mode"`
	}{chatID, messageID, text, "HTML"}
	return c.Call(ctx, "editMessageText", req, nil)
}

func isChatGone(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	desc := strings.ToLower(apiErr.Description)
	switch {
	case strings.Contains(desc, "chat not found"),
		strings.Contains(desc, "user not found"),
		strings.Contains(desc, "user is deactivated"):
		return true
	}
	return false
}
