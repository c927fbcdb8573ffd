package botapi

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/session"
)

// Параметры long-poll.
const (
	pollTimeoutSec   = 30
	pollErrorBackoff = 5 * time.Second
)

// Ответы на кнопки продления.
const (
	confirmedText = "✅ <b>Always-on renewed</b>\n\nYour plugins keep running."
	stoppedText   = "⏹ <b>Always-on stopped</b>\n\nYour always-on plugins were stopped."
)

// Confirmations принимает ответы пользователя на запрос продления.
type Confirmations interface {
	HandleConfirmation(ctx context.Context, userID int64, confirmed bool)
}

// Update — апдейт getUpdates; поллер обрабатывает только callback_query.
type Update struct {
	UpdateID      int            `json:"update_id"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

// CallbackQuery — нажатие inline-кнопки.
type CallbackQuery struct {
	ID   string `json:"id"`
	From struct {
		ID int64 `json:"id"`
	} `json:"from"`
	Message *struct {
		MessageID int `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
	Data string `json:"data"`
}

// Poller забирает callback-запросы кнопок always_confirm_<id> / always_stop_<id>.
type Poller struct {
	client   *Client
	handler  Confirmations
	interval time.Duration

	offset int
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewPoller создаёт поллер.
func NewPoller(client *Client, handler Confirmations) *Poller {
	return &Poller{client: client, handler: handler, interval: pollErrorBackoff, log: client.log.Named("poller")}
}

// Start запускает цикл getUpdates в фоне.
func (p *Poller) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Go(func() { p.loop(ctx) })
}

// Stop прерывает long-poll и ждёт выхода цикла.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil
}

func (p *Poller) loop(ctx context.Context) {
	for ctx.Err() == nil {
		if err := p.PollOnce(ctx, pollTimeoutSec); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("getUpdates failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.interval):
			}
		}
	}
}

// PollOnce выполняет один getUpdates и обрабатывает полученное.
func (p *Poller) PollOnce(ctx context.Context, timeoutSec int) error {
	var updates []Update
	req := map[string]any{
		"offset":          p.offset,
		"timeout":         timeoutSec,
		"allowed_updates": []string{"callback_query"},
	}
	if err := p.client.Call(ctx, "getUpdates", req, &updates); err != nil {
		return err
	}
	for _, u := range updates {
		if u.UpdateID >= p.offset {
			p.offset = u.UpdateID + 1
		}
		if u.CallbackQuery != nil {
			p.handleCallback(ctx, u.CallbackQuery)
		}
	}
	return nil
}

func (p *Poller) handleCallback(ctx context.Context, q *CallbackQuery) {
	userID, confirmed, ok := session.ParseConfirmation(q.Data)
	if !ok {
		return
	}
	if userID != q.From.ID {
		if err := p.client.AnswerCallbackQuery(ctx, q.ID, "This button is not for you."); err != nil {
			p.log.Debug("answerCallbackQuery failed", zap.Error(err))
		}
		return
	}

	p.handler.HandleConfirmation(ctx, userID, confirmed)

	answer, text := "Renewed", confirmedText
	if !confirmed {
		answer, text = "Stopped", stoppedText
	}
	if err := p.client.AnswerCallbackQuery(ctx, q.ID, answer); err != nil {
		p.log.Debug("answerCallbackQuery failed", zap.Error(err))
	}
	if q.Message != nil {
		if err := p.client.EditMessageText(ctx, q.Message.Chat.ID, q.Message.MessageID, text); err != nil {
			p.log.Debug("editMessageText failed", zap.Error(err))
		}
	}
	p.log.Info("Always-on confirmation answered", zap.Int64("user_id", userID), zap.Bool("confirmed", confirmed))
}
