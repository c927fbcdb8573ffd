package core

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/userbot"
	"kingtg-userbot/internal/infra/metrics"
	"kingtg-userbot/internal/infra/telegram/peersmgr"
)

// lazyUpdateHandler откладывает установку обработчика апдейтов: менеджер апдейтов
// строится из API клиента, а клиенту обработчик нужен уже в опциях.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

func (c *Client) onNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	return c.dispatch(ctx, e, u.Message)
}

func (c *Client) onNewChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	return c.dispatch(ctx, e, u.Message)
}

// dispatch раздаёт сообщение обработчикам в отдельной горутине: медленный плагин
// не должен задерживать поток апдейтов.
func (c *Client) dispatch(ctx context.Context, e tg.Entities, raw tg.MessageClass) error {
	msg, ok := raw.(*tg.Message)
	if !ok || c.handlers.Len() == 0 {
		return nil
	}
	if err := c.peers.ApplyEntities(ctx, e); err != nil {
		c.log.Debug("Failed to apply entities", zap.Error(err))
	}
	m := c.convert(msg)

	direction := "incoming"
	if m.Outgoing {
		direction = "outgoing"
	}
	metrics.MessagesDispatched.WithLabelValues(direction).Inc()

	c.inflight.Go(func() {
		c.handlers.Dispatch(ctx, m)
	})
	return nil
}

// convert строит userbot.Message. Отправитель исходящего — сам аккаунт; входящее
// в личке без FromID — собеседник.
func (c *Client) convert(msg *tg.Message) *userbot.Message {
	m := &userbot.Message{
		ID:       msg.ID,
		ChatID:   peersmgr.MarkedID(msg.PeerID),
		Text:     msg.Message,
		Outgoing: msg.Out,
		Date:     time.Unix(int64(msg.Date), 0),
	}
	switch from := msg.FromID.(type) {
	case *tg.PeerUser:
		m.SenderID = from.UserID
	case *tg.PeerChannel:
		m.SenderID = peersmgr.MarkedID(from)
	default:
		if msg.Out {
			m.SenderID = c.self()
		} else if p, ok := msg.PeerID.(*tg.PeerUser); ok {
			m.SenderID = p.UserID
		}
	}
	return m.WithResponder(responder{c})
}

// responder выполняет действия над сообщениями от имени клиента.
type responder struct {
	c *Client
}

func (r responder) Reply(ctx context.Context, m *userbot.Message, text string) error {
	return r.c.send(ctx, m.ChatID, text, m.ID)
}

func (r responder) Edit(ctx context.Context, m *userbot.Message, text string) error {
	if !m.Outgoing {
		return errors.New("only outgoing messages can be edited")
	}
	peer, err := r.c.peers.InputPeer(ctx, m.ChatID)
	if err != nil {
		return err
	}
	_, err = r.c.api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    peer,
		ID:      m.ID,
		Message: text,
	})
	return classify(err)
}

func (r responder) Delete(ctx context.Context, m *userbot.Message) error {
	peer, err := r.c.peers.InputPeer(ctx, m.ChatID)
	if err != nil {
		return err
	}
	if ch, ok := peer.(*tg.InputPeerChannel); ok {
		_, err = r.c.api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
			ID:      []int{m.ID},
		})
		return classify(err)
	}
	_, err = r.c.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		Revoke: true,
		ID:     []int{m.ID},
	})
	return classify(err)
}
