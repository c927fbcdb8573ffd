package peersmgr

import (
	"context"

	"github.com/go-faster/errors"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

// warmupDialogsLimit — размер первой страницы диалогов при прогреве.
const warmupDialogsLimit = 100

// WarmupIfEmpty при пустом бакете пользователя подтягивает первую страницу диалогов,
// чтобы InputPeer разрешался для чатов, из которых ещё не было апдейтов.
func (s *Service) WarmupIfEmpty(ctx context.Context, api *tg.Client) error {
	empty, err := s.Empty()
	if err != nil {
		return errors.Wrap(err, "peersmgr: check bucket")
	}
	if !empty {
		return nil
	}

	res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      warmupDialogsLimit,
	})
	if err != nil {
		return errors.Wrap(err, "peersmgr: fetch dialogs")
	}
	modified, ok := res.AsModified()
	if !ok {
		return nil
	}
	users, chats := modified.GetUsers(), modified.GetChats()
	if err := s.Mgr.Apply(ctx, users, chats); err != nil {
		return errors.Wrap(err, "peersmgr: apply dialogs")
	}
	return s.persist(ctx, users, chats)
}

// Empty сообщает, что для пользователя ещё не сохранено ни одного пира.
func (s *Service) Empty() (bool, error) {
	empty := true
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(s.bucket); b != nil {
			k, _ := b.Cursor().First()
			empty = k == nil
		}
		return nil
	})
	return empty, err
}

func (s *Service) persist(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) error {
	for _, u := range users {
		var p contribstorage.Peer
		if !p.FromUser(u) {
			continue
		}
		if err := s.store.Add(ctx, p); err != nil {
			return errors.Wrap(err, "peersmgr: save user")
		}
	}
	for _, c := range chats {
		var p contribstorage.Peer
		if !p.FromChat(c) {
			continue
		}
		if err := s.store.Add(ctx, p); err != nil {
			return errors.Wrap(err, "peersmgr: save chat")
		}
	}
	return nil
}
