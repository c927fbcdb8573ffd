// Package peersmgr — кэш пиров MTProto-клиентов на bbolt.
// Один файл на процесс: состояние апдейтов gotd (общий StateStorage, ключ — userID)
// и по бакету пиров на пользователя. Service оборачивает gotd peers.Manager
// конкретного клиента и его персистентное хранилище.
package peersmgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

const (
	peersBucketPrefix             = "peers_"
	dbOpenTimeout                 = time.Second
	dbFileMode        os.FileMode = 0o600
)

// Смещения маркированных идентификаторов чатов (как в Bot API).
const (
	channelIDShift = 1_000_000_000_000
)

// Cache — общий файл кэша MTProto.
type Cache struct {
	db    *bbolt.DB
	state tgupdates.StateStorage
}

// Open открывает (создаёт) файл кэша.
func Open(path string) (*Cache, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("peersmgr: db path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, errors.Wrapf(err, "peersmgr: ensure dir %q", dir)
		}
	}
	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "peersmgr: open db")
	}
	return &Cache{db: db, state: bboltdb.NewStateStorage(db)}, nil
}

// Close закрывает файл.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// State — хранилище состояния апдейтов, общее для всех клиентов.
func (c *Cache) State() tgupdates.StateStorage {
	return c.state
}

// ForUser строит сервис пиров клиента userID. Сетевых запросов не выполняет.
func (c *Cache) ForUser(api *tg.Client, userID int64) *Service {
	bucket := bucketName(userID)
	return &Service{
		db:     c.db,
		bucket: bucket,
		store:  bboltdb.NewPeerStorage(c.db, bucket),
		Mgr:    (peers.Options{}).Build(api),
	}
}

// Forget удаляет сохранённые пиры пользователя (выход из аккаунта).
func (c *Cache) Forget(userID int64) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(bucketName(userID))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func bucketName(userID int64) []byte {
	return []byte(peersBucketPrefix + strconv.FormatInt(userID, 10))
}

// Service — менеджер пиров одного клиента.
type Service struct {
	db     *bbolt.DB
	bucket []byte
	store  contribstorage.PeerStorage
	Mgr    *peers.Manager
}

// Store возвращает персистентное хранилище пиров (для UpdateHook).
func (s *Service) Store() contribstorage.PeerStorage {
	return s.store
}

// LoadFromStorage прогружает сохранённые пиры в peers.Manager.
// Битый бакет пересоздаётся: кэш восстановится из апдейтов.
func (s *Service) LoadFromStorage(ctx context.Context) error {
	exists := false
	if err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(s.bucket) != nil
		return nil
	}); err != nil || !exists {
		return err
	}
	iter, err := s.store.Iterate(ctx)
	if err != nil {
		if isJSONUnmarshalError(err) {
			return s.resetBucket()
		}
		return errors.Wrap(err, "peersmgr: iterate stored peers")
	}
	defer func() { _ = iter.Close() }()

	users := make([]tg.UserClass, 0)
	chats := make([]tg.ChatClass, 0)
	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			user := value.User
			if user == nil {
				user = &tg.User{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			users = append(users, user)
		case dialogs.Chat:
			chat := value.Chat
			if chat == nil {
				chat = &tg.Chat{ID: value.Key.ID}
			}
			chats = append(chats, chat)
		case dialogs.Channel:
			channel := value.Channel
			if channel == nil {
				channel = &tg.Channel{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			chats = append(chats, channel)
		}
	}
	if err := iter.Err(); err != nil {
		if isJSONUnmarshalError(err) {
			return s.resetBucket()
		}
		return errors.Wrap(err, "peersmgr: iterate stored peers")
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, chats)
}

// MarkedID переводит tg.PeerClass в маркированный идентификатор чата:
// пользователь — как есть, группа — -id, канал — -(1e12+id).
func MarkedID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return -(channelIDShift + p.ChannelID)
	default:
		return 0
	}
}

// InputPeer разрешает маркированный идентификатор чата в tg.InputPeerClass.
func (s *Service) InputPeer(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	switch {
	case chatID > 0:
		user, err := s.Mgr.ResolveUserID(ctx, chatID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve user %d", chatID)
		}
		return user.InputPeer(), nil
	case chatID < -channelIDShift:
		id := -chatID - channelIDShift
		channel, err := s.Mgr.ResolveChannelID(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve channel %d", id)
		}
		return channel.InputPeer(), nil
	case chatID < 0:
		chat, err := s.Mgr.ResolveChatID(ctx, -chatID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve chat %d", -chatID)
		}
		return chat.InputPeer(), nil
	default:
		return nil, errors.New("peersmgr: zero chat id")
	}
}

// ApplyEntities добавляет сущности апдейта в менеджер.
func (s *Service) ApplyEntities(ctx context.Context, entities tg.Entities) error {
	users := make([]tg.UserClass, 0, len(entities.Users))
	for _, u := range entities.Users {
		if u != nil {
			users = append(users, u)
		}
	}
	chats := make([]tg.ChatClass, 0, len(entities.Chats)+len(entities.Channels))
	for _, ch := range entities.Chats {
		if ch != nil {
			chats = append(chats, ch)
		}
	}
	for _, ch := range entities.Channels {
		if ch != nil {
			chats = append(chats, ch)
		}
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, chats)
}

func isJSONUnmarshalError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	return strings.Contains(err.Error(), "json:")
}

func (s *Service) resetBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
}
