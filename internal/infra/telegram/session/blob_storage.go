// Пакет session держит MTProto-сессию пользователя в памяти процесса.
// Источник истины — запись пользователя в хранилище: блоб приходит оттуда при сборке
// клиента и уходит туда через Export после входа. Файлов на диске нет.
package session

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"

	"kingtg-userbot/internal/domain/records"
)

// ErrEmptyBlob — блоб пуст, экспортировать нечего.
var ErrEmptyBlob = errors.New("session blob is empty")

// BlobStorage реализует tdsession.Storage поверх байтового буфера. Потокобезопасен.
type BlobStorage struct {
	mux  sync.Mutex
	data []byte
}

var _ tdsession.Storage = (*BlobStorage)(nil)

// NewBlobStorage создаёт пустое хранилище (клиент входа).
func NewBlobStorage() *BlobStorage {
	return &BlobStorage{}
}

// FromBlob декодирует сохранённый блоб заданного формата.
//
//   - gotd (или пустой вариант) — base64 от сериализованной gotd-сессии;
//   - telethon — строковая сессия Telethon, конвертируется через tdsession.TelethonSession.
func FromBlob(ctx context.Context, blob, variant string) (*BlobStorage, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, ErrEmptyBlob
	}
	st := &BlobStorage{}
	switch variant {
	case "", records.VariantGotd:
		raw, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			return nil, errors.Wrap(err, "decode gotd session")
		}
		st.data = raw
	case records.VariantTelethon:
		data, err := tdsession.TelethonSession(blob)
		if err != nil {
			return nil, errors.Wrap(err, "decode telethon session")
		}
		if err := (&tdsession.Loader{Storage: st}).Save(ctx, data); err != nil {
			return nil, errors.Wrap(err, "convert telethon session")
		}
	default:
		return nil, errors.Errorf("unknown session variant %q", variant)
	}
	return st, nil
}

// LoadSession возвращает текущие байты сессии.
func (s *BlobStorage) LoadSession(_ context.Context) ([]byte, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if len(s.data) == 0 {
		return nil, tdsession.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

// StoreSession заменяет байты сессии (gotd вызывает после авторизации и смены ключа).
func (s *BlobStorage) StoreSession(_ context.Context, data []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.data = append(s.data[:0], data...)
	return nil
}

// Export возвращает блоб в формате gotd.
func (s *BlobStorage) Export() (string, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if len(s.data) == 0 {
		return "", ErrEmptyBlob
	}
	return base64.StdEncoding.EncodeToString(s.data), nil
}
