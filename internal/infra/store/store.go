// Package store — персистентное хранилище сервиса на bbolt: пользователи, каталог
// расширений, настройки бота и журнал событий. Каждая запись хранится JSON-документом
// в своём bucket'е; изменения идут через read-modify-write внутри одной транзакции
// Update, поэтому частичные обновления одной записи не теряются при конкуренции.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/infra/storage"
)

const (
	dbOpenTimeout             = time.Second
	dbFileMode    os.FileMode = 0o600

	// maxLogEntries — сколько последних записей журнала держать в базе.
	maxLogEntries = 5000
)

var (
	usersBucket    = []byte("users")
	pluginsBucket  = []byte("plugins")
	settingsBucket = []byte("settings")
	logsBucket     = []byte("logs")

	settingsKey = []byte("v1")
)

// Store реализует records.Store поверх одного файла bbolt.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ records.Store = (*Store)(nil)

// Open открывает (или создаёт) файл базы и гарантирует наличие bucket'ов.
func Open(path string) (*Store, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return nil, errors.New("store: db path is empty")
	}
	if err := storage.EnsureDir(clean); err != nil {
		return nil, errors.Wrap(err, "store: ensure dir")
	}

	db, err := bbolt.Open(clean, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "store: open db")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{usersBucket, pluginsBucket, settingsBucket, logsBucket} {
			if _, errCreate := tx.CreateBucketIfNotExists(name); errCreate != nil {
				return errors.Wrapf(errCreate, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "store: init buckets")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close закрывает файл базы.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping проверяет, что база открыта и читается (health-проверка).
func (s *Store) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(usersBucket) == nil {
			return errors.New("store: users bucket missing")
		}
		return nil
	})
}

func userKey(id int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(id))
}

func getJSON[T any](b *bbolt.Bucket, key []byte, dst *T) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, errors.Wrapf(err, "decode %q", key)
	}
	return true, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	return b.Put(key, payload)
}

// GetUser возвращает запись пользователя или records.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id int64) (records.User, error) {
	if err := ctx.Err(); err != nil {
		return records.User{}, err
	}
	var u records.User
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var errGet error
		found, errGet = getJSON(tx.Bucket(usersBucket), userKey(id), &u)
		return errGet
	})
	if err != nil {
		return records.User{}, errors.Wrapf(err, "store: get user %d", id)
	}
	if !found {
		return records.User{}, records.ErrNotFound
	}
	return u, nil
}

// UpdateUser применяет mutate в одной транзакции. Новая запись получает CreatedAt;
// каждое изменение обновляет LastActive.
func (s *Store) UpdateUser(ctx context.Context, id int64, mutate func(*records.User)) (records.User, error) {
	if err := ctx.Err(); err != nil {
		return records.User{}, err
	}
	var u records.User
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		found, errGet := getJSON(b, userKey(id), &u)
		if errGet != nil {
			return errGet
		}
		now := s.now().UTC()
		if !found {
			u = records.User{ID: id, CreatedAt: now, ActivePlugins: []string{}, AlwaysOnPlugins: []string{}}
		}
		if mutate != nil {
			mutate(&u)
		}
		u.ID = id
		u.LastActive = now
		return putJSON(b, userKey(id), u)
	})
	if err != nil {
		return records.User{}, errors.Wrapf(err, "store: update user %d", id)
	}
	return u, nil
}

// DeleteUser удаляет запись; отсутствие записи — records.ErrNotFound.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if b.Get(userKey(id)) == nil {
			return records.ErrNotFound
		}
		return b.Delete(userKey(id))
	})
}

// ListUsers возвращает всех пользователей в порядке возрастания id.
func (s *Store) ListUsers(ctx context.Context) ([]records.User, error) {
	return s.listUsers(ctx, nil)
}

// GetLoggedInUsers возвращает пользователей с LoggedIn=true.
func (s *Store) GetLoggedInUsers(ctx context.Context) ([]records.User, error) {
	return s.listUsers(ctx, func(u records.User) bool { return u.LoggedIn })
}

func (s *Store) listUsers(ctx context.Context, keep func(records.User) bool) ([]records.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]records.User, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(_, v []byte) error {
			var u records.User
			if err := json.Unmarshal(v, &u); err != nil {
				return errors.Wrap(err, "decode user")
			}
			if keep == nil || keep(u) {
				out = append(out, u)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: list users")
	}
	return out, nil
}

func pluginKey(name string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(name)))
}

// GetPlugin возвращает запись каталога или records.ErrNotFound.
func (s *Store) GetPlugin(ctx context.Context, name string) (records.Plugin, error) {
	if err := ctx.Err(); err != nil {
		return records.Plugin{}, err
	}
	var p records.Plugin
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var errGet error
		found, errGet = getJSON(tx.Bucket(pluginsBucket), pluginKey(name), &p)
		return errGet
	})
	if err != nil {
		return records.Plugin{}, errors.Wrapf(err, "store: get plugin %q", name)
	}
	if !found {
		return records.Plugin{}, records.ErrNotFound
	}
	return p, nil
}

// SavePlugin создаёт или перезаписывает запись каталога.
func (s *Store) SavePlugin(ctx context.Context, p records.Plugin) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(pluginsBucket), pluginKey(p.Name), p)
	})
	if err != nil {
		return errors.Wrapf(err, "store: save plugin %q", p.Name)
	}
	return nil
}

// UpdatePlugin применяет mutate к существующей записи.
func (s *Store) UpdatePlugin(ctx context.Context, name string, mutate func(*records.Plugin)) (records.Plugin, error) {
	if err := ctx.Err(); err != nil {
		return records.Plugin{}, err
	}
	var p records.Plugin
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pluginsBucket)
		found, errGet := getJSON(b, pluginKey(name), &p)
		if errGet != nil {
			return errGet
		}
		if !found {
			return records.ErrNotFound
		}
		mutate(&p)
		return putJSON(b, pluginKey(name), p)
	})
	if err != nil {
		return records.Plugin{}, err
	}
	return p, nil
}

// DeletePlugin удаляет запись каталога; отсутствие — records.ErrNotFound.
func (s *Store) DeletePlugin(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pluginsBucket)
		if b.Get(pluginKey(name)) == nil {
			return records.ErrNotFound
		}
		return b.Delete(pluginKey(name))
	})
}

// ListPlugins возвращает каталог, отсортированный по имени.
func (s *Store) ListPlugins(ctx context.Context) ([]records.Plugin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]records.Plugin, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(pluginsBucket).ForEach(func(_, v []byte) error {
			var p records.Plugin
			if err := json.Unmarshal(v, &p); err != nil {
				return errors.Wrap(err, "decode plugin")
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: list plugins")
	}
	return out, nil
}

// GetSettings возвращает настройки; до первой записи — records.DefaultSettings.
func (s *Store) GetSettings(ctx context.Context) (records.Settings, error) {
	if err := ctx.Err(); err != nil {
		return records.Settings{}, err
	}
	settings := records.DefaultSettings()
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, errGet := getJSON(tx.Bucket(settingsBucket), settingsKey, &settings)
		return errGet
	})
	if err != nil {
		return records.Settings{}, errors.Wrap(err, "store: get settings")
	}
	return settings, nil
}

// UpdateSettings применяет mutate к текущим настройкам.
func (s *Store) UpdateSettings(ctx context.Context, mutate func(*records.Settings)) (records.Settings, error) {
	if err := ctx.Err(); err != nil {
		return records.Settings{}, err
	}
	settings := records.DefaultSettings()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(settingsBucket)
		if _, errGet := getJSON(b, settingsKey, &settings); errGet != nil {
			return errGet
		}
		mutate(&settings)
		return putJSON(b, settingsKey, settings)
	})
	if err != nil {
		return records.Settings{}, errors.Wrap(err, "store: update settings")
	}
	return settings, nil
}

// AddLog добавляет запись журнала. Ключ — UUIDv7, поэтому курсор идёт по времени;
// при превышении maxLogEntries самые старые записи удаляются.
func (s *Store) AddLog(ctx context.Context, entry records.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return errors.Wrap(err, "store: log id")
	}
	if entry.ID == "" {
		entry.ID = id.String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(logsBucket)
		if errPut := putJSON(b, id[:], entry); errPut != nil {
			return errPut
		}
		excess := b.Stats().KeyN - maxLogEntries
		if excess <= 0 {
			return nil
		}
		// Удаление под курсором пропускает соседние ключи, поэтому сначала собираем.
		stale := make([][]byte, 0, excess)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
			stale = append(stale, slices.Clone(k))
		}
		for _, k := range stale {
			if errDel := b.Delete(k); errDel != nil {
				return errDel
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "store: add log")
	}
	return nil
}

// RecentLogs возвращает до limit последних записей (новые первыми), опционально по kind.
func (s *Store) RecentLogs(ctx context.Context, limit int, kind string) ([]records.LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]records.LogEntry, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var e records.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.Wrap(err, "decode log entry")
			}
			if kind == "" || e.Kind == kind {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: recent logs")
	}
	return out, nil
}
