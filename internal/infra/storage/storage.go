// Package storage — безопасная работа с локальными файлами: каталоги данных,
// атомарная запись исходников плагинов и файла БД, удаление без ошибок на «нет файла».
package storage

import (
	"os"
	"path/filepath"

	"github.com/go-faster/errors"

	"kingtg-userbot/internal/infra/logger"
)

// DefaultFilePerm — права итоговых файлов: только владелец процесса.
const DefaultFilePerm os.FileMode = 0o600

// dirPerm — права создаваемых каталогов данных.
const dirPerm os.FileMode = 0o700

// EnsureDir создаёт каталог для файла path. Путь без каталога ничего не делает.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Wrapf(err, "create dir %s", dir)
	}
	return nil
}

// AtomicWriteFile записывает data в path через temp-файл в том же каталоге:
// write → fsync → chmod → close → rename → fsync(dir). Читатель видит либо старое,
// либо новое содержимое целиком. Rename атомарен только в пределах одного тома.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "fsync temp file")
	}
	if err := tmp.Chmod(DefaultFilePerm); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "chmod temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, clean); err != nil {
		return errors.Wrap(err, "rename temp file")
	}

	// fsync каталога — best-effort, некоторые ФС его не поддерживают.
	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Debugf("AtomicWriteFile: dir sync error: %v", errSync)
		}
		_ = dirFile.Close()
	}
	return nil
}

// CopyFile атомарно копирует src в dst. Копирование файла в самого себя — no-op.
func CopyFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrapf(err, "read %s", src)
	}
	return AtomicWriteFile(dst, data)
}

// Exists сообщает, существует ли обычный файл path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// RemoveFile удаляет файл; отсутствие файла ошибкой не считается.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}
