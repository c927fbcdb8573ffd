package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/infra/storage"
)

func TestAtomicWriteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "plugin.go")

	require.NoError(t, storage.AtomicWriteFile(path, []byte("package afk\n")))
	require.NoError(t, storage.AtomicWriteFile(path, []byte("package afk // v2\n")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package afk // v2\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, storage.DefaultFilePerm, info.Mode().Perm())

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "atomic-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestCopyAndRemoveFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.go")
	dst := filepath.Join(dir, "plugins", "dst.go")
	require.NoError(t, os.WriteFile(src, []byte("package dst\n"), 0o644))

	require.NoError(t, storage.CopyFile(src, dst))
	assert.True(t, storage.Exists(dst))
	require.NoError(t, storage.CopyFile(dst, dst))

	require.NoError(t, storage.RemoveFile(dst))
	assert.False(t, storage.Exists(dst))
	assert.NoError(t, storage.RemoveFile(dst), "missing file is not an error")
}
