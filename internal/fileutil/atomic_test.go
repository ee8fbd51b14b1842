package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.bin")
	data := []byte("ciphertext")

	err := AtomicWrite(path, data, 0600)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, content)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Only the final file should remain
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicWrite_CreatesParent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deeper", "config.json")

	require.NoError(t, AtomicWrite(path, []byte("{}"), 0600))

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestAtomicWrite_OverwriteExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	require.NoError(t, AtomicWrite(path, []byte("initial"), 0600))
	require.NoError(t, AtomicWrite(path, []byte("updated"), 0600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), content)
}

func TestAtomicWrite_RejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "link")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0600))
	require.NoError(t, os.Symlink(target, link))

	err := AtomicWrite(link, []byte("data"), 0600)
	assert.ErrorIs(t, err, ErrSymlink)
}

func TestShred(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("super secret"), 0600))

	require.NoError(t, Shred(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestShred_Missing(t *testing.T) {
	assert.NoError(t, Shred(filepath.Join(t.TempDir(), "missing")))
}

func TestZeroFill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	payload := make([]byte, 70*1024)
	for i := range payload {
		payload[i] = 0xAA
	}
	require.NoError(t, os.WriteFile(path, payload, 0600))

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	require.NoError(t, zeroFill(f, int64(len(payload))))
	require.NoError(t, f.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(payload)), content)
}

func TestWriteTempSecret(t *testing.T) {
	dir := t.TempDir()

	path, cleanup, err := WriteTempSecret(dir, "auth-*", []byte("user\npass\n"))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "user\npass\n", string(content))

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
