// Package fileutil provides file operations for persisted state and for
// short-lived files that carry secrets to external tools.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrSymlink is returned when a target path is a symbolic link.
var ErrSymlink = errors.New("refusing to write through a symlink")

// AtomicWrite writes data to path with a write-sync-rename sequence so the
// target is never observed partially written. The parent directory is created
// with 0700 if missing, and an existing symlink at path is rejected.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	if IsSymlink(path) {
		return fmt.Errorf("%s: %w", path, ErrSymlink)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	// Restrict before writing so content is never world-readable, even briefly.
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename to final path: %w", err)
	}

	success = true
	return nil
}

// IsSymlink reports whether path exists and is a symbolic link.
func IsSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

// Shred overwrites the file at path with zeros, syncs it to disk and removes
// it. A missing file is not an error.
func Shred(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open for shredding: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat for shredding: %w", err)
	}

	if err := zeroFill(f, info.Size()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync shredded file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close shredded file: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove shredded file: %w", err)
	}
	return nil
}

func zeroFill(w io.WriterAt, size int64) error {
	zeros := make([]byte, 32*1024)
	for off := int64(0); off < size; {
		n := int64(len(zeros))
		if size-off < n {
			n = size - off
		}
		if _, err := w.WriteAt(zeros[:n], off); err != nil {
			return fmt.Errorf("overwrite with zeros: %w", err)
		}
		off += n
	}
	return nil
}

// WriteTempSecret writes data to a new 0600 file in dir and returns its path
// with a cleanup func that shreds it. The caller should zero data afterwards.
func WriteTempSecret(dir, pattern string, data []byte) (string, func(), error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create secret file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = Shred(path) }

	if err := f.Chmod(0600); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("chmod secret file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write secret file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close secret file: %w", err)
	}
	return path, cleanup, nil
}
