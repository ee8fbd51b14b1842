package adapter

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shini4i/knockgate/internal/config"
	"github.com/shini4i/knockgate/internal/fileutil"
)

// ResolveBinary locates b.Path and, when b.SHA256 is set, verifies the file
// against it.
func ResolveBinary(b config.Binary) (string, error) {
	path, err := fileutil.FindExecutable(b.Path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", b.Path, ErrBinaryNotFound)
	}
	if b.SHA256 == "" {
		return path, nil
	}

	sum, err := fileSHA256(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	want, err := hex.DecodeString(strings.ToLower(strings.ReplaceAll(b.SHA256, ":", "")))
	if err != nil || subtle.ConstantTimeCompare(sum, want) != 1 {
		return "", fmt.Errorf("%s: %w", path, ErrHashMismatch)
	}
	return path, nil
}

func fileSHA256(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
