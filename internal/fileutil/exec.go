package fileutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrExecutableNotFound is returned when a tool is neither on PATH nor in
// any of the standard directories.
var ErrExecutableNotFound = errors.New("executable not found")

// StandardBinDirs are searched after PATH. Privileged tools often live in
// sbin directories that are missing from an unprivileged user's PATH.
var StandardBinDirs = []string{
	"/usr/local/sbin",
	"/usr/local/bin",
	"/usr/sbin",
	"/usr/bin",
	"/sbin",
	"/bin",
	"/opt/homebrew/bin",
}

// FindExecutable resolves name to an absolute path. Absolute or relative
// paths containing a separator are checked as given.
func FindExecutable(name string) (string, error) {
	if name == "" {
		return "", ErrExecutableNotFound
	}
	if filepath.Base(name) != name {
		if isExecutable(name) {
			return filepath.Abs(name)
		}
		return "", ErrExecutableNotFound
	}
	if path, err := exec.LookPath(name); err == nil {
		return filepath.Abs(path)
	}
	for _, dir := range StandardBinDirs {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", ErrExecutableNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}
