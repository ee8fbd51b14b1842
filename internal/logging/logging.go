// Package logging provides structured logging setup using log/slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shini4i/knockgate/internal/fileutil"
)

// DebugEnvVar enables debug logging when set to "1".
const DebugEnvVar = "KNOCKGATE_DEBUG"

// Level represents the logging verbosity level.
type Level int

const (
	// LevelInfo is the default logging level for normal operation.
	LevelInfo Level = iota
	// LevelDebug enables verbose debug output.
	LevelDebug
	// LevelWarn only reports warnings and errors.
	LevelWarn
	// LevelError only reports errors.
	LevelError
)

// ParseLevel converts a config string such as "debug" into a Level.
// Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options configures Setup.
type Options struct {
	Level Level
	// JSON selects the JSON handler instead of the text handler.
	JSON bool
	// FilePath, when set, mirrors log output to this file (mode 0600).
	FilePath string
	// Output overrides stderr. Used by tests.
	Output io.Writer
}

// Closer releases logging resources. Close flushes and closes the log file
// and restores the logger that was the default before Setup.
type Closer interface {
	Close() error
}

type closer struct {
	once     sync.Once
	file     *os.File
	previous *slog.Logger
}

func (c *closer) Close() error {
	var err error
	c.once.Do(func() {
		slog.SetDefault(c.previous)
		if c.file != nil {
			if syncErr := c.file.Sync(); syncErr != nil {
				err = fmt.Errorf("sync log file: %w", syncErr)
			}
			if closeErr := c.file.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("close log file: %w", closeErr)
			}
		}
	})
	return err
}

// Setup installs the default slog logger. Call it once at process start and
// defer Close on the returned Closer.
func Setup(opts Options) (Closer, error) {
	c := &closer{previous: slog.Default()}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	if opts.FilePath != "" {
		if fileutil.IsSymlink(opts.FilePath) {
			return nil, fmt.Errorf("log file %s: %w", opts.FilePath, fileutil.ErrSymlink)
		}
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		c.file = f
		out = io.MultiWriter(out, f)
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level.slogLevel()}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))

	return c, nil
}

// LevelFromEnv returns LevelDebug when KNOCKGATE_DEBUG=1, otherwise fallback.
func LevelFromEnv(fallback Level) Level {
	if os.Getenv(DebugEnvVar) == "1" {
		return LevelDebug
	}
	return fallback
}
