package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.in))
		})
	}
}

func TestSetup_WritesAndRestores(t *testing.T) {
	previous := slog.Default()
	var buf bytes.Buffer

	c, err := Setup(Options{Level: LevelDebug, Output: &buf})
	require.NoError(t, err)

	slog.Debug("hello", "stage", "knock")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "stage=knock")

	require.NoError(t, c.Close())
	assert.Same(t, previous, slog.Default())

	// Close is idempotent
	require.NoError(t, c.Close())
}

func TestSetup_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	c, err := Setup(Options{Level: LevelWarn, Output: &buf})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	slog.Info("quiet")
	slog.Warn("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}

func TestSetup_JSONToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "knockgate.log")

	c, err := Setup(Options{Level: LevelInfo, JSON: true, FilePath: path, Output: &buf})
	require.NoError(t, err)

	slog.Info("to file")
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSetup_RejectsSymlinkFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "link.log")
	require.NoError(t, os.WriteFile(target, nil, 0600))
	require.NoError(t, os.Symlink(target, link))

	_, err := Setup(Options{FilePath: link})
	assert.Error(t, err)
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv(DebugEnvVar, "")
	assert.Equal(t, LevelWarn, LevelFromEnv(LevelWarn))

	t.Setenv(DebugEnvVar, "1")
	assert.Equal(t, LevelDebug, LevelFromEnv(LevelWarn))
}

func TestLevel_Values(t *testing.T) {
	assert.Equal(t, Level(0), LevelInfo)
	assert.Equal(t, Level(1), LevelDebug)
}
