package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindExecutable_OnPath(t *testing.T) {
	dir := t.TempDir()
	tool := filepath.Join(dir, "knocktool")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\n"), 0755))
	t.Setenv("PATH", dir)

	path, err := FindExecutable("knocktool")
	require.NoError(t, err)
	assert.Equal(t, tool, path)
}

func TestFindExecutable_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	tool := filepath.Join(dir, "vpn")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\n"), 0755))

	path, err := FindExecutable(tool)
	require.NoError(t, err)
	assert.Equal(t, tool, path)
}

func TestFindExecutable_NotExecutable(t *testing.T) {
	dir := t.TempDir()
	tool := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(tool, []byte("data"), 0600))

	_, err := FindExecutable(tool)
	assert.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestFindExecutable_Missing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := FindExecutable("definitely-not-a-real-tool-knockgate")
	assert.ErrorIs(t, err, ErrExecutableNotFound)

	_, err = FindExecutable("")
	assert.ErrorIs(t, err, ErrExecutableNotFound)
}
