package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFilePreservesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	require.NoError(t, CopyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// No temp residue.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLinkOrCopyIdempotent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	require.NoError(t, LinkOrCopy(src, dst))
	assert.Equal(t, int64(7), FileSize(dst))

	// Existing destination is left alone.
	require.NoError(t, os.WriteFile(dst, []byte("changed!"), 0o600))
	require.NoError(t, LinkOrCopy(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "changed!", string(data))
}

func TestValidFile(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, ValidFile(filepath.Join(dir, "missing")))
	assert.False(t, ValidFile(dir))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	assert.False(t, ValidFile(empty))

	full := filepath.Join(dir, "full")
	require.NoError(t, os.WriteFile(full, []byte("x"), 0o600))
	assert.True(t, ValidFile(full))
}

func TestScanSubdirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0o750))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "b"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("x"), 0o600))

	assert.ElementsMatch(t, []string{"a", "b"}, ScanSubdirs(dir))
	assert.Empty(t, ScanSubdirs(filepath.Join(dir, "missing")))
}
