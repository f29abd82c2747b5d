package fsmeta

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOS_LstatFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	res := OS{}.Lstat(context.Background(), path)

	require.Equal(t, StatusFound, res.Status)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, int64(5), res.Metadata.Size)
	assert.False(t, res.Metadata.IsDir())
	assert.False(t, res.Metadata.ModTime.IsZero())
	if runtime.GOOS != "windows" {
		assert.NotZero(t, res.Metadata.Inode)
		assert.Equal(t, uint64(1), res.Metadata.Nlink)
	}
}

func TestOS_LstatDirectory(t *testing.T) {
	res := OS{}.Lstat(context.Background(), t.TempDir())

	require.Equal(t, StatusFound, res.Status)
	assert.True(t, res.Metadata.IsDir())
}

func TestOS_LstatDoesNotFollowSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "link")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(target, link))

	res := OS{}.Lstat(context.Background(), link)

	require.Equal(t, StatusFound, res.Status)
	assert.True(t, res.Metadata.IsSymlink())
}

func TestOS_LstatNotFound(t *testing.T) {
	res := OS{}.Lstat(context.Background(), filepath.Join(t.TempDir(), "gone.txt"))

	assert.Equal(t, StatusNotFound, res.Status)
	assert.Nil(t, res.Metadata)
	assert.NoError(t, res.Err)
}

func TestOS_LstatOtherError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("ENOTDIR semantics differ on windows")
	}
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	// A path component that is a regular file yields ENOTDIR, not ENOENT.
	res := OS{}.Lstat(context.Background(), filepath.Join(file, "child"))

	assert.Equal(t, StatusIOError, res.Status)
	assert.Error(t, res.Err)
}

func TestOS_LstatCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := OS{}.Lstat(ctx, t.TempDir())

	assert.Equal(t, StatusIOError, res.Status)
	assert.True(t, errors.Is(res.Err, context.Canceled))
}

func TestLookupFunc(t *testing.T) {
	var seen string
	lookup := LookupFunc(func(_ context.Context, path string) Result {
		seen = path
		return NotFound()
	})

	res := lookup.Lstat(context.Background(), "/repo/x")

	assert.Equal(t, "/repo/x", seen)
	assert.Equal(t, StatusNotFound, res.Status)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "found", StatusFound.String())
	assert.Equal(t, "not_found", StatusNotFound.String())
	assert.Equal(t, "io_error", StatusIOError.String())
	assert.Equal(t, "unknown", Status(42).String())
}
