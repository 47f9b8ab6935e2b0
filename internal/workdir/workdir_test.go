package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesUniqueDirs(t *testing.T) {
	root := t.TempDir()
	a, err := New(root)
	require.NoError(t, err)
	b, err := New(root)
	require.NoError(t, err)
	defer a.Remove()
	defer b.Remove()

	assert.NotEqual(t, a.Path, b.Path)
	assert.DirExists(t, a.Path)
}

func TestAcquireIsExclusive(t *testing.T) {
	root := t.TempDir()
	d, err := Acquire(root, "run-1")
	require.NoError(t, err)

	_, err = Acquire(root, "run-1")
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, d.Remove())
	again, err := Acquire(root, "run-1")
	require.NoError(t, err)
	require.NoError(t, again.Remove())
}

func TestRemoveDeletesContents(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(d.Path, "video_v1_0.m4s"), []byte("x"), 0o644))

	names, err := d.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{"video_v1_0.m4s"}, names)

	require.NoError(t, d.Remove())
	assert.NoDirExists(t, d.Path)
	assert.NoError(t, d.Remove(), "second remove is a no-op")
}
