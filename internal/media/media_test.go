package media

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalOpen(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "img"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "img", "a.jpg"), []byte("jpeg"), 0o644))

	src := NewLocal(root)
	f, err := src.Open(context.Background(), "img/a.jpg")
	require.NoError(t, err)
	defer f.Close()

	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(b))
	assert.Equal(t, "a.jpg", f.Name)
	assert.EqualValues(t, 4, f.Size)
}

func TestLocalRejectsBadRefs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o755))
	src := NewLocal(root)

	_, err := src.Open(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRef)

	_, err = src.Open(context.Background(), "dir")
	assert.ErrorIs(t, err, ErrInvalidRef)

	// Traversal is clamped to the root.
	_, err = src.Open(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = src.Open(context.Background(), "missing.png")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
