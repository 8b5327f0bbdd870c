// Package media opens the payload files referenced by posts.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidRef = errors.New("media: invalid file reference")

// File is an open media payload. Callers must Close it.
type File struct {
	io.ReadCloser
	Name string
	Size int64
}

// Source resolves a post file reference to its bytes.
type Source interface {
	Open(ctx context.Context, ref string) (*File, error)
}

// Local serves files from a directory. References are slash-separated paths
// relative to Root and may not escape it.
type Local struct {
	Root string
}

func NewLocal(root string) *Local {
	return &Local{Root: root}
}

func (l *Local) Open(ctx context.Context, ref string) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("media: open %s: %w", ref, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("media: stat %s: %w", ref, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidRef, ref)
	}
	return &File{ReadCloser: f, Name: filepath.Base(path), Size: st.Size()}, nil
}

func (l *Local) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrInvalidRef
	}
	if filepath.IsAbs(ref) && l.Root == "" {
		return filepath.Clean(ref), nil
	}
	clean := filepath.Clean("/" + filepath.FromSlash(ref))
	root := l.Root
	if root == "" {
		root = "."
	}
	full := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidRef, ref)
	}
	return full, nil
}
