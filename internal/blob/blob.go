// Package blob stores attachment bodies. Local keeps them under a data
// directory and hands out URLs below a public base path.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrInvalidPath = errors.New("invalid blob path")

type Store interface {
	Put(ctx context.Context, path string, r io.Reader) (url string, err error)
	Delete(ctx context.Context, path string) error
	Open(ctx context.Context, path string) (Object, error)
}

// Object is an open blob. *os.File satisfies it.
type Object interface {
	io.ReadSeekCloser
	Stat() (fs.FileInfo, error)
}

type Local struct {
	root    string
	baseURL string
}

// NewLocal returns a store rooted at dir whose URLs start with baseURL
// (for example "/uploads").
func NewLocal(dir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Local{root: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// resolve maps a slash-separated blob path to a file below the root,
// rejecting anything that would escape it.
func (l *Local) resolve(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", ErrInvalidPath
	}
	clean := path.Clean(p)
	if clean != p || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidPath
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

// Put writes r to a temp file next to the destination and renames it
// into place, so readers never see a partial blob.
func (l *Local) Put(ctx context.Context, p string, r io.Reader) (string, error) {
	dest, err := l.resolve(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, ctxReader{ctx, r}); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	committed = true
	return l.URL(p), nil
}

// Delete removes the blob and any directories it leaves empty. A missing
// blob is not an error.
func (l *Local) Delete(ctx context.Context, p string) error {
	dest, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for dir := filepath.Dir(dest); dir != l.root && strings.HasPrefix(dir, l.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

func (l *Local) Open(ctx context.Context, p string) (Object, error) {
	dest, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		return nil, err
	}
	if st, err := f.Stat(); err != nil || st.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}

func (l *Local) URL(p string) string {
	return l.baseURL + "/" + p
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
