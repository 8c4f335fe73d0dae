package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// DirRepository serves a repository from a local or mounted directory.
type DirRepository struct {
	*fetcher
	root string
}

var _ Repository = (*DirRepository)(nil)

// NewDirRepository creates a repository rooted at root.
func NewDirRepository(root string, logger zerolog.Logger) *DirRepository {
	r := &DirRepository{root: root}
	r.fetcher = &fetcher{
		kind:   "dir",
		store:  r,
		logger: logger.With().Str("component", "repository").Str("root", root).Logger(),
	}
	return r
}

// Root returns the repository directory.
func (r *DirRepository) Root() string {
	return r.root
}

// StartSession checks that the root is a readable directory.
func (r *DirRepository) StartSession(_ context.Context) error {
	info, err := os.Stat(r.root)
	if err != nil {
		return sessionError("dir", err)
	}
	if !info.IsDir() {
		return sessionError("dir", fmt.Errorf("%s is not a directory", r.root))
	}
	return nil
}

// EndSession is a no-op.
func (r *DirRepository) EndSession(_ context.Context) error {
	return nil
}

func (r *DirRepository) path(key string) string {
	return filepath.Join(r.root, filepath.FromSlash(key))
}

func (r *DirRepository) read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, errObjectNotFound)
	}
	return data, err
}

func (r *DirRepository) download(ctx context.Context, key, dest string) error {
	src, err := os.Open(r.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", key, errObjectNotFound)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", key, err)
	}
	return os.Rename(tmp.Name(), dest)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
